// Package security holds the file and memory hygiene used for keyprint
// secrets and exports.
package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// File permission constants
const (
	// PermSecretFile is owner read/write only.
	PermSecretFile os.FileMode = 0600

	// PermSecretDir is owner only.
	PermSecretDir os.FileMode = 0700
)

// MaxSecretSize bounds secret files read by ReadSecret.
const MaxSecretSize = 4096

var (
	ErrInsecurePermissions = errors.New("security: insecure file permissions")
	ErrAtomicWriteFailed   = errors.New("security: atomic write failed")
	ErrTempFileFailed      = errors.New("security: temporary file creation failed")
	ErrFileTooLarge        = errors.New("security: file exceeds maximum size")
)

// AtomicFile writes to a temporary sibling and renames it over the
// target on Commit, so readers never see a partial file.
type AtomicFile struct {
	path     string
	tempFile *os.File
	tempPath string
	done     bool
}

// CreateAtomic starts an atomic write of path with mode perm. Missing
// parent directories are created owner-only.
func CreateAtomic(path string, perm os.FileMode) (*AtomicFile, error) {
	if path == "" {
		return nil, errors.New("security: empty path")
	}
	cleanPath := filepath.Clean(path)

	if err := os.MkdirAll(filepath.Dir(cleanPath), PermSecretDir); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	// Same directory so the rename stays on one filesystem.
	tempPath := cleanPath + ".tmp." + randomSuffix()
	tempFile, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTempFileFailed, err)
	}

	return &AtomicFile{
		path:     cleanPath,
		tempFile: tempFile,
		tempPath: tempPath,
	}, nil
}

// Write writes to the temporary file.
func (w *AtomicFile) Write(p []byte) (n int, err error) {
	return w.tempFile.Write(p)
}

// Commit syncs the temporary file and moves it to the final path.
func (w *AtomicFile) Commit() error {
	if w.done {
		return errors.New("security: atomic file already finished")
	}
	w.done = true

	if err := w.tempFile.Sync(); err != nil {
		w.tempFile.Close()
		os.Remove(w.tempPath)
		return fmt.Errorf("sync: %w", err)
	}
	if err := w.tempFile.Close(); err != nil {
		os.Remove(w.tempPath)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(w.tempPath, w.path); err != nil {
		os.Remove(w.tempPath)
		return fmt.Errorf("%w: %v", ErrAtomicWriteFailed, err)
	}
	return nil
}

// Abort discards the write. It is a no-op after Commit, so it can be
// deferred.
func (w *AtomicFile) Abort() {
	if w.done {
		return
	}
	w.done = true
	w.tempFile.Close()
	os.Remove(w.tempPath)
}

func randomSuffix() string {
	var b [8]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// WriteFile writes data to path atomically with mode perm.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	w, err := CreateAtomic(path, perm)
	if err != nil {
		return err
	}
	defer w.Abort()

	if _, err := w.Write(data); err != nil {
		return err
	}
	return w.Commit()
}

// WriteSecret writes data atomically with PermSecretFile.
func WriteSecret(path string, data []byte) error {
	return WriteFile(path, data, PermSecretFile)
}

// ReadSecret reads a secret file, refusing files that group or others
// can access and files larger than MaxSecretSize.
func ReadSecret(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if runtime.GOOS != "windows" {
		if mode := info.Mode().Perm(); mode&0077 != 0 {
			return nil, fmt.Errorf("%w: %s has mode %04o, expected %04o",
				ErrInsecurePermissions, path, mode, PermSecretFile)
		}
	}
	if info.Size() > MaxSecretSize {
		return nil, fmt.Errorf("%w: size %d exceeds limit %d", ErrFileTooLarge, info.Size(), MaxSecretSize)
	}
	return os.ReadFile(path)
}

// Wipe zeroes b.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
