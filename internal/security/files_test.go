package security

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestWriteSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "seal.key")
	if err := WriteSecret(path, []byte("secret")); err != nil {
		t.Fatal(err)
	}

	data, err := ReadSecret(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "secret" {
		t.Errorf("data = %q", data)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm() != PermSecretFile {
			t.Errorf("mode = %04o", info.Mode().Perm())
		}
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("temporary files left behind: %v", entries)
	}
}

func TestAtomicFileAbort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "export.zst")
	if err := os.WriteFile(path, []byte("old"), 0600); err != nil {
		t.Fatal(err)
	}

	w, err := CreateAtomic(path, PermSecretFile)
	if err != nil {
		t.Fatal(err)
	}
	w.Write([]byte("partial"))
	w.Abort()
	w.Abort()

	data, _ := os.ReadFile(path)
	if string(data) != "old" {
		t.Errorf("aborted write replaced the file: %q", data)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("temporary file not removed: %v", entries)
	}
	if err := w.Commit(); err == nil {
		t.Error("commit after abort should fail")
	}
}

func TestReadSecretRejectsLoosePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no unix permissions")
	}
	path := filepath.Join(t.TempDir(), "seal.key")
	if err := os.WriteFile(path, []byte("secret"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadSecret(path); !errors.Is(err, ErrInsecurePermissions) {
		t.Errorf("err = %v", err)
	}
}

func TestReadSecretTooLarge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seal.key")
	if err := WriteSecret(path, bytes.Repeat([]byte("a"), MaxSecretSize+1)); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadSecret(path); !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("err = %v", err)
	}
}

func TestWipe(t *testing.T) {
	b := []byte("secret")
	Wipe(b)
	if !bytes.Equal(b, make([]byte, 6)) {
		t.Errorf("not wiped: %v", b)
	}
	Wipe(nil)
}
