package profile

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"

	"keyprint/internal/security"
)

// SealDomain separates seal keys from any other use of the secret.
const SealDomain = "keyprint-profile-seal-v1"

// MinSecretSize is the shortest server secret NewSealer accepts.
const MinSecretSize = 16

var (
	// ErrSealMismatch means a stored profile was modified outside the
	// service or sealed under a different secret.
	ErrSealMismatch = errors.New("profile: seal mismatch")

	// ErrWeakSecret is returned for secrets shorter than MinSecretSize.
	ErrWeakSecret = errors.New("profile: seal secret too short")
)

// Sealer computes keyed BLAKE3 seals over profiles. Each user gets its
// own key derived from the server secret, so a seal cannot be moved
// between users.
type Sealer struct {
	secret []byte
}

// NewSealer copies secret.
func NewSealer(secret []byte) (*Sealer, error) {
	if len(secret) < MinSecretSize {
		return nil, fmt.Errorf("%w: %d bytes, need %d", ErrWeakSecret, len(secret), MinSecretSize)
	}
	return &Sealer{secret: append([]byte(nil), secret...)}, nil
}

func (s *Sealer) key(userID string) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, s.secret, []byte(SealDomain), []byte(userID))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive seal key: %w", err)
	}
	return key, nil
}

func (s *Sealer) compute(p *Profile) ([]byte, error) {
	key, err := s.key(p.UserID)
	if err != nil {
		return nil, err
	}
	defer security.Wipe(key)
	h, err := blake3.NewKeyed(key)
	if err != nil {
		return nil, fmt.Errorf("seal hasher: %w", err)
	}
	data, err := canonical(p)
	if err != nil {
		return nil, fmt.Errorf("seal encode: %w", err)
	}
	h.Write(data)
	return h.Sum(nil), nil
}

// Seal stamps p with its current seal.
func (s *Sealer) Seal(p *Profile) error {
	sum, err := s.compute(p)
	if err != nil {
		return err
	}
	p.Seal = sum
	return nil
}

// Verify checks p against its stored seal.
func (s *Sealer) Verify(p *Profile) error {
	if len(p.Seal) == 0 {
		return fmt.Errorf("%w: profile %s is unsealed", ErrSealMismatch, p.UserID)
	}
	sum, err := s.compute(p)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(sum, p.Seal) != 1 {
		return fmt.Errorf("%w: profile %s", ErrSealMismatch, p.UserID)
	}
	return nil
}
