// Package crypto seals small blobs, such as the credential file, under a
// key derived from a passphrase.
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

const (
	KeySize   = 32 // AES-256
	NonceSize = 12 // GCM standard
	TagSize   = 16 // GCM tag
	SaltSize  = 16

	// Scrypt parameters
	ScryptN = 32768 // CPU/memory cost parameter
	ScryptR = 8     // block size parameter
	ScryptP = 1     // parallelization parameter
)

// Errors
var (
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrInvalidKey        = errors.New("invalid key size")
	ErrDecryptionFailed  = errors.New("decryption failed")
	ErrEmptyPassphrase   = errors.New("empty passphrase")
)

// DeriveKey derives an AES-256 key from a passphrase with scrypt.
func DeriveKey(passphrase string, salt []byte) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	if len(salt) < SaltSize {
		return nil, fmt.Errorf("salt too short: %d bytes", len(salt))
	}

	key, err := scrypt.Key([]byte(passphrase), salt, ScryptN, ScryptR, ScryptP, KeySize)
	if err != nil {
		return nil, fmt.Errorf("scrypt key derivation: %w", err)
	}
	return key, nil
}

// NewSalt returns SaltSize random bytes.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// Sealer encrypts and decrypts with one derived key.
type Sealer struct {
	key  []byte
	salt []byte
}

// NewSealer derives the key for passphrase and salt. A nil salt generates
// a fresh one.
func NewSealer(passphrase string, salt []byte) (*Sealer, error) {
	if salt == nil {
		var err error
		if salt, err = NewSalt(); err != nil {
			return nil, err
		}
	}
	key, err := DeriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	return &Sealer{key: key, salt: salt}, nil
}

// Salt returns the salt the key was derived with. It must be stored next
// to sealed data.
func (s *Sealer) Salt() []byte {
	return s.salt
}

// Seal encrypts plaintext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	return EncryptData(plaintext, s.key)
}

// Open decrypts data produced by Seal.
func (s *Sealer) Open(ciphertext []byte) ([]byte, error) {
	return DecryptData(ciphertext, s.key)
}
