package crypto_test

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/filebridge/internal/crypto"
)

func randomKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, crypto.KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestSecurityRequirements(t *testing.T) {
	t.Run("key size is 256 bits", func(t *testing.T) {
		assert.Equal(t, 32, crypto.KeySize)
	})

	t.Run("scrypt cost is at least 2^15", func(t *testing.T) {
		assert.GreaterOrEqual(t, crypto.ScryptN, 1<<15)
	})

	t.Run("nonce is random for each encryption", func(t *testing.T) {
		key := randomKey(t)
		plaintext := []byte("test message")

		cipher1, err := crypto.EncryptData(plaintext, key)
		require.NoError(t, err)
		cipher2, err := crypto.EncryptData(plaintext, key)
		require.NoError(t, err)

		// Ciphertexts should be different due to random nonce
		assert.NotEqual(t, cipher1, cipher2)

		plain1, err := crypto.DecryptData(cipher1, key)
		require.NoError(t, err)
		plain2, err := crypto.DecryptData(cipher2, key)
		require.NoError(t, err)
		assert.Equal(t, plaintext, plain1)
		assert.Equal(t, plaintext, plain2)
	})

	t.Run("authentication tag prevents tampering", func(t *testing.T) {
		key := randomKey(t)
		ciphertext, err := crypto.EncryptData([]byte("sensitive data"), key)
		require.NoError(t, err)

		for _, i := range []int{0, crypto.NonceSize, len(ciphertext) - 1} {
			tampered := append([]byte(nil), ciphertext...)
			tampered[i] ^= 0xFF
			_, err = crypto.DecryptData(tampered, key)
			assert.ErrorIs(t, err, crypto.ErrDecryptionFailed, "byte %d", i)
		}
	})

	t.Run("ciphertext carries nonce and tag", func(t *testing.T) {
		ciphertext, err := crypto.EncryptData([]byte("test"), randomKey(t))
		require.NoError(t, err)
		assert.Len(t, ciphertext, crypto.NonceSize+4+crypto.TagSize)
	})
}

func TestAESGCM(t *testing.T) {
	t.Run("wrong key fails decryption", func(t *testing.T) {
		ciphertext, err := crypto.EncryptData([]byte("secret message"), randomKey(t))
		require.NoError(t, err)

		_, err = crypto.DecryptData(ciphertext, randomKey(t))
		assert.ErrorIs(t, err, crypto.ErrDecryptionFailed)
	})

	t.Run("short ciphertext", func(t *testing.T) {
		_, err := crypto.DecryptData(make([]byte, crypto.NonceSize+crypto.TagSize-1), randomKey(t))
		assert.ErrorIs(t, err, crypto.ErrInvalidCiphertext)
	})

	t.Run("empty plaintext", func(t *testing.T) {
		key := randomKey(t)
		ciphertext, err := crypto.EncryptData(nil, key)
		require.NoError(t, err)
		plain, err := crypto.DecryptData(ciphertext, key)
		require.NoError(t, err)
		assert.Empty(t, plain)
	})

	t.Run("key validation", func(t *testing.T) {
		tests := []struct {
			name    string
			keySize int
			wantErr bool
		}{
			{"correct size", crypto.KeySize, false},
			{"too short", crypto.KeySize - 1, true},
			{"too long", crypto.KeySize + 1, true},
			{"zero size", 0, true},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := crypto.EncryptData([]byte("x"), make([]byte, tt.keySize))
				if tt.wantErr {
					assert.ErrorIs(t, err, crypto.ErrInvalidKey)
				} else {
					assert.NoError(t, err)
				}
			})
		}
	})
}

func TestDeriveKey(t *testing.T) {
	salt := []byte("0123456789abcdef")

	k1, err := crypto.DeriveKey("correct horse", salt)
	require.NoError(t, err)
	assert.Len(t, k1, crypto.KeySize)

	k2, err := crypto.DeriveKey("correct horse", salt)
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "derivation is deterministic")

	k3, err := crypto.DeriveKey("correct horse", []byte("fedcba9876543210"))
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)

	_, err = crypto.DeriveKey("", salt)
	assert.ErrorIs(t, err, crypto.ErrEmptyPassphrase)

	_, err = crypto.DeriveKey("pw", []byte("short"))
	assert.Error(t, err)
}

func TestSealer(t *testing.T) {
	s, err := crypto.NewSealer("hunter2", nil)
	require.NoError(t, err)
	assert.Len(t, s.Salt(), crypto.SaltSize)

	sealed, err := s.Seal([]byte(`{"nas":{"secret":"pw"}}`))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "pw")

	// Reopening with the stored salt recovers the plaintext.
	again, err := crypto.NewSealer("hunter2", s.Salt())
	require.NoError(t, err)
	plain, err := again.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, `{"nas":{"secret":"pw"}}`, string(plain))

	wrong, err := crypto.NewSealer("hunter3", s.Salt())
	require.NoError(t, err)
	_, err = wrong.Open(sealed)
	assert.ErrorIs(t, err, crypto.ErrDecryptionFailed)
}
