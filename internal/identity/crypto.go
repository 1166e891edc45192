package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"

	"clawlink/internal/domain"
)

const (
	encPrefix = "enc:"
	rawPrefix = "raw:"

	saltSize = 16
)

// keyCipher encrypts private key material at rest with AES-256-GCM under an
// Argon2id-derived key. An empty passphrase disables encryption and stores
// the key with a raw prefix instead.
type keyCipher struct {
	passphrase string
}

// Seal encrypts plaintext and returns "enc:" + base64(salt + nonce + ciphertext).
// With an empty passphrase it returns "raw:" + base64(plaintext).
func (c keyCipher) Seal(plaintext []byte) (string, error) {
	if c.passphrase == "" {
		return rawPrefix + base64.StdEncoding.EncodeToString(plaintext), nil
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(c.passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	blob := append(append(salt, nonce...), sealed...)
	return encPrefix + base64.StdEncoding.EncodeToString(blob), nil
}

// Open decrypts a value produced by Seal.
func (c keyCipher) Open(stored string) ([]byte, error) {
	switch {
	case strings.HasPrefix(stored, rawPrefix):
		return base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, rawPrefix))
	case strings.HasPrefix(stored, encPrefix):
	default:
		return nil, fmt.Errorf("unrecognized key encoding")
	}

	if c.passphrase == "" {
		return nil, fmt.Errorf("%w: key is encrypted but no passphrase is set", domain.ErrDecryption)
	}

	blob, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, encPrefix))
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	if len(blob) < saltSize {
		return nil, fmt.Errorf("stored key too short")
	}
	salt, rest := blob[:saltSize], blob[saltSize:]

	gcm, err := newGCM(c.passphrase, salt)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(rest) < nonceSize {
		return nil, fmt.Errorf("stored key too short")
	}
	nonce, sealed := rest[:nonceSize], rest[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}
	return plaintext, nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}
