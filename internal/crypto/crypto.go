// Package crypto provides field-level encryption for complainant data
// at rest: AES-256-GCM for the values and a keyed hash of the phone
// number for equality lookup without decryption.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	// MasterKeyFile is the filename for the master encryption key.
	MasterKeyFile = "master.key"
	// MasterKeySize is the key size in bytes (AES-256).
	MasterKeySize = 32
)

// FieldCipher encrypts and decrypts individual entity fields.
type FieldCipher struct {
	key []byte
}

// NewFieldCipher loads or generates the master key under keyDir.
func NewFieldCipher(keyDir string) (*FieldCipher, error) {
	key, err := loadOrGenerateKey(keyDir)
	if err != nil {
		return nil, fmt.Errorf("master key init: %w", err)
	}
	return &FieldCipher{key: key}, nil
}

// NewFieldCipherWithKey creates a cipher from raw key bytes (tests).
func NewFieldCipherWithKey(key []byte) (*FieldCipher, error) {
	if len(key) != MasterKeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", MasterKeySize, len(key))
	}
	return &FieldCipher{key: key}, nil
}

func loadOrGenerateKey(keyDir string) ([]byte, error) {
	keyPath := filepath.Join(keyDir, MasterKeyFile)

	data, err := os.ReadFile(keyPath)
	if err == nil && len(data) == MasterKeySize {
		return data, nil
	}

	key := make([]byte, MasterKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	if err := os.MkdirAll(keyDir, 0700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(keyPath, key, 0600); err != nil {
		return nil, fmt.Errorf("write key: %w", err)
	}

	return key, nil
}

// EncryptField encrypts a cleartext field value. The nonce is prefixed
// to the ciphertext and the whole value is base64-encoded for storage
// in a text column. Empty input stays empty.
func (c *FieldCipher) EncryptField(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptField reverses EncryptField.
func (c *FieldCipher) DecryptField(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}

	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode field: %w", err)
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}

	if len(sealed) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext shorter than nonce")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt field: %w", err)
	}
	return string(plaintext), nil
}

// HashPhone returns a deterministic keyed hash of a phone number for
// equality lookup. Empty input stays empty.
func (c *FieldCipher) HashPhone(phone string) string {
	if phone == "" {
		return ""
	}
	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte(phone))
	return hex.EncodeToString(mac.Sum(nil))
}
