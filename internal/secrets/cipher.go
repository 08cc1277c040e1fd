package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/veralt/nodeflow/pkg/schema"
)

// CipherConfig configures key derivation for the credential cipher.
// Provide either MasterKey (raw 32 bytes) or Passphrase + Salt.
type CipherConfig struct {
	MasterKey  []byte // raw 32-byte key (takes priority)
	Passphrase string // derive key via PBKDF2
	Salt       []byte // salt for PBKDF2 (required with Passphrase)
	Iterations int    // PBKDF2 iterations (default 100_000)
}

// Cipher encrypts plugin credentials with AES-256-GCM so configured API
// keys never sit in a store as plaintext.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a Cipher from the config's key material.
func NewCipher(cfg CipherConfig) (*Cipher, error) {
	key, err := deriveKey(cfg)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

func deriveKey(cfg CipherConfig) ([]byte, error) {
	if len(cfg.MasterKey) > 0 {
		if len(cfg.MasterKey) != 32 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"master key must be 32 bytes, got %d", len(cfg.MasterKey))
		}
		return cfg.MasterKey, nil
	}
	if cfg.Passphrase == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "either master_key or passphrase is required")
	}
	if len(cfg.Salt) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "salt is required with passphrase")
	}
	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = 100_000
	}
	return pbkdf2.Key(sha256.New, cfg.Passphrase, cfg.Salt, iterations, 32)
}

// Encrypt seals the plaintext with a fresh random nonce prepended to the
// ciphertext.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func (c *Cipher) Decrypt(ciphertext []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, schema.NewError(schema.ErrCodeStore, "ciphertext too short")
	}
	nonce := ciphertext[:nonceSize]
	ct := ciphertext[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "decrypt failed: %s", err.Error())
	}
	return plaintext, nil
}
