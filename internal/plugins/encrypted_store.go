package plugins

import (
	"context"
	"encoding/base64"
	"sync"

	"github.com/veralt/nodeflow/internal/secrets"
)

// EncryptedConfigStore keeps plugin credentials sealed at rest. It wraps a
// MemoryConfigStore, encrypting ConfigJSON on Add and decrypting on lookup,
// so a dump of the underlying store never exposes API keys.
type EncryptedConfigStore struct {
	mu     sync.Mutex
	inner  *MemoryConfigStore
	cipher *secrets.Cipher
}

// NewEncryptedConfigStore wraps a fresh in-memory store with the cipher.
func NewEncryptedConfigStore(cipher *secrets.Cipher) *EncryptedConfigStore {
	return &EncryptedConfigStore{
		inner:  NewMemoryConfigStore(),
		cipher: cipher,
	}
}

// Add seals the config's credential payload and stores it.
func (s *EncryptedConfigStore) Add(cfg *PluginConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *cfg
	if cp.ConfigJSON != "" {
		sealed, err := s.cipher.Encrypt([]byte(cp.ConfigJSON))
		if err != nil {
			return err
		}
		cp.ConfigJSON = base64.StdEncoding.EncodeToString(sealed)
	}
	s.inner.Add(&cp)
	return nil
}

func (s *EncryptedConfigStore) GetConfig(ctx context.Context, id string) (*PluginConfig, error) {
	cfg, err := s.inner.GetConfig(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.open(cfg)
}

func (s *EncryptedConfigStore) FirstActiveConfig(ctx context.Context, pluginKey string) (*PluginConfig, error) {
	cfg, err := s.inner.FirstActiveConfig(ctx, pluginKey)
	if err != nil {
		return nil, err
	}
	return s.open(cfg)
}

func (s *EncryptedConfigStore) open(cfg *PluginConfig) (*PluginConfig, error) {
	if cfg.ConfigJSON == "" {
		return cfg, nil
	}
	sealed, err := base64.StdEncoding.DecodeString(cfg.ConfigJSON)
	if err != nil {
		return nil, err
	}
	plain, err := s.cipher.Decrypt(sealed)
	if err != nil {
		return nil, err
	}
	cp := *cfg
	cp.ConfigJSON = string(plain)
	return &cp, nil
}

var _ ConfigStore = (*EncryptedConfigStore)(nil)
