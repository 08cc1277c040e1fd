// Package plugins resolves plugin templates and the executable services that
// back them. Templates describe what a plugin is; services know how to run
// one implementation handle.
package plugins

import (
	"context"
	"sync"

	"github.com/veralt/nodeflow/pkg/schema"
)

// PluginKind classifies how a plugin executes.
type PluginKind string

const (
	// KindTool plugins execute directly against serialized params.
	KindTool PluginKind = "tool"
	// KindNative plugins import a stored configuration before executing.
	KindNative PluginKind = "native"
)

// PluginTemplate describes one installable plugin.
type PluginTemplate struct {
	Key                  string     `json:"key"`
	Name                 string     `json:"name"`
	ImplementationHandle string     `json:"implementationHandle"`
	Kind                 PluginKind `json:"kind"`
}

// ExecutableService runs one plugin implementation. Execute receives the
// node's params serialized as JSON and returns the raw result string.
// ImportConfig is only called for native-kind plugins, before Execute.
type ExecutableService interface {
	Execute(ctx context.Context, paramsJSON string) (string, error)
	ImportConfig(configJSON string) error
}

// PluginConfig is one configured instance of a plugin template.
type PluginConfig struct {
	ID         string `json:"id"`
	PluginKey  string `json:"pluginKey"`
	Name       string `json:"name,omitempty"`
	ConfigJSON string `json:"configJson,omitempty"`
	Active     bool   `json:"active"`
}

// Registry resolves templates by key and services by implementation handle.
type Registry interface {
	ResolveByKey(key string) (*PluginTemplate, error)
	ResolveService(implementationHandle string) (ExecutableService, error)
}

// ConfigStore looks up configured plugin instances.
type ConfigStore interface {
	// GetConfig returns the config with the given ID, or NOT_FOUND.
	GetConfig(ctx context.Context, id string) (*PluginConfig, error)
	// FirstActiveConfig returns the first active config for a plugin key, or
	// NOT_FOUND when none exists.
	FirstActiveConfig(ctx context.Context, pluginKey string) (*PluginConfig, error)
}

// UsageRecorder counts plugin executions. Implementations may be backed by a
// store; callers treat RecordUsage as best-effort.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, pluginKey string) error
}

// MemoryRegistry is an in-process Registry. Safe for concurrent use.
type MemoryRegistry struct {
	mu        sync.RWMutex
	templates map[string]*PluginTemplate
	services  map[string]ExecutableService
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		templates: make(map[string]*PluginTemplate),
		services:  make(map[string]ExecutableService),
	}
}

// RegisterTemplate adds or replaces a template.
func (r *MemoryRegistry) RegisterTemplate(t *PluginTemplate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[t.Key] = t
}

// RegisterService binds an implementation handle to a service.
func (r *MemoryRegistry) RegisterService(implementationHandle string, svc ExecutableService) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[implementationHandle] = svc
}

func (r *MemoryRegistry) ResolveByKey(key string) (*PluginTemplate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodePluginDispatch, "unknown plugin key %q", key)
	}
	return t, nil
}

func (r *MemoryRegistry) ResolveService(implementationHandle string) (ExecutableService, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[implementationHandle]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodePluginDispatch,
			"no executable service for handle %q", implementationHandle)
	}
	return svc, nil
}

// MemoryConfigStore is an in-process ConfigStore. Configs keep insertion
// order so "first active" is deterministic.
type MemoryConfigStore struct {
	mu      sync.RWMutex
	byID    map[string]*PluginConfig
	ordered []*PluginConfig
}

// NewMemoryConfigStore creates an empty config store.
func NewMemoryConfigStore() *MemoryConfigStore {
	return &MemoryConfigStore{byID: make(map[string]*PluginConfig)}
}

// Add stores a config instance.
func (s *MemoryConfigStore) Add(cfg *PluginConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[cfg.ID]; !exists {
		s.ordered = append(s.ordered, cfg)
	}
	s.byID[cfg.ID] = cfg
}

func (s *MemoryConfigStore) GetConfig(_ context.Context, id string) (*PluginConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.byID[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "plugin config %q not found", id)
	}
	return cfg, nil
}

func (s *MemoryConfigStore) FirstActiveConfig(_ context.Context, pluginKey string) (*PluginConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cfg := range s.ordered {
		if cfg.PluginKey == pluginKey && cfg.Active {
			return cfg, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no active config for plugin %q", pluginKey)
}
