package plugins

import (
	"context"
	"sync"
	"time"

	"github.com/veralt/nodeflow/pkg/schema"
)

// BreakerState is the state of one plugin's circuit.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // normal operation
	BreakerOpen                         // failing, rejecting dispatches
	BreakerHalfOpen                     // probing recovery
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes the circuit breaker guarding plugin dispatch.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before the
	// circuit opens.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before probing.
	Cooldown time.Duration
	// HalfOpenMax is the number of probe dispatches allowed while half-open.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the default breaker tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type breaker struct {
	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
	config              BreakerConfig
}

// BreakerRegistry tracks a circuit per plugin key so one misbehaving
// upstream cannot keep absorbing dispatches.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   BreakerConfig
}

// NewBreakerRegistry creates a registry with the given tuning.
func NewBreakerRegistry(config BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*breaker),
		config:   config,
	}
}

// Allow reports whether a dispatch to the plugin may proceed. It returns a
// PLUGIN_DISPATCH_ERROR when the circuit is open.
func (r *BreakerRegistry) Allow(pluginKey string) error {
	cb := r.getOrCreate(pluginKey)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return nil

	case BreakerOpen:
		if time.Since(cb.lastFailureTime) >= cb.config.Cooldown {
			cb.state = BreakerHalfOpen
			cb.halfOpenAttempts = 1 // this dispatch is the first probe
			return nil
		}
		return schema.NewErrorf(schema.ErrCodePluginDispatch,
			"circuit open for plugin %q after %d consecutive failures",
			pluginKey, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"plugin_key":           pluginKey,
				"consecutive_failures": cb.consecutiveFailures,
				"state":                cb.state.String(),
				"cooldown_remaining":   (cb.config.Cooldown - time.Since(cb.lastFailureTime)).String(),
			})

	case BreakerHalfOpen:
		if cb.halfOpenAttempts >= cb.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodePluginDispatch,
				"circuit half-open for plugin %q: probe limit reached", pluginKey)
		}
		cb.halfOpenAttempts++
		return nil
	}

	return nil
}

// RecordSuccess closes the plugin's circuit.
func (r *BreakerRegistry) RecordSuccess(pluginKey string) {
	cb := r.getOrCreate(pluginKey)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = BreakerClosed
}

// RecordFailure counts a failed dispatch and returns the resulting state.
func (r *BreakerRegistry) RecordFailure(pluginKey string) BreakerState {
	cb := r.getOrCreate(pluginKey)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = time.Now()

	// Any failure while half-open reopens the circuit.
	if cb.state == BreakerHalfOpen {
		cb.state = BreakerOpen
		return BreakerOpen
	}

	if cb.consecutiveFailures >= cb.config.FailureThreshold {
		cb.state = BreakerOpen
		return BreakerOpen
	}

	return cb.state
}

// State returns the plugin's circuit state, applying the open-to-half-open
// transition when the cooldown has elapsed.
func (r *BreakerRegistry) State(pluginKey string) BreakerState {
	cb := r.getOrCreate(pluginKey)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerOpen && time.Since(cb.lastFailureTime) >= cb.config.Cooldown {
		cb.state = BreakerHalfOpen
		cb.halfOpenAttempts = 0
	}

	return cb.state
}

// Stats returns diagnostics for one plugin's circuit.
func (r *BreakerRegistry) Stats(pluginKey string) map[string]any {
	cb := r.getOrCreate(pluginKey)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]any{
		"plugin_key":           pluginKey,
		"state":                cb.state.String(),
		"consecutive_failures": cb.consecutiveFailures,
		"failure_threshold":    cb.config.FailureThreshold,
		"cooldown":             cb.config.Cooldown.String(),
	}
}

func (r *BreakerRegistry) getOrCreate(pluginKey string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[pluginKey]
	if !ok {
		cb = &breaker{
			state:  BreakerClosed,
			config: r.config,
		}
		r.breakers[pluginKey] = cb
	}
	return cb
}

// GuardedService wraps an ExecutableService with a circuit breaker keyed by
// the plugin it fronts.
type GuardedService struct {
	inner    ExecutableService
	breakers *BreakerRegistry
	key      string
}

// Guard wraps a service so its dispatches pass through the registry's
// circuit for the given plugin key.
func Guard(inner ExecutableService, breakers *BreakerRegistry, pluginKey string) *GuardedService {
	return &GuardedService{inner: inner, breakers: breakers, key: pluginKey}
}

func (g *GuardedService) Execute(ctx context.Context, paramsJSON string) (string, error) {
	if err := g.breakers.Allow(g.key); err != nil {
		return "", err
	}
	out, err := g.inner.Execute(ctx, paramsJSON)
	if err != nil {
		g.breakers.RecordFailure(g.key)
		return "", err
	}
	g.breakers.RecordSuccess(g.key)
	return out, nil
}

func (g *GuardedService) ImportConfig(configJSON string) error {
	return g.inner.ImportConfig(configJSON)
}
