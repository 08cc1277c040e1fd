// Package sandbox executes untrusted script source under hard resource
// limits. Every invocation gets a fresh interpreter; nothing leaks between
// node executions.
package sandbox

import (
	"context"
	"time"
)

// Default resource ceilings applied when a limit is left zero.
const (
	DefaultMaxMemoryBytes = 4 << 20
	DefaultMaxStackDepth  = 100
	DefaultMaxDuration    = 4 * time.Second
	DefaultMaxStatements  = 1000
)

// Limits are the four hard ceilings enforced simultaneously on a script run.
// Zero values fall back to the defaults, so tests can shrink individual
// thresholds without restating the rest.
type Limits struct {
	MaxMemoryBytes int64
	MaxStackDepth  int
	MaxDuration    time.Duration

	// MaxStatements caps the number of statements in the parsed source,
	// counted once before execution. It bounds script size, not work: a
	// loop re-runs its body without recounting, so runaway iteration is
	// caught by MaxDuration and MaxMemoryBytes instead.
	MaxStatements int
}

// DefaultLimits returns the production ceilings.
func DefaultLimits() Limits {
	return Limits{
		MaxMemoryBytes: DefaultMaxMemoryBytes,
		MaxStackDepth:  DefaultMaxStackDepth,
		MaxDuration:    DefaultMaxDuration,
		MaxStatements:  DefaultMaxStatements,
	}
}

func (l Limits) withDefaults() Limits {
	if l.MaxMemoryBytes <= 0 {
		l.MaxMemoryBytes = DefaultMaxMemoryBytes
	}
	if l.MaxStackDepth <= 0 {
		l.MaxStackDepth = DefaultMaxStackDepth
	}
	if l.MaxDuration <= 0 {
		l.MaxDuration = DefaultMaxDuration
	}
	if l.MaxStatements <= 0 {
		l.MaxStatements = DefaultMaxStatements
	}
	return l
}

// Engine runs script source with the given global bindings and returns the
// script's completion value. A nil value means the script returned
// null/undefined. Violating any limit, a syntax error, a runtime error, or
// cancellation all surface as a SANDBOX_FAULT error, never a panic.
type Engine interface {
	Run(ctx context.Context, source string, bindings map[string]any) (any, error)
}
