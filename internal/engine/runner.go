package engine

import (
	"context"
	"log/slog"

	"github.com/veralt/nodeflow/internal/store"
	"github.com/veralt/nodeflow/pkg/schema"
)

// DefaultPoolSize caps concurrently executing workflow instances.
const DefaultPoolSize = 10

// Runner executes workflow instances through a bounded worker pool. It is
// the host-facing entry point: the CLI and the scheduler submit runs here
// rather than driving the dispatcher directly.
type Runner struct {
	dispatcher *Dispatcher
	pool       *launchPool
	store      store.RunStore
	logger     *slog.Logger
}

// NewRunner wraps a dispatcher with a pool of the given size. The store is
// optional; without it RunStored cannot resolve definitions by ID.
func NewRunner(d *Dispatcher, poolSize int, s store.RunStore, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		dispatcher: d,
		pool:       newLaunchPool(poolSize),
		store:      s,
		logger:     logger,
	}
}

// Run executes a definition synchronously, still counting against the pool's
// concurrency bound.
func (r *Runner) Run(ctx context.Context, def *schema.WorkflowDefinition, params map[string]any) (*Result, error) {
	var (
		result *Result
		runErr error
	)
	done := make(chan struct{})
	err := r.pool.launch(ctx, func(ctx context.Context) error {
		defer close(done)
		result, runErr = r.dispatcher.Execute(ctx, def, params)
		return runErr
	})
	if err != nil {
		return nil, err
	}
	<-done
	return result, runErr
}

// Submit enqueues an asynchronous run. The callback receives the outcome;
// it may be nil when the caller does not care.
func (r *Runner) Submit(ctx context.Context, def *schema.WorkflowDefinition, params map[string]any, done func(*Result, error)) error {
	return r.pool.launch(ctx, func(ctx context.Context) error {
		result, err := r.dispatcher.Execute(ctx, def, params)
		if done != nil {
			done(result, err)
		}
		return err
	})
}

// RunStored loads a definition by ID from the store and executes it. The
// scheduler drives cron-triggered runs through this.
func (r *Runner) RunStored(ctx context.Context, definitionID string, params map[string]any) (*Result, error) {
	if r.store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "runner has no store")
	}
	def, err := r.store.GetDefinition(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	return r.Run(ctx, def, params)
}

// Wait blocks until all submitted runs complete.
func (r *Runner) Wait() {
	r.pool.wait()
}

// Shutdown stops accepting runs and waits for in-flight ones.
func (r *Runner) Shutdown() {
	r.pool.shutdown()
}

// Metrics reports the pool's counters.
func (r *Runner) Metrics() RunMetrics {
	return r.pool.metrics()
}
