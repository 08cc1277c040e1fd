package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// RunMetrics counts workflow launches through the runner's pool.
type RunMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when a run is submitted after shutdown.
var ErrPoolShutdown = errors.New("runner pool is shut down")

// launchPool bounds how many workflow instances execute at once. Capacity is
// a semaphore channel, so a launch blocks while every slot holds a running
// instance.
type launchPool struct {
	sem  chan struct{}
	wg   sync.WaitGroup
	done chan struct{}

	mu     sync.Mutex
	closed bool

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
}

func newLaunchPool(size int) *launchPool {
	if size <= 0 {
		size = 1
	}
	return &launchPool{
		sem:  make(chan struct{}, size),
		done: make(chan struct{}),
	}
}

// launch acquires a slot and runs fn on its own goroutine. It blocks while
// the pool is at capacity, honoring ctx while waiting, and returns
// ErrPoolShutdown once the pool has been shut down.
func (p *launchPool) launch(ctx context.Context, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
		// Slot acquired.
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// Re-check closed after acquiring the slot, in case shutdown raced.
	// wg.Add(1) MUST happen under the lock so shutdown's wg.Wait() cannot
	// miss this launch.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem // release slot
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.active.Add(1)
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				p.failed.Add(1)
			}
			p.active.Add(-1)
			<-p.sem // release slot
			p.wg.Done()
		}()

		if err := fn(ctx); err != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
	}()

	return nil
}

// wait blocks until every launched run completes.
func (p *launchPool) wait() {
	p.wg.Wait()
}

// shutdown refuses new launches and waits for in-flight runs.
func (p *launchPool) shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *launchPool) metrics() RunMetrics {
	return RunMetrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
