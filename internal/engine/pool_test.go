package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLaunchPool_RunsSubmittedWork(t *testing.T) {
	p := newLaunchPool(4)
	defer p.shutdown()

	var count atomic.Int64
	for i := 0; i < 20; i++ {
		require.NoError(t, p.launch(context.Background(), func(context.Context) error {
			count.Add(1)
			return nil
		}))
	}
	p.wait()

	assert.Equal(t, int64(20), count.Load())
	assert.Equal(t, int64(20), p.metrics().Completed)
}

func TestLaunchPool_BoundsConcurrency(t *testing.T) {
	const size = 3
	p := newLaunchPool(size)
	defer p.shutdown()

	var active, peak atomic.Int64
	var mu sync.Mutex
	for i := 0; i < 12; i++ {
		require.NoError(t, p.launch(context.Background(), func(context.Context) error {
			cur := active.Add(1)
			mu.Lock()
			if cur > peak.Load() {
				peak.Store(cur)
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
			return nil
		}))
	}
	p.wait()

	assert.LessOrEqual(t, peak.Load(), int64(size))
}

func TestLaunchPool_CountsFailuresAndPanics(t *testing.T) {
	p := newLaunchPool(2)
	defer p.shutdown()

	require.NoError(t, p.launch(context.Background(), func(context.Context) error {
		return errors.New("boom")
	}))
	require.NoError(t, p.launch(context.Background(), func(context.Context) error {
		panic("worse")
	}))
	p.wait()

	m := p.metrics()
	assert.Equal(t, int64(2), m.Failed)
	assert.Equal(t, int64(1), m.Panics)
	assert.Zero(t, m.Active)
}

func TestLaunchPool_LaunchAfterShutdown(t *testing.T) {
	p := newLaunchPool(1)
	p.shutdown()

	err := p.launch(context.Background(), func(context.Context) error { return nil })
	require.ErrorIs(t, err, ErrPoolShutdown)
}

func TestLaunchPool_LaunchRespectsCancellation(t *testing.T) {
	p := newLaunchPool(1)
	defer p.shutdown()

	block := make(chan struct{})
	require.NoError(t, p.launch(context.Background(), func(context.Context) error {
		<-block
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := p.launch(ctx, func(context.Context) error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(block)
	p.wait()
}

func TestLaunchPool_ShutdownIsIdempotent(t *testing.T) {
	p := newLaunchPool(2)
	p.shutdown()
	p.shutdown()
}
