package plugins

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veralt/nodeflow/pkg/schema"
)

func testBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 3, Cooldown: 50 * time.Millisecond, HalfOpenMax: 1}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	r := NewBreakerRegistry(testBreakerConfig())

	require.NoError(t, r.Allow("weather"))
	r.RecordFailure("weather")
	r.RecordFailure("weather")
	assert.Equal(t, BreakerClosed, r.State("weather"))

	state := r.RecordFailure("weather")
	assert.Equal(t, BreakerOpen, state)

	err := r.Allow("weather")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodePluginDispatch, schema.CodeOf(err))
}

func TestBreaker_HalfOpenProbeAndRecovery(t *testing.T) {
	r := NewBreakerRegistry(testBreakerConfig())
	for i := 0; i < 3; i++ {
		r.RecordFailure("weather")
	}
	require.Error(t, r.Allow("weather"))

	time.Sleep(60 * time.Millisecond)

	// First probe allowed, second rejected.
	require.NoError(t, r.Allow("weather"))
	require.Error(t, r.Allow("weather"))

	r.RecordSuccess("weather")
	assert.Equal(t, BreakerClosed, r.State("weather"))
	require.NoError(t, r.Allow("weather"))
}

func TestBreaker_FailureWhileHalfOpenReopens(t *testing.T) {
	r := NewBreakerRegistry(testBreakerConfig())
	for i := 0; i < 3; i++ {
		r.RecordFailure("weather")
	}
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, r.Allow("weather"))

	assert.Equal(t, BreakerOpen, r.RecordFailure("weather"))
	require.Error(t, r.Allow("weather"))
}

func TestBreaker_IsolatesPlugins(t *testing.T) {
	r := NewBreakerRegistry(testBreakerConfig())
	for i := 0; i < 3; i++ {
		r.RecordFailure("weather")
	}
	require.Error(t, r.Allow("weather"))
	require.NoError(t, r.Allow("translate"))
}

type countingService struct {
	calls int
	err   error
}

func (s *countingService) Execute(context.Context, string) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return `{"ok":true}`, nil
}

func (s *countingService) ImportConfig(string) error { return nil }

func TestGuardedService_ShortCircuitsOpenBreaker(t *testing.T) {
	r := NewBreakerRegistry(testBreakerConfig())
	inner := &countingService{err: errors.New("upstream down")}
	svc := Guard(inner, r, "weather")

	for i := 0; i < 3; i++ {
		_, err := svc.Execute(context.Background(), "{}")
		require.Error(t, err)
	}
	assert.Equal(t, 3, inner.calls)

	// Circuit now open: the upstream is no longer hit.
	_, err := svc.Execute(context.Background(), "{}")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodePluginDispatch, schema.CodeOf(err))
	assert.Equal(t, 3, inner.calls)
}

func TestGuardedService_SuccessClosesCircuit(t *testing.T) {
	r := NewBreakerRegistry(testBreakerConfig())
	inner := &countingService{}
	svc := Guard(inner, r, "weather")

	out, err := svc.Execute(context.Background(), "{}")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, out)
	assert.Equal(t, BreakerClosed, r.State("weather"))
}
