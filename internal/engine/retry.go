package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/veralt/nodeflow/pkg/schema"
)

// Error codes that must never be retried: the same input will fail the same
// way, or the run is shutting down.
var nonRetryableCodes = map[string]bool{
	schema.ErrCodeValidation: true,
	schema.ErrCodeExpression: true,
	schema.ErrCodeSandbox:    true,
	schema.ErrCodeNotFound:   true,
	schema.ErrCodeConflict:   true,
	schema.ErrCodeCancelled:  true,
}

// IsRetryableError classifies whether a node failure should be retried.
// Deterministic faults (validation, expression, sandbox) are not; transient
// faults (network, timeouts, plugin dispatch, store) are.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// A node deadline is retryable; a cancelled run is shutting down.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	if code := schema.CodeOf(err); code != "" {
		return !nonRetryableCodes[code]
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Default retryable; the policy's attempt cap bounds the damage.
	return true
}

// ComputeBackoff calculates the delay before the next retry attempt.
// Supports none, constant, linear, and exponential backoff with an optional
// max_delay cap.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay == "" {
		return 0
	}

	base, err := time.ParseDuration(policy.Delay)
	if err != nil {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		multiplier := time.Duration(1)
		for i := 0; i < attempt; i++ {
			multiplier *= 2
		}
		delay = base * multiplier
	case "linear":
		delay = base * time.Duration(attempt+1)
	default: // "constant", "none", empty
		delay = base
	}

	if policy.MaxDelay != "" {
		maxDelay, parseErr := time.ParseDuration(policy.MaxDelay)
		if parseErr == nil && delay > maxDelay {
			delay = maxDelay
		}
	}

	return delay
}

// WaitForBackoff sleeps for the computed delay or returns early if the
// context is cancelled during the wait.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
