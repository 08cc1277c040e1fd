package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/veralt/nodeflow/internal/sandbox"
)

func TestSandboxConfigLimits(t *testing.T) {
	cfg := SandboxConfig{
		MaxMemoryBytes: 2 * 1024 * 1024,
		MaxStackDepth:  64,
		MaxDurationMs:  1500,
		MaxStatements:  200,
	}

	limits := cfg.limits()
	assert.Equal(t, sandbox.Limits{
		MaxMemoryBytes: 2 * 1024 * 1024,
		MaxStackDepth:  64,
		MaxDuration:    1500 * time.Millisecond,
		MaxStatements:  200,
	}, limits)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("NODEFLOW_DB_PATH", "/tmp/nf-test.db")
	t.Setenv("NODEFLOW_POOL_SIZE", "3")
	t.Setenv("NODEFLOW_SANDBOX_MAX_MEMORY_BYTES", "1048576")
	t.Setenv("NODEFLOW_SANDBOX_MAX_DURATION_MS", "250")

	cfg := loadConfig()
	assert.Equal(t, "/tmp/nf-test.db", cfg.DBPath)
	assert.Equal(t, 3, cfg.PoolSize)
	assert.Equal(t, int64(1048576), cfg.Sandbox.MaxMemoryBytes)
	assert.Equal(t, int64(250), cfg.Sandbox.MaxDurationMs)
}
