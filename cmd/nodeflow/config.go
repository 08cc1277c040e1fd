package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/veralt/nodeflow/internal/sandbox"
)

// Config holds host configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath          string        `json:"db_path"`
	LogLevel        string        `json:"log_level"`
	PoolSize        int           `json:"pool_size"`
	ForkParallelism int           `json:"fork_parallelism"`
	MaxSteps        int           `json:"max_steps"`
	Sandbox         SandboxConfig `json:"sandbox"`
}

// SandboxConfig exposes the script sandbox limits. Zero fields keep the
// built-in defaults.
type SandboxConfig struct {
	MaxMemoryBytes int64 `json:"max_memory_bytes"`
	MaxStackDepth  int   `json:"max_stack_depth"`
	MaxDurationMs  int64 `json:"max_duration_ms"`
	MaxStatements  int   `json:"max_statements"`
}

func (c SandboxConfig) limits() sandbox.Limits {
	return sandbox.Limits{
		MaxMemoryBytes: c.MaxMemoryBytes,
		MaxStackDepth:  c.MaxStackDepth,
		MaxDuration:    time.Duration(c.MaxDurationMs) * time.Millisecond,
		MaxStatements:  c.MaxStatements,
	}
}

func defaultConfig() Config {
	return Config{
		DBPath:   filepath.Join(nodeflowDir(), "nodeflow.db"),
		LogLevel: "info",
		PoolSize: 10,
	}
}

func nodeflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".nodeflow"
	}
	return filepath.Join(home, ".nodeflow")
}

func settingsPath() string {
	return filepath.Join(nodeflowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("NODEFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("NODEFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("NODEFLOW_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("NODEFLOW_FORK_PARALLELISM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ForkParallelism = n
		}
	}
	if v := os.Getenv("NODEFLOW_MAX_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxSteps = n
		}
	}
	if v := os.Getenv("NODEFLOW_SANDBOX_MAX_MEMORY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Sandbox.MaxMemoryBytes = n
		}
	}
	if v := os.Getenv("NODEFLOW_SANDBOX_MAX_DURATION_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Sandbox.MaxDurationMs = n
		}
	}

	return cfg
}
