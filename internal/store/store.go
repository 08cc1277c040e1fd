// Package store persists workflow definitions, run history, per-node
// execution records, plugin usage counters, and scheduled jobs.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/veralt/nodeflow/pkg/schema"
)

// RunStatus is the lifecycle state of one workflow run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Run is the persisted representation of one workflow instance.
type Run struct {
	InstanceID   string          `json:"instance_id"`
	DefinitionID string          `json:"definition_id"`
	Status       RunStatus       `json:"status"`
	Params       map[string]any  `json:"params,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// RunUpdate is a partial update applied to a run. Nil fields are untouched.
type RunUpdate struct {
	Status      *RunStatus
	Output      json.RawMessage
	Error       *string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	DefinitionID string
	Status       RunStatus
	Limit        int
}

// NodeRecord is the persisted snapshot of one node execution.
type NodeRecord struct {
	InstanceID string           `json:"instance_id"`
	NodeKey    string           `json:"node_key"`
	State      schema.NodeState `json:"state"`
	Input      json.RawMessage  `json:"input,omitempty"`
	Output     json.RawMessage  `json:"output,omitempty"`
	Error      string           `json:"error,omitempty"`
	RetryCount int              `json:"retry_count"`
	DurationMs int64            `json:"duration_ms,omitempty"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// ScheduledJob triggers a definition on a cron expression.
type ScheduledJob struct {
	ID           string         `json:"id"`
	DefinitionID string         `json:"definition_id"`
	CronExpr     string         `json:"cron_expr"`
	Params       map[string]any `json:"params,omitempty"`
	Enabled      bool           `json:"enabled"`
	LastRunAt    *time.Time     `json:"last_run_at,omitempty"`
	LastError    string         `json:"last_error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// RunStore is the persistence contract. All implementations must be safe for
// concurrent use.
type RunStore interface {
	// Definitions
	SaveDefinition(ctx context.Context, def *schema.WorkflowDefinition) error
	GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
	ListDefinitions(ctx context.Context) ([]*schema.WorkflowDefinition, error)

	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, instanceID string) (*Run, error)
	UpdateRun(ctx context.Context, instanceID string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// Node records
	UpsertNodeRecord(ctx context.Context, rec *NodeRecord) error
	ListNodeRecords(ctx context.Context, instanceID string) ([]*NodeRecord, error)
	DeleteNodeRecord(ctx context.Context, instanceID, nodeKey string) error

	// Plugin usage counters
	IncrementPluginUsage(ctx context.Context, pluginKey string) error
	GetPluginUsage(ctx context.Context, pluginKey string) (int64, error)

	// Scheduled jobs
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	ListScheduledJobs(ctx context.Context, onlyEnabled bool) ([]*ScheduledJob, error)
	UpdateJobRun(ctx context.Context, id string, at time.Time, runErr string) error
	DeleteScheduledJob(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}

// UsageCounter adapts a RunStore to the plugin runtime's usage-recorder
// contract.
type UsageCounter struct {
	store RunStore
}

// NewUsageCounter wraps a store.
func NewUsageCounter(s RunStore) *UsageCounter {
	return &UsageCounter{store: s}
}

// RecordUsage increments the plugin's execution counter.
func (c *UsageCounter) RecordUsage(ctx context.Context, pluginKey string) error {
	return c.store.IncrementPluginUsage(ctx, pluginKey)
}
