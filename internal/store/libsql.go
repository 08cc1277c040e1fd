package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/veralt/nodeflow/pkg/schema"
)

// LibSQLStore implements RunStore on libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path. The path should
// be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Definitions ---

func (s *LibSQLStore) SaveDefinition(ctx context.Context, def *schema.WorkflowDefinition) error {
	if def == nil || def.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "definition id is empty")
	}
	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO definitions (id, name, definition, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			definition = excluded.definition,
			updated_at = CURRENT_TIMESTAMP`,
		def.ID, def.Name, string(raw))
	if err != nil {
		return storeErr("save definition", err)
	}
	return nil
}

func (s *LibSQLStore) GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT definition FROM definitions WHERE id = ?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "definition %q not found", id)
	}
	if err != nil {
		return nil, storeErr("get definition", err)
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		return nil, fmt.Errorf("unmarshal definition %q: %w", id, err)
	}
	return &def, nil
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context) ([]*schema.WorkflowDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT definition FROM definitions ORDER BY id`)
	if err != nil {
		return nil, storeErr("list definitions", err)
	}
	defer rows.Close()

	var out []*schema.WorkflowDefinition
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, storeErr("scan definition", err)
		}
		var def schema.WorkflowDefinition
		if err := json.Unmarshal([]byte(raw), &def); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		out = append(out, &def)
	}
	return out, rows.Err()
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	if run == nil || run.InstanceID == "" {
		return schema.NewError(schema.ErrCodeValidation, "run instance id is empty")
	}
	params, err := nullableJSONMap(run.Params)
	if err != nil {
		return fmt.Errorf("marshal run params: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (instance_id, definition_id, status, params, output, error,
			created_at, started_at, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.InstanceID, run.DefinitionID, string(run.Status), params,
		nullableRaw(run.Output), run.Error,
		run.CreatedAt, run.StartedAt, run.CompletedAt, run.UpdatedAt)
	if err != nil {
		return storeErr("create run", err)
	}
	return nil
}

func (s *LibSQLStore) GetRun(ctx context.Context, instanceID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT instance_id, definition_id, status, params, output, error,
			created_at, started_at, completed_at, updated_at
		FROM runs WHERE instance_id = ?`, instanceID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", instanceID)
	}
	if err != nil {
		return nil, storeErr("get run", err)
	}
	return run, nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, instanceID string, update RunUpdate) error {
	set := make([]string, 0, 5)
	args := make([]any, 0, 6)
	if update.Status != nil {
		set = append(set, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Output != nil {
		set = append(set, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		set = append(set, "error = ?")
		args = append(args, *update.Error)
	}
	if update.StartedAt != nil {
		set = append(set, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		set = append(set, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(set) == 0 {
		return nil
	}
	set = append(set, "updated_at = ?")
	args = append(args, time.Now().UTC(), instanceID)

	query := "UPDATE runs SET " + strings.Join(set, ", ") + " WHERE instance_id = ?"
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storeErr("update run", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", instanceID)
	}
	return nil
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	query := `SELECT instance_id, definition_id, status, params, output, error,
		created_at, started_at, completed_at, updated_at FROM runs`
	var where []string
	var args []any
	if filter.DefinitionID != "" {
		where = append(where, "definition_id = ?")
		args = append(args, filter.DefinitionID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list runs", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, storeErr("scan run", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// --- Node records ---

func (s *LibSQLStore) UpsertNodeRecord(ctx context.Context, rec *NodeRecord) error {
	if rec == nil || rec.InstanceID == "" || rec.NodeKey == "" {
		return schema.NewError(schema.ErrCodeValidation, "node record is incomplete")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO node_records (instance_id, node_key, state, input, output, error,
			retry_count, duration_ms, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (instance_id, node_key) DO UPDATE SET
			state = excluded.state,
			input = excluded.input,
			output = excluded.output,
			error = excluded.error,
			retry_count = excluded.retry_count,
			duration_ms = excluded.duration_ms,
			updated_at = excluded.updated_at`,
		rec.InstanceID, rec.NodeKey, string(rec.State),
		nullableRaw(rec.Input), nullableRaw(rec.Output), rec.Error,
		rec.RetryCount, rec.DurationMs, time.Now().UTC())
	if err != nil {
		return storeErr("upsert node record", err)
	}
	return nil
}

func (s *LibSQLStore) ListNodeRecords(ctx context.Context, instanceID string) ([]*NodeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, node_key, state, input, output, error, retry_count, duration_ms, updated_at
		FROM node_records WHERE instance_id = ? ORDER BY node_key`, instanceID)
	if err != nil {
		return nil, storeErr("list node records", err)
	}
	defer rows.Close()

	var out []*NodeRecord
	for rows.Next() {
		var rec NodeRecord
		var state string
		var input, output sql.NullString
		if err := rows.Scan(&rec.InstanceID, &rec.NodeKey, &state, &input, &output,
			&rec.Error, &rec.RetryCount, &rec.DurationMs, &rec.UpdatedAt); err != nil {
			return nil, storeErr("scan node record", err)
		}
		rec.State = schema.NodeState(state)
		if input.Valid {
			rec.Input = json.RawMessage(input.String)
		}
		if output.Valid {
			rec.Output = json.RawMessage(output.String)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteNodeRecord(ctx context.Context, instanceID, nodeKey string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM node_records WHERE instance_id = ? AND node_key = ?`, instanceID, nodeKey)
	if err != nil {
		return storeErr("delete node record", err)
	}
	return nil
}

// --- Plugin usage ---

func (s *LibSQLStore) IncrementPluginUsage(ctx context.Context, pluginKey string) error {
	if pluginKey == "" {
		return schema.NewError(schema.ErrCodeValidation, "plugin key is empty")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plugin_usage (plugin_key, executions) VALUES (?, 1)
		ON CONFLICT (plugin_key) DO UPDATE SET executions = executions + 1`, pluginKey)
	if err != nil {
		return storeErr("increment plugin usage", err)
	}
	return nil
}

func (s *LibSQLStore) GetPluginUsage(ctx context.Context, pluginKey string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(executions, 0) FROM plugin_usage WHERE plugin_key = ?`, pluginKey).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, storeErr("get plugin usage", err)
	}
	return n, nil
}

// --- Scheduled jobs ---

func (s *LibSQLStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	if job == nil || job.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "job id is empty")
	}
	params, err := nullableJSONMap(job.Params)
	if err != nil {
		return fmt.Errorf("marshal job params: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduled_jobs (id, definition_id, cron_expr, params, enabled, last_run_at, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.DefinitionID, job.CronExpr, params,
		boolToInt(job.Enabled), job.LastRunAt, job.LastError, job.CreatedAt)
	if err != nil {
		return storeErr("create scheduled job", err)
	}
	return nil
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, onlyEnabled bool) ([]*ScheduledJob, error) {
	query := `SELECT id, definition_id, cron_expr, params, enabled, last_run_at, last_error, created_at
		FROM scheduled_jobs`
	if onlyEnabled {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, storeErr("list scheduled jobs", err)
	}
	defer rows.Close()

	var out []*ScheduledJob
	for rows.Next() {
		var job ScheduledJob
		var params sql.NullString
		var enabled int
		var lastRun sql.NullTime
		if err := rows.Scan(&job.ID, &job.DefinitionID, &job.CronExpr, &params,
			&enabled, &lastRun, &job.LastError, &job.CreatedAt); err != nil {
			return nil, storeErr("scan scheduled job", err)
		}
		job.Enabled = enabled != 0
		if lastRun.Valid {
			t := lastRun.Time
			job.LastRunAt = &t
		}
		if params.Valid && params.String != "" {
			if err := json.Unmarshal([]byte(params.String), &job.Params); err != nil {
				return nil, fmt.Errorf("unmarshal job params: %w", err)
			}
		}
		out = append(out, &job)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) UpdateJobRun(ctx context.Context, id string, at time.Time, runErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET last_run_at = ?, last_error = ? WHERE id = ?`, at, runErr, id)
	if err != nil {
		return storeErr("update job run", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "job %q not found", id)
	}
	return nil
}

func (s *LibSQLStore) DeleteScheduledJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete scheduled job", err)
	}
	return nil
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var status string
	var params, output sql.NullString
	var started, completed sql.NullTime
	if err := row.Scan(&run.InstanceID, &run.DefinitionID, &status, &params, &output,
		&run.Error, &run.CreatedAt, &started, &completed, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.Status = RunStatus(status)
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &run.Params); err != nil {
			return nil, fmt.Errorf("unmarshal run params: %w", err)
		}
	}
	if output.Valid {
		run.Output = json.RawMessage(output.String)
	}
	if started.Valid {
		t := started.Time
		run.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		run.CompletedAt = &t
	}
	return &run, nil
}

func nullableJSONMap(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func nullableRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func storeErr(op string, err error) error {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %v", op, err).WithCause(err)
}
