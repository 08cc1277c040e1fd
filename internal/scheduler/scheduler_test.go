package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veralt/nodeflow/internal/engine"
	"github.com/veralt/nodeflow/internal/store"
)

type mockLauncher struct {
	mu     sync.Mutex
	calls  []string
	err    error
	status store.RunStatus
	block  chan struct{} // when set, RunStored waits on it
}

func (m *mockLauncher) RunStored(_ context.Context, definitionID string, _ map[string]any) (*engine.Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, definitionID)
	block := m.block
	m.mu.Unlock()

	if block != nil {
		<-block
	}
	if m.err != nil {
		return nil, m.err
	}
	status := m.status
	if status == "" {
		status = store.RunStatusCompleted
	}
	return &engine.Result{Status: status}, nil
}

func (m *mockLauncher) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func newTestScheduler(t *testing.T, launcher RunLauncher) (*Scheduler, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	return NewScheduler(s, launcher, nil), s
}

func addJob(t *testing.T, s *store.MemoryStore, job *store.ScheduledJob) {
	t.Helper()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	require.NoError(t, s.CreateScheduledJob(context.Background(), job))
}

func TestCalculateNextRun(t *testing.T) {
	sched, _ := newTestScheduler(t, &mockLauncher{})

	from := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	next, err := sched.CalculateNextRun("*/5 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, from.Add(5*time.Minute), next)

	next, err = sched.CalculateNextRun("0 0 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), next)

	_, err = sched.CalculateNextRun("not a cron", from)
	require.Error(t, err)
}

func TestTick_RunsNeverRunJobsImmediately(t *testing.T) {
	launcher := &mockLauncher{}
	sched, s := newTestScheduler(t, launcher)

	addJob(t, s, &store.ScheduledJob{ID: "j1", DefinitionID: "wf-1", CronExpr: "0 0 * * *", Enabled: true})

	sched.Tick(context.Background())
	assert.Equal(t, 1, launcher.callCount())

	jobs, err := s.ListScheduledJobs(context.Background(), false)
	require.NoError(t, err)
	require.NotNil(t, jobs[0].LastRunAt)
	assert.Empty(t, jobs[0].LastError)
}

func TestTick_SkipsNotDueJobs(t *testing.T) {
	launcher := &mockLauncher{}
	sched, s := newTestScheduler(t, launcher)

	recent := time.Now().UTC().Add(-time.Minute)
	addJob(t, s, &store.ScheduledJob{
		ID: "j1", DefinitionID: "wf-1", CronExpr: "0 0 * * *",
		Enabled: true, LastRunAt: &recent,
	})

	sched.Tick(context.Background())
	assert.Zero(t, launcher.callCount())
}

func TestTick_RunsOverdueJobs(t *testing.T) {
	launcher := &mockLauncher{}
	sched, s := newTestScheduler(t, launcher)

	old := time.Now().UTC().Add(-48 * time.Hour)
	addJob(t, s, &store.ScheduledJob{
		ID: "j1", DefinitionID: "wf-1", CronExpr: "0 0 * * *",
		Enabled: true, LastRunAt: &old,
	})

	sched.Tick(context.Background())
	assert.Equal(t, 1, launcher.callCount())
}

func TestTick_SkipsDisabledJobs(t *testing.T) {
	launcher := &mockLauncher{}
	sched, s := newTestScheduler(t, launcher)

	addJob(t, s, &store.ScheduledJob{ID: "j1", DefinitionID: "wf-1", CronExpr: "* * * * *", Enabled: false})

	sched.Tick(context.Background())
	assert.Zero(t, launcher.callCount())
}

func TestTick_RecordsLaunchFailure(t *testing.T) {
	launcher := &mockLauncher{err: errors.New("definition missing")}
	sched, s := newTestScheduler(t, launcher)

	addJob(t, s, &store.ScheduledJob{ID: "j1", DefinitionID: "wf-1", CronExpr: "* * * * *", Enabled: true})

	sched.Tick(context.Background())

	jobs, err := s.ListScheduledJobs(context.Background(), false)
	require.NoError(t, err)
	assert.Contains(t, jobs[0].LastError, "definition missing")
}

func TestTick_RecordsFailedRunStatus(t *testing.T) {
	launcher := &mockLauncher{status: store.RunStatusFailed}
	sched, s := newTestScheduler(t, launcher)

	addJob(t, s, &store.ScheduledJob{ID: "j1", DefinitionID: "wf-1", CronExpr: "* * * * *", Enabled: true})

	sched.Tick(context.Background())

	jobs, err := s.ListScheduledJobs(context.Background(), false)
	require.NoError(t, err)
	require.NotNil(t, jobs[0].LastRunAt)
}

func TestTick_BadCronExpressionIsSkipped(t *testing.T) {
	launcher := &mockLauncher{}
	sched, s := newTestScheduler(t, launcher)

	last := time.Now().UTC().Add(-time.Hour)
	addJob(t, s, &store.ScheduledJob{
		ID: "bad", DefinitionID: "wf-1", CronExpr: "nonsense",
		Enabled: true, LastRunAt: &last,
	})
	addJob(t, s, &store.ScheduledJob{ID: "good", DefinitionID: "wf-2", CronExpr: "* * * * *", Enabled: true})

	sched.Tick(context.Background())
	assert.Equal(t, 1, launcher.callCount())
}

func TestInflightDedup(t *testing.T) {
	launcher := &mockLauncher{block: make(chan struct{})}
	sched, s := newTestScheduler(t, launcher)

	addJob(t, s, &store.ScheduledJob{ID: "j1", DefinitionID: "wf-1", CronExpr: "* * * * *", Enabled: true})

	go sched.Tick(context.Background())
	require.Eventually(t, func() bool { return launcher.callCount() == 1 },
		time.Second, 5*time.Millisecond)

	// Second tick while the first run is still in flight must not double-run.
	sched.Tick(context.Background())
	assert.Equal(t, 1, launcher.callCount())

	close(launcher.block)
}

func TestStartStop(t *testing.T) {
	launcher := &mockLauncher{}
	sched, s := newTestScheduler(t, launcher)

	addJob(t, s, &store.ScheduledJob{ID: "j1", DefinitionID: "wf-1", CronExpr: "* * * * *", Enabled: true})

	require.NoError(t, sched.Start(context.Background()))
	require.Error(t, sched.Start(context.Background()))

	// The initial tick runs immediately on start.
	require.Eventually(t, func() bool { return launcher.callCount() == 1 },
		time.Second, 5*time.Millisecond)

	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop())
}
