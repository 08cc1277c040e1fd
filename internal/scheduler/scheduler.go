package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/veralt/nodeflow/internal/engine"
	"github.com/veralt/nodeflow/internal/store"
)

// RunLauncher is the interface the scheduler uses to start workflow runs.
// Satisfied by engine.Runner.
type RunLauncher interface {
	RunStored(ctx context.Context, definitionID string, params map[string]any) (*engine.Result, error)
}

// Scheduler polls the store for due cron jobs and launches the referenced
// workflow definitions.
type Scheduler struct {
	store  store.RunStore
	runner RunLauncher
	parser cron.Parser
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs currently executing (dedup)
}

// NewScheduler creates a Scheduler over the given store and runner.
func NewScheduler(s store.RunStore, runner RunLauncher, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick checks all enabled jobs and runs those that are due.
func (s *Scheduler) Tick(ctx context.Context) {
	jobs, err := s.store.ListScheduledJobs(ctx, true)
	if err != nil {
		s.logger.Error("failed to list scheduled jobs", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, job := range jobs {
		due, err := s.isDue(job, now)
		if err != nil {
			s.logger.Error("bad cron expression",
				slog.String("job_id", job.ID),
				slog.String("cron", job.CronExpr),
				slog.String("error", err.Error()))
			continue
		}
		if !due {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue // already running (dedup)
		}
		if err := s.runJob(ctx, job, now); err != nil {
			s.logger.Error("failed to run scheduled job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()))
		}
		s.releaseJob(job.ID)
	}
}

// isDue reports whether the job should run now. A job that has never run is
// due immediately; otherwise the cron schedule projects the next run from
// the last one.
func (s *Scheduler) isDue(job *store.ScheduledJob, now time.Time) (bool, error) {
	if job.LastRunAt == nil {
		return true, nil
	}
	next, err := s.CalculateNextRun(job.CronExpr, *job.LastRunAt)
	if err != nil {
		return false, err
	}
	return !next.After(now), nil
}

// runJob launches a scheduled job and records the outcome on the job row.
func (s *Scheduler) runJob(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	s.logger.Info("running scheduled job",
		slog.String("job_id", job.ID),
		slog.String("definition_id", job.DefinitionID))

	result, err := s.runner.RunStored(ctx, job.DefinitionID, job.Params)
	runErr := ""
	switch {
	case err != nil:
		runErr = err.Error()
		s.logger.Error("scheduled job launch failed",
			slog.String("job_id", job.ID),
			slog.String("error", runErr))
	case result.Status != store.RunStatusCompleted:
		runErr = result.ErrorMessage
	}

	return s.store.UpdateJobRun(ctx, job.ID, now, runErr)
}

// tryAcquire marks the job as in-flight unless it already is.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

func (s *Scheduler) releaseJob(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
