package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"booking/internal/domain/gdpr"
	"booking/internal/platform/lock"
	"booking/internal/platform/metrics"
	"booking/internal/platform/querier"
)

const (
	JobRetentionSweep = "retention_sweep"
	JobDueDeletions   = "due_deletions"

	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"

	// lockMargin is added on top of a runner's worst-case sweep duration.
	lockMargin = 15 * time.Minute
)

// Runner is the part of the lifecycle engine the scheduler triggers.
type Runner interface {
	RunSweep(ctx context.Context) gdpr.SweepReport
	RunDueDeletions(ctx context.Context) (gdpr.DueDeletionReport, error)
}

// sweepBudgeter is implemented by runners that can bound a sweep's duration.
type sweepBudgeter interface {
	SweepBudget() time.Duration
}

type Config struct {
	RetentionSchedule   string
	DueDeletionSchedule string

	// LockTTL bounds how long a crashed replica can hold a job lock. The
	// sweep lock is extended to the runner's SweepBudget when that is longer.
	LockTTL time.Duration
}

// Service runs the periodic lifecycle jobs. Each job takes a named lock so
// that only one replica runs it at a time, and each run is recorded in
// job_runs.
type Service struct {
	DB      querier.Querier
	runner  Runner
	locker  lock.Locker
	metrics *metrics.Collector
	cfg     Config

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
	logger  *slog.Logger
}

func New(db querier.Querier, runner Runner, locker lock.Locker, m *metrics.Collector, cfg Config) *Service {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Hour
	}
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	return &Service{
		DB:      db,
		runner:  runner,
		locker:  locker,
		metrics: m,
		cfg:     cfg,
		cron:    cron.New(),
		logger:  slog.Default().With("component", "jobs.scheduler"),
	}
}

// Start registers the configured schedules and starts the cron loop. An
// empty schedule disables that job. The scheduler stops when ctx is done.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedules := []struct {
		job  string
		spec string
	}{
		{JobRetentionSweep, s.cfg.RetentionSchedule},
		{JobDueDeletions, s.cfg.DueDeletionSchedule},
	}
	registered := 0
	for _, sc := range schedules {
		if sc.spec == "" {
			s.logger.Info("schedule not configured, skipping", "job", sc.job)
			continue
		}
		if _, err := cron.ParseStandard(sc.spec); err != nil {
			return fmt.Errorf("invalid cron schedule %q for %s: %w", sc.spec, sc.job, err)
		}
		job := sc.job
		if _, err := s.cron.AddFunc(sc.spec, func() {
			if _, err := s.RunNow(ctx, job); err != nil && !errors.Is(err, lock.ErrNotAcquired) {
				s.logger.Error("scheduled job failed", "job", job, "error", err)
			}
		}); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", job, err)
		}
		registered++
	}
	if registered == 0 {
		return nil
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("lifecycle scheduler started",
		"retention_schedule", s.cfg.RetentionSchedule,
		"due_deletion_schedule", s.cfg.DueDeletionSchedule,
	)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil && s.running {
		done := s.cron.Stop()
		<-done.Done()
		s.running = false
		s.logger.Info("lifecycle scheduler stopped")
	}
}

func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled time of any job, or nil when nothing
// is scheduled.
func (s *Service) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *time.Time
	for _, entry := range s.cron.Entries() {
		if entry.Next.IsZero() {
			continue
		}
		if next == nil || entry.Next.Before(*next) {
			t := entry.Next
			next = &t
		}
	}
	return next
}

// RunNow executes a job immediately under its lock. It returns
// lock.ErrNotAcquired when another run holds the lock.
func (s *Service) RunNow(ctx context.Context, jobType string) (any, error) {
	run, err := s.jobFunc(jobType)
	if err != nil {
		return nil, err
	}

	release, err := s.locker.Acquire(ctx, jobType, s.lockTTL(jobType))
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			s.logger.Info("job already running elsewhere, skipping", "job", jobType)
			s.metrics.JobRun(jobType, StatusSkipped)
		}
		return nil, err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("job lock release failed", "job", jobType, "err", err)
		}
	}()

	return s.runJob(ctx, jobType, run)
}

// lockTTL keeps the sweep lock alive for the longest the sweep can take, so
// a slow run is never overtaken by another replica.
func (s *Service) lockTTL(jobType string) time.Duration {
	ttl := s.cfg.LockTTL
	if jobType != JobRetentionSweep {
		return ttl
	}
	if b, ok := s.runner.(sweepBudgeter); ok {
		ttl = max(ttl, b.SweepBudget()+lockMargin)
	}
	return ttl
}

func (s *Service) jobFunc(jobType string) (func(context.Context) (any, error), error) {
	switch jobType {
	case JobRetentionSweep:
		return func(ctx context.Context) (any, error) {
			report := s.runner.RunSweep(ctx)
			if report.ErrorCount > 0 {
				return report, fmt.Errorf("%d of %d retention policies failed", report.ErrorCount, report.PoliciesExecuted)
			}
			return report, nil
		}, nil
	case JobDueDeletions:
		return func(ctx context.Context) (any, error) {
			report, err := s.runner.RunDueDeletions(ctx)
			if err == nil && report.Failed > 0 {
				err = fmt.Errorf("%d of %d due deletions failed", report.Failed, report.Selected)
			}
			return report, err
		}, nil
	default:
		return nil, fmt.Errorf("unknown job %q", jobType)
	}
}

func (s *Service) runJob(ctx context.Context, jobType string, run func(context.Context) (any, error)) (any, error) {
	runID := s.startRun(ctx, jobType)

	details, err := run(ctx)
	status := StatusCompleted
	if err != nil {
		status = StatusFailed
	}
	s.metrics.JobRun(jobType, status)
	s.finishRun(context.WithoutCancel(ctx), runID, status, details)
	return details, err
}

func (s *Service) startRun(ctx context.Context, jobType string) string {
	if s.DB == nil {
		return ""
	}
	runID := ""
	if err := s.DB.QueryRow(ctx, `
    INSERT INTO job_runs (job_type, status)
    VALUES ($1,$2)
    RETURNING id
  `, jobType, StatusRunning).Scan(&runID); err != nil {
		slog.Warn("job run insert failed", "job", jobType, "err", err)
	}
	return runID
}

func (s *Service) finishRun(ctx context.Context, runID, status string, details any) {
	if s.DB == nil || runID == "" {
		return
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		slog.Warn("job details marshal failed", "err", err)
		detailsJSON = []byte("{}")
	}
	if _, err := s.DB.Exec(ctx, `
    UPDATE job_runs
    SET status = $1, details_json = $2, completed_at = now()
    WHERE id = $3
  `, status, detailsJSON, runID); err != nil {
		slog.Warn("job run update failed", "err", err)
	}
}
