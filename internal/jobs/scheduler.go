package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"visitstats/internal/aggregates"
	"visitstats/internal/hotstore"
	"visitstats/internal/pkg/telemetry"
	"visitstats/internal/timeframe"
)

// Job names, used in logs, metrics and the in-flight guards.
const (
	HourlyJobName  = "hourly_reconcile"
	DailyJobName   = "daily_reconcile"
	CleanupJobName = "hot_cleanup"
)

// ErrJobAlreadyRunning is returned when a job is triggered while its previous
// run has not finished.
var ErrJobAlreadyRunning = errors.New("jobs: previous run still in progress")

// Options configures the scheduler.
type Options struct {
	Enabled       bool
	HourlyCron    string
	DailyCron     string
	CleanupCron   string
	RetentionDays int
	// JobTimeout bounds a single job run.
	JobTimeout time.Duration
}

// Scheduler is responsible for running background jobs
type Scheduler struct {
	cron      *cron.Cron
	calendar  *timeframe.Calendar
	logger    *slog.Logger
	enabled   bool
	isRunning bool
	mu        sync.Mutex
	timeout   time.Duration
	metrics   telemetry.Metrics

	// One guard per job: the same job never runs twice at once, but
	// different jobs may overlap.
	guards  map[string]*atomic.Bool
	entries map[string]cron.EntryID

	// Job instances
	reconcileJob *ReconcileJob
	cleanupJob   *CleanupJob
}

func NewScheduler(hot *hotstore.Store, repo *aggregates.Repository, calendar *timeframe.Calendar, logger *slog.Logger, opts Options) (*Scheduler, error) {
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 5 * time.Minute
	}

	s := &Scheduler{
		cron:     cron.New(cron.WithLocation(calendar.Location())),
		calendar: calendar,
		logger:   logger,
		enabled:  opts.Enabled,
		timeout:  opts.JobTimeout,
		metrics:  telemetry.Get(),
		guards: map[string]*atomic.Bool{
			HourlyJobName:  new(atomic.Bool),
			DailyJobName:   new(atomic.Bool),
			CleanupJobName: new(atomic.Bool),
		},
		entries: make(map[string]cron.EntryID),
	}

	// Initialize job instances
	s.reconcileJob = NewReconcileJob(hot, repo, logger)
	s.cleanupJob = NewCleanupJob(hot, calendar, opts.RetentionDays, logger)

	entries := []struct {
		name     string
		schedule string
		run      func() error
	}{
		{HourlyJobName, opts.HourlyCron, s.RunHourly},
		{DailyJobName, opts.DailyCron, s.RunDaily},
		{CleanupJobName, opts.CleanupCron, s.RunCleanup},
	}
	for _, e := range entries {
		run := e.run
		id, err := s.cron.AddFunc(e.schedule, func() { run() })
		if err != nil {
			return nil, fmt.Errorf("invalid schedule %q for %s: %w", e.schedule, e.name, err)
		}
		s.entries[e.name] = id
		logger.Debug("Registered job", slog.String("job", e.name), slog.String("schedule", e.schedule))
	}

	return s, nil
}

// executeJobSafely runs a job unless a previous run of the same job is still
// executing. Panics are recovered and reported as errors.
func (s *Scheduler) executeJobSafely(jobName string, jobFunc func(ctx context.Context) error) (err error) {
	guard := s.guards[jobName]
	if !guard.CompareAndSwap(false, true) {
		s.logger.Debug("Skipping job execution - previous run still in progress", slog.String("job", jobName))
		s.metrics.JobRun(context.Background(), jobName, "skipped")
		return ErrJobAlreadyRunning
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic recovered in background job",
				slog.String("job", jobName),
				slog.Any("panic", r))
			err = fmt.Errorf("job %s panicked: %v", jobName, r)
		}

		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		s.metrics.JobRun(ctx, jobName, outcome)

		cancel()
		guard.Store(false)
	}()

	if err = jobFunc(ctx); err != nil {
		s.logger.Error("Error executing job", slog.String("job", jobName), slog.Any("error", err))
	}
	return err
}

// RunHourly reconciles today.
func (s *Scheduler) RunHourly() error {
	return s.executeJobSafely(HourlyJobName, func(ctx context.Context) error {
		_, err := s.reconcileJob.Run(ctx, s.calendar.Today())
		return err
	})
}

// RunDaily finalizes yesterday.
func (s *Scheduler) RunDaily() error {
	return s.executeJobSafely(DailyJobName, func(ctx context.Context) error {
		_, err := s.reconcileJob.Run(ctx, s.calendar.Yesterday())
		return err
	})
}

// RunCleanup purges hot-tier keys past retention.
func (s *Scheduler) RunCleanup() error {
	return s.executeJobSafely(CleanupJobName, func(ctx context.Context) error {
		_, err := s.cleanupJob.Run(ctx)
		return err
	})
}

// SyncDate reconciles an arbitrary day on demand.
func (s *Scheduler) SyncDate(ctx context.Context, day timeframe.Day) (ReconcileResult, error) {
	s.logger.Info("Manual statistics sync", slog.String("date", day.String()))
	return s.reconcileJob.Run(ctx, day)
}

// Cleanup runs the retention cleanup on demand and returns its summary.
func (s *Scheduler) Cleanup(ctx context.Context) (CleanupResult, error) {
	return s.cleanupJob.Run(ctx)
}

// Start begins all background jobs
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled {
		s.logger.Info("Background jobs are disabled.")
		return nil
	}

	if s.isRunning {
		s.logger.Info("Background jobs already running.")
		return nil
	}

	s.logger.Info("Starting background jobs...",
		slog.String("timezone", s.calendar.Location().String()))
	s.cron.Start()
	s.isRunning = true

	s.logger.Info("Background jobs started", slog.Int("entries", len(s.cron.Entries())))
	return nil
}

// Stop halts all background jobs and waits briefly for running ones.
// Implements cartridge.BackgroundWorker interface.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return
	}

	s.logger.Info("Stopping background jobs...")
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(s.timeout):
		s.logger.Warn("Timed out waiting for running jobs to finish")
	}

	s.isRunning = false
	s.logger.Info("Background jobs stopped")
}

// IsRunning returns whether jobs are currently running
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// NextRuns returns the next activation time of each job. Times are zero
// until the scheduler is started.
func (s *Scheduler) NextRuns() map[string]time.Time {
	next := make(map[string]time.Time, len(s.entries))
	for name, id := range s.entries {
		next[name] = s.cron.Entry(id).Next
	}
	return next
}
