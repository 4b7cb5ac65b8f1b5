// Package recorder is the write path for page views. Every call counts the
// view in the hot tier and mirrors it into durable storage; failures are
// logged and absorbed so tracking never breaks the request it instruments.
package recorder

import (
	"context"
	"log/slog"
	"time"

	"visitstats/internal/aggregates"
	"visitstats/internal/estimator"
	"visitstats/internal/hotstore"
	"visitstats/internal/pkg/telemetry"
	"visitstats/internal/timeframe"
	"visitstats/internal/visitors"
)

// Options tunes the recorder.
type Options struct {
	FingerprintSalt string
	// MirrorDebounce delays the durable visitor mirror so bursts share one write.
	MirrorDebounce time.Duration
	// StoreTimeout bounds each cache and database call.
	StoreTimeout time.Duration
}

// Recorder records page views.
type Recorder struct {
	hot      *hotstore.Store
	repo     *aggregates.Repository
	calendar *timeframe.Calendar
	logger   *slog.Logger
	opts     Options
	metrics  telemetry.Metrics
	mirrors  *mirrorRegistry
}

// New creates a recorder.
func New(hot *hotstore.Store, repo *aggregates.Repository, calendar *timeframe.Calendar, logger *slog.Logger, opts Options) *Recorder {
	if opts.MirrorDebounce <= 0 {
		opts.MirrorDebounce = 5 * time.Second
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 800 * time.Millisecond
	}

	r := &Recorder{
		hot:      hot,
		repo:     repo,
		calendar: calendar,
		logger:   logger,
		opts:     opts,
		metrics:  telemetry.Get(),
	}
	r.mirrors = newMirrorRegistry(hot.Precision(), opts.MirrorDebounce, opts.StoreTimeout, r.mirrorVisitors, logger)
	return r
}

// RecordPageView counts one page view for today. It never fails; degraded
// writes are logged.
func (r *Recorder) RecordPageView(ctx context.Context, clientIP, userAgent string) {
	// Writes finish even if the caller's request is cancelled.
	ctx = context.WithoutCancel(ctx)

	day := r.calendar.Today()
	fingerprint := visitors.Fingerprint(clientIP, userAgent, r.opts.FingerprintSalt)

	cacheCtx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	if _, err := r.hot.IncrementPV(cacheCtx, day); err != nil {
		r.degraded(ctx, "cache", "increment_pv", day, err)
	}
	if err := r.hot.AddVisitor(cacheCtx, day, fingerprint); err != nil {
		r.degraded(ctx, "cache", "add_visitor", day, err)
	}
	cancel()

	dbCtx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	if err := r.repo.IncrementMirroredPageViews(dbCtx, day, 1); err != nil {
		r.degraded(ctx, "database", "mirror_pv", day, err)
	}
	cancel()

	r.mirrors.add(day, fingerprint)
	r.metrics.PageViewsRecorded.Add(ctx, 1)

	r.logger.Debug("Recorded page view", slog.String("date", day.String()))
}

func (r *Recorder) degraded(ctx context.Context, tier, op string, day timeframe.Day, err error) {
	r.metrics.Degraded(ctx, tier, op)
	r.logger.Warn("Visit write degraded",
		slog.String("tier", tier),
		slog.String("op", op),
		slog.String("date", day.String()),
		slog.Any("error", err))
}

func (r *Recorder) mirrorVisitors(ctx context.Context, day timeframe.Day, pending *estimator.Estimator) error {
	_, err := r.repo.MergeEstimator(ctx, day, pending)
	if err != nil {
		r.metrics.Degraded(ctx, "database", "mirror_uv")
	}
	return err
}

// Flush writes all buffered visitor fingerprints to durable storage now.
func (r *Recorder) Flush(ctx context.Context) error {
	return r.mirrors.flushAll(ctx)
}

// PendingDays reports how many days have fingerprints waiting to be mirrored.
func (r *Recorder) PendingDays() int {
	return r.mirrors.pendingDays()
}

// Start implements cartridge.BackgroundWorker. The recorder has no loop of
// its own; it exists as a worker so shutdown drains the mirror.
func (r *Recorder) Start() error {
	return nil
}

// Stop stops arming new mirror timers and flushes what is buffered.
// Implements cartridge.BackgroundWorker interface.
func (r *Recorder) Stop() {
	r.mirrors.close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Flush(ctx); err != nil {
		r.logger.Error("Failed to flush visitor mirror on shutdown", slog.Any("error", err))
		return
	}
	r.logger.Info("Visitor mirror flushed")
}
