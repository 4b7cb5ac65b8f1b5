package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"visitstats/internal/hotstore"
	"visitstats/internal/pkg/telemetry"
	"visitstats/internal/timeframe"
)

const cleanupBatchSize = 500

// ClockSkewWarning reports a hot-tier key dated further in the future than
// any clock drift explains. Such keys are left alone.
type ClockSkewWarning struct {
	Key   string
	Date  timeframe.Day
	Today timeframe.Day
}

func (w *ClockSkewWarning) Error() string {
	return fmt.Sprintf("hot key %s is dated %s, after today %s", w.Key, w.Date, w.Today)
}

// CleanupResult summarizes one cleanup run.
type CleanupResult struct {
	Scanned     int
	Deleted     int64
	Unparseable int
	Warnings    []*ClockSkewWarning
}

// CleanupJob deletes hot-tier keys older than the retention window.
type CleanupJob struct {
	hot           *hotstore.Store
	calendar      *timeframe.Calendar
	retentionDays int
	logger        *slog.Logger
}

func NewCleanupJob(hot *hotstore.Store, calendar *timeframe.Calendar, retentionDays int, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		hot:           hot,
		calendar:      calendar,
		retentionDays: retentionDays,
		logger:        logger,
	}
}

// Run removes keys dated strictly before today minus the retention period.
// Keys that do not parse are logged and skipped.
func (j *CleanupJob) Run(ctx context.Context) (CleanupResult, error) {
	var result CleanupResult
	today := j.calendar.Today()
	cutoff := today.AddDays(-j.retentionDays)

	j.logger.Info("Starting cleanup of old hot-tier keys",
		slog.Int("retention_days", j.retentionDays),
		slog.String("cutoff_date", cutoff.String()))

	keys, err := j.hot.Keys(ctx)
	if err != nil {
		return result, fmt.Errorf("list hot keys: %w", err)
	}
	result.Scanned = len(keys)

	var stale []string
	for _, key := range keys {
		_, day, err := j.hot.ParseKey(key)
		if err != nil {
			result.Unparseable++
			j.logger.Warn("Skipping hot key with unreadable date", slog.String("key", key), slog.Any("error", err))
			continue
		}

		if day.After(today.AddDays(1)) {
			w := &ClockSkewWarning{Key: key, Date: day, Today: today}
			result.Warnings = append(result.Warnings, w)
			j.logger.Warn("Ignoring hot key dated in the future", slog.Any("warning", w))
			continue
		}

		if day.Before(cutoff) {
			stale = append(stale, key)
		}
	}

	for start := 0; start < len(stale); start += cleanupBatchSize {
		end := min(start+cleanupBatchSize, len(stale))
		deleted, err := j.hot.Delete(ctx, stale[start:end]...)
		if err != nil {
			j.logger.Error("Failed to delete old hot keys",
				slog.Any("error", err),
				slog.Int64("deleted_so_far", result.Deleted))
			return result, err
		}
		result.Deleted += deleted
		telemetry.Get().Purged(ctx, deleted)
	}

	j.logger.Info("Cleaned up old hot-tier keys",
		slog.Int("scanned", result.Scanned),
		slog.Int64("deleted_count", result.Deleted),
		slog.Int("retention_days", j.retentionDays))
	return result, nil
}
