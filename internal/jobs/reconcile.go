package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"visitstats/internal/aggregates"
	"visitstats/internal/hotstore"
	"visitstats/internal/timeframe"
)

// ReconcileResult describes one reconciliation of a day.
type ReconcileResult struct {
	Date           string `json:"date"`
	PageViews      int64  `json:"pageViews"`
	UniqueVisitors int64  `json:"uniqueVisitors"`
	// Skipped is true when the hot tier held nothing for the day.
	Skipped bool `json:"skipped"`
}

// ReconcileJob folds a day's hot counters into its durable row. The hot tier
// is authoritative for the days it still holds, so page views are set, not
// added, and the estimators are unioned. Re-running it is harmless.
type ReconcileJob struct {
	hot    *hotstore.Store
	repo   *aggregates.Repository
	logger *slog.Logger
}

func NewReconcileJob(hot *hotstore.Store, repo *aggregates.Repository, logger *slog.Logger) *ReconcileJob {
	return &ReconcileJob{
		hot:    hot,
		repo:   repo,
		logger: logger,
	}
}

// Run reconciles day.
func (j *ReconcileJob) Run(ctx context.Context, day timeframe.Day) (ReconcileResult, error) {
	result := ReconcileResult{Date: day.String()}

	has, err := j.hot.Has(ctx, day)
	if err != nil {
		return result, fmt.Errorf("read hot tier for %s: %w", day, err)
	}
	if !has {
		j.logger.Debug("No hot data to reconcile", slog.String("date", day.String()))
		result.Skipped = true
		return result, nil
	}

	pv, err := j.hot.ReadPV(ctx, day)
	if err != nil {
		return result, fmt.Errorf("read hot page views for %s: %w", day, err)
	}
	est, err := j.hot.ReadEstimator(ctx, day)
	if err != nil {
		return result, fmt.Errorf("read hot visitors for %s: %w", day, err)
	}

	row, err := j.repo.Reconcile(ctx, day, pv, est)
	if err != nil {
		return result, fmt.Errorf("store reconciled totals for %s: %w", day, err)
	}

	result.PageViews = row.PageViews
	result.UniqueVisitors = row.UniqueVisitors

	j.logger.Info("Reconciled visit statistics",
		slog.String("date", day.String()),
		slog.Uint64("hot_page_views", pv),
		slog.Int64("page_views", row.PageViews),
		slog.Int64("unique_visitors", row.UniqueVisitors))
	return result, nil
}
