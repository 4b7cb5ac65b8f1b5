// Package stats answers read queries over the hot and durable tiers.
//
// Today is always read live: the hot counters folded with whatever the write
// path already mirrored into today's durable row. Every other day is served
// from the durable store only.
package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"visitstats/internal/aggregates"
	"visitstats/internal/estimator"
	"visitstats/internal/hotstore"
	"visitstats/internal/pkg/async"
	"visitstats/internal/timeframe"
)

// MaxRecentDays bounds GetRecent.
const MaxRecentDays = 365

// Aggregate is one day of visit totals.
type Aggregate struct {
	Date           string `json:"date"`
	PageViews      int64  `json:"pageViews"`
	UniqueVisitors int64  `json:"uniqueVisitors"`
	// Live marks today's value, still moving.
	Live bool `json:"live"`
}

// Summary is the dashboard overview. Week and month visitor counts are the
// sum of daily unique visitors, so a visitor seen on two days counts twice.
type Summary struct {
	Date        string      `json:"date"`
	TodayPV     int64       `json:"todayPageViews"`
	TodayUV     int64       `json:"todayUniqueVisitors"`
	YesterdayPV int64       `json:"yesterdayPageViews"`
	YesterdayUV int64       `json:"yesterdayUniqueVisitors"`
	WeekPV      int64       `json:"weekPageViews"`
	WeekUV      int64       `json:"weekUniqueVisitors"`
	MonthPV     int64       `json:"monthPageViews"`
	MonthUV     int64       `json:"monthUniqueVisitors"`
	Last7       []Aggregate `json:"last7Days"`
	Last30      []Aggregate `json:"last30Days"`
}

// Service serves statistics queries.
type Service struct {
	hot      *hotstore.Store
	repo     *aggregates.Repository
	calendar *timeframe.Calendar
	logger   *slog.Logger
	pool     *async.Pool
}

func NewService(hot *hotstore.Store, repo *aggregates.Repository, calendar *timeframe.Calendar, logger *slog.Logger) *Service {
	return &Service{
		hot:      hot,
		repo:     repo,
		calendar: calendar,
		logger:   logger,
		pool:     async.NewPool(4),
	}
}

// Today returns the current day in the configured zone.
func (s *Service) Today() timeframe.Day {
	return s.calendar.Today()
}

// GetByDate returns day's totals. Future days and days without a stored row
// give ErrNotFound; today is always answered, possibly with zeros.
func (s *Service) GetByDate(ctx context.Context, day timeframe.Day) (Aggregate, error) {
	today := s.calendar.Today()
	switch {
	case day == today:
		return s.live(ctx, today)
	case day.After(today):
		return Aggregate{}, ErrNotFound
	}

	row, err := s.repo.FindByDate(ctx, day)
	if errors.Is(err, aggregates.ErrNotFound) {
		return Aggregate{}, ErrNotFound
	}
	if err != nil {
		return Aggregate{}, databaseErr("find_by_date", err)
	}
	return fromRow(*row), nil
}

// GetByRange returns the stored days between start and end inclusive, newest
// first. Today is returned as stored; combine with GetByDate for live numbers.
func (s *Service) GetByRange(ctx context.Context, start, end timeframe.Day) ([]Aggregate, error) {
	if start.After(end) {
		return nil, &InvalidRangeError{Start: start.String(), End: end.String(), Reason: "start is after end"}
	}

	rows, err := s.repo.FindRange(ctx, start, end)
	if err != nil {
		return nil, databaseErr("find_range", err)
	}
	return fromRows(rows), nil
}

// GetRecent returns the last n days ending today, newest first. Today comes
// first and always reflects the hot tier; older days appear only when stored.
func (s *Service) GetRecent(ctx context.Context, n int) ([]Aggregate, error) {
	if n < 1 || n > MaxRecentDays {
		return nil, &InvalidRangeError{Reason: fmt.Sprintf("days must be between 1 and %d, got %d", MaxRecentDays, n)}
	}

	today := s.calendar.Today()
	live, err := s.live(ctx, today)
	if err != nil {
		return nil, err
	}
	if n == 1 {
		return []Aggregate{live}, nil
	}

	history, err := s.history(ctx, today.AddDays(-(n - 1)), today.AddDays(-1))
	if err != nil {
		return nil, err
	}
	return append([]Aggregate{live}, history...), nil
}

// GetSummary builds the dashboard overview. Its parts are read concurrently.
func (s *Service) GetSummary(ctx context.Context) (Summary, error) {
	today := s.calendar.Today()
	yesterday := today.AddDays(-1)
	weekStart := timeframe.WeekStart(today)
	monthStart := timeframe.MonthStart(today)

	tasks := []async.Task{
		{
			Name: "today",
			Execute: func(ctx context.Context) (interface{}, error) {
				return s.live(ctx, today)
			},
		},
		{
			Name: "week",
			Execute: func(ctx context.Context) (interface{}, error) {
				return s.history(ctx, weekStart, yesterday)
			},
		},
		{
			Name: "month",
			Execute: func(ctx context.Context) (interface{}, error) {
				return s.history(ctx, monthStart, yesterday)
			},
		},
		{
			Name: "last30",
			Execute: func(ctx context.Context) (interface{}, error) {
				return s.history(ctx, today.AddDays(-29), yesterday)
			},
		},
	}

	results := s.pool.Execute(ctx, tasks)
	for _, task := range tasks {
		if err := results[task.Name].Err; err != nil {
			s.logger.Error("Error fetching summary part", slog.String("part", task.Name), slog.Any("error", err))
			return Summary{}, fmt.Errorf("summary %s: %w", task.Name, err)
		}
	}

	live := results["today"].Data.(Aggregate)
	week := results["week"].Data.([]Aggregate)
	month := results["month"].Data.([]Aggregate)
	last30 := results["last30"].Data.([]Aggregate)

	summary := Summary{
		Date:    today.String(),
		TodayPV: live.PageViews,
		TodayUV: live.UniqueVisitors,
		Last7:   []Aggregate{live},
		Last30:  append([]Aggregate{live}, last30...),
	}

	summary.WeekPV, summary.WeekUV = sum(live, week)
	summary.MonthPV, summary.MonthUV = sum(live, month)

	last7Start := today.AddDays(-6).String()
	for _, a := range last30 {
		if a.Date == yesterday.String() {
			summary.YesterdayPV = a.PageViews
			summary.YesterdayUV = a.UniqueVisitors
		}
		if a.Date >= last7Start {
			summary.Last7 = append(summary.Last7, a)
		}
	}

	return summary, nil
}

func sum(live Aggregate, days []Aggregate) (pv, uv int64) {
	pv, uv = live.PageViews, live.UniqueVisitors
	for _, a := range days {
		pv += a.PageViews
		uv += a.UniqueVisitors
	}
	return pv, uv
}

// history reads stored days in [start, end]; an empty window gives no rows.
func (s *Service) history(ctx context.Context, start, end timeframe.Day) ([]Aggregate, error) {
	if start.After(end) {
		return []Aggregate{}, nil
	}
	rows, err := s.repo.FindRange(ctx, start, end)
	if err != nil {
		return nil, databaseErr("find_range", err)
	}
	return fromRows(rows), nil
}

// live folds the hot tier with today's durable row. Page views take the
// larger of the two; visitor estimators are unioned.
func (s *Service) live(ctx context.Context, today timeframe.Day) (Aggregate, error) {
	hotPV, err := s.hot.ReadPV(ctx, today)
	if err != nil {
		return Aggregate{}, cacheErr("read_pv", err)
	}
	est, err := s.hot.ReadEstimator(ctx, today)
	if err != nil {
		return Aggregate{}, cacheErr("read_estimator", err)
	}

	pv := int64(hotPV)
	row, err := s.repo.FindByDate(ctx, today)
	switch {
	case errors.Is(err, aggregates.ErrNotFound):
	case err != nil:
		return Aggregate{}, databaseErr("find_by_date", err)
	default:
		pv = max(pv, row.PageViews)
		stored, reset := estimator.FromSnapshot(row.EstimatorSnapshot, s.hot.Precision(), nil)
		if reset {
			s.logger.Warn("Ignoring unusable stored estimator for today", slog.String("date", today.String()))
		}
		if err := est.Merge(stored); err != nil {
			s.logger.Warn("Cannot merge stored estimator for today",
				slog.String("date", today.String()),
				slog.Any("error", err))
		}
	}

	return Aggregate{
		Date:           today.String(),
		PageViews:      pv,
		UniqueVisitors: int64(est.Cardinality()),
		Live:           true,
	}, nil
}

func fromRow(row aggregates.DailyAggregate) Aggregate {
	return Aggregate{
		Date:           row.Date,
		PageViews:      row.PageViews,
		UniqueVisitors: row.UniqueVisitors,
	}
}

func fromRows(rows []aggregates.DailyAggregate) []Aggregate {
	out := make([]Aggregate, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow(row))
	}
	return out
}
