package seeder_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visitstats/internal/aggregates"
	"visitstats/internal/estimator"
	"visitstats/internal/hotstore"
	"visitstats/internal/seeder"
	"visitstats/internal/testsupport"
	"visitstats/internal/timeframe"
)

func TestSeederRun(t *testing.T) {
	ctx := context.Background()
	dbManager, logger := testsupport.SetupTestDBManager(t)
	calendar := timeframe.NewCalendar(time.UTC, testsupport.FixedClock(time.Date(2024, 3, 13, 12, 0, 0, 0, time.UTC)))
	hot := hotstore.NewStore(hotstore.NewMemoryClient(), hotstore.Options{}, logger)
	repo := aggregates.NewRepository(dbManager, logger, estimator.DefaultPrecision)

	s := seeder.NewSeeder(hot, repo, calendar, logger, 50, 42)
	results, err := s.Run(ctx, 5)
	require.NoError(t, err)
	require.Len(t, results, 5)
	assert.Equal(t, "2024-03-09", results[0].Date)
	assert.Equal(t, "2024-03-13", results[4].Date)

	// Past days are stored.
	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	for _, r := range results[:4] {
		row, err := repo.FindByDate(ctx, testsupport.MustDay(t, r.Date))
		require.NoError(t, err)
		assert.Equal(t, int64(r.PageViews), row.PageViews)
		assert.InDelta(t, float64(r.Visitors), float64(row.UniqueVisitors), 2)
		assert.GreaterOrEqual(t, row.PageViews, row.UniqueVisitors)
	}

	// Today lives in the hot tier only.
	pv, err := hot.ReadPV(ctx, calendar.Today())
	require.NoError(t, err)
	assert.Equal(t, results[4].PageViews, pv)
}

func TestSeederRejectsNonPositiveDays(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)
	hot := hotstore.NewStore(hotstore.NewMemoryClient(), hotstore.Options{}, logger)
	repo := aggregates.NewRepository(dbManager, logger, estimator.DefaultPrecision)

	s := seeder.NewSeeder(hot, repo, timeframe.NewCalendar(time.UTC, nil), logger, 10, 1)
	_, err := s.Run(context.Background(), 0)
	assert.Error(t, err)
}
