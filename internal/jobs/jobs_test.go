package jobs_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visitstats/internal/aggregates"
	"visitstats/internal/estimator"
	"visitstats/internal/hotstore"
	"visitstats/internal/jobs"
	"visitstats/internal/testsupport"
	"visitstats/internal/timeframe"
	"visitstats/internal/visitors"
)

type fixture struct {
	scheduler *jobs.Scheduler
	hot       *hotstore.Store
	client    hotstore.Client
	repo      *aggregates.Repository
	calendar  *timeframe.Calendar
	clock     *timeframe.FixedTimeProvider
}

func defaultOptions() jobs.Options {
	return jobs.Options{
		Enabled:       true,
		HourlyCron:    "0 * * * *",
		DailyCron:     "5 0 * * *",
		CleanupCron:   "0 2 * * 0",
		RetentionDays: 7,
		JobTimeout:    5 * time.Second,
	}
}

func newFixture(t *testing.T, client hotstore.Client) fixture {
	t.Helper()
	dbManager, logger := testsupport.SetupTestDBManager(t)
	// Wednesday
	clock := testsupport.FixedClock(time.Date(2024, 3, 13, 14, 30, 0, 0, time.UTC))
	calendar := timeframe.NewCalendar(time.UTC, clock)
	hot := hotstore.NewStore(client, hotstore.Options{Prefix: "visit", TTL: 48 * time.Hour}, logger)
	repo := aggregates.NewRepository(dbManager, logger, estimator.DefaultPrecision)

	s, err := jobs.NewScheduler(hot, repo, calendar, logger, defaultOptions())
	require.NoError(t, err)
	t.Cleanup(s.Stop)

	return fixture{scheduler: s, hot: hot, client: client, repo: repo, calendar: calendar, clock: clock}
}

func (f fixture) visit(t *testing.T, day timeframe.Day, ip string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.hot.IncrementPV(ctx, day)
	require.NoError(t, err)
	require.NoError(t, f.hot.AddVisitor(ctx, day, visitors.Fingerprint(ip, "agent", "")))
}

func TestHourlyReconcileIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, hotstore.NewMemoryClient())
	today := f.calendar.Today()

	for _, ip := range []string{"a", "a", "a", "b", "b"} {
		f.visit(t, today, ip)
	}

	require.NoError(t, f.scheduler.RunHourly())
	first, err := f.repo.FindByDate(ctx, today)
	require.NoError(t, err)
	assert.Equal(t, int64(5), first.PageViews)
	assert.Equal(t, int64(2), first.UniqueVisitors)

	require.NoError(t, f.scheduler.RunHourly())
	second, err := f.repo.FindByDate(ctx, today)
	require.NoError(t, err)
	assert.Equal(t, first.PageViews, second.PageViews)
	assert.Equal(t, first.UniqueVisitors, second.UniqueVisitors)

	// New traffic is picked up on the next run, not added on top.
	f.visit(t, today, "c")
	require.NoError(t, f.scheduler.RunHourly())
	third, err := f.repo.FindByDate(ctx, today)
	require.NoError(t, err)
	assert.Equal(t, int64(6), third.PageViews)
	assert.Equal(t, int64(3), third.UniqueVisitors)
}

func TestDailyReconcileFinalizesYesterday(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, hotstore.NewMemoryClient())
	yesterday := f.calendar.Yesterday()
	today := f.calendar.Today()

	f.visit(t, yesterday, "a")
	f.visit(t, yesterday, "b")
	f.visit(t, today, "c")

	require.NoError(t, f.scheduler.RunDaily())

	row, err := f.repo.FindByDate(ctx, yesterday)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-12", row.Date)
	assert.Equal(t, int64(2), row.PageViews)
	assert.Equal(t, int64(2), row.UniqueVisitors)

	_, err = f.repo.FindByDate(ctx, today)
	assert.ErrorIs(t, err, aggregates.ErrNotFound)
}

func TestReconcileWithoutHotDataCreatesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, hotstore.NewMemoryClient())

	result, err := f.scheduler.SyncDate(ctx, testsupport.MustDay(t, "2024-03-01"))
	require.NoError(t, err)
	assert.True(t, result.Skipped)

	n, err := f.repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestSyncDateReconcilesAnyDay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, hotstore.NewMemoryClient())
	day := testsupport.MustDay(t, "2024-03-11")
	f.visit(t, day, "a")

	result, err := f.scheduler.SyncDate(ctx, day)
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.Equal(t, "2024-03-11", result.Date)
	assert.Equal(t, int64(1), result.PageViews)
	assert.Equal(t, int64(1), result.UniqueVisitors)
}

func TestCleanupDeletesOnlyKeysPastRetention(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, hotstore.NewMemoryClient())
	today := f.calendar.Today()

	for _, daysAgo := range []int{10, 8, 6, 1} {
		f.visit(t, today.AddDays(-daysAgo), "a")
	}

	result, err := f.scheduler.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, result.Scanned)
	assert.Equal(t, int64(4), result.Deleted)

	keys, err := f.hot.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		f.hot.Key(hotstore.KindPageViews, today.AddDays(-6)),
		f.hot.Key(hotstore.KindVisitors, today.AddDays(-6)),
		f.hot.Key(hotstore.KindPageViews, today.AddDays(-1)),
		f.hot.Key(hotstore.KindVisitors, today.AddDays(-1)),
	}, keys)
}

func TestCleanupKeepsKeyExactlyAtRetention(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, hotstore.NewMemoryClient())
	today := f.calendar.Today()

	f.visit(t, today.AddDays(-7), "a")
	f.visit(t, today.AddDays(-8), "a")

	result, err := f.scheduler.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Deleted)

	has, err := f.hot.Has(ctx, today.AddDays(-7))
	require.NoError(t, err)
	assert.True(t, has)
}

func TestCleanupSkipsUnparseableAndFutureKeys(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, hotstore.NewMemoryClient())
	today := f.calendar.Today()

	require.NoError(t, f.client.Set(ctx, "visit:pv:not-a-date", []byte("1"), time.Hour))
	require.NoError(t, f.client.Set(ctx, "visit:uv:2024-02-30", []byte("1"), time.Hour))
	f.visit(t, today.AddDays(1), "a")
	f.visit(t, today.AddDays(5), "a")
	f.visit(t, today.AddDays(-30), "a")

	result, err := f.scheduler.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Unparseable)
	assert.Equal(t, int64(2), result.Deleted)
	require.Len(t, result.Warnings, 2)
	for _, w := range result.Warnings {
		assert.Equal(t, today.AddDays(5), w.Date)
		assert.Contains(t, w.Error(), "2024-03-18")
	}

	for _, day := range []timeframe.Day{today.AddDays(1), today.AddDays(5)} {
		has, err := f.hot.Has(ctx, day)
		require.NoError(t, err)
		assert.True(t, has, day.String())
	}

	_, err = f.client.Get(ctx, "visit:pv:not-a-date")
	assert.NoError(t, err)
}

func TestCleanupDeletesInBatches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, hotstore.NewMemoryClient())

	for i := 0; i < 1200; i++ {
		key := fmt.Sprintf("visit:pv:%s", f.calendar.Today().AddDays(-8-i))
		require.NoError(t, f.client.Set(ctx, key, []byte("1"), time.Hour))
	}

	result, err := f.scheduler.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1200), result.Deleted)
}

func TestSameJobNeverRunsTwiceAtOnce(t *testing.T) {
	client := newBlockingClient()
	f := newFixture(t, client)

	done := make(chan error, 1)
	go func() { done <- f.scheduler.RunHourly() }()
	<-client.entered

	assert.ErrorIs(t, f.scheduler.RunHourly(), jobs.ErrJobAlreadyRunning)

	// A different job is not blocked by the hourly guard.
	cleanupDone := make(chan error, 1)
	go func() { cleanupDone <- f.scheduler.RunCleanup() }()

	close(client.release)
	require.NoError(t, <-done)
	require.NoError(t, <-cleanupDone)

	// Once finished the job can run again.
	assert.NoError(t, f.scheduler.RunHourly())
}

func TestJobPanicIsRecovered(t *testing.T) {
	f := newFixture(t, panickingClient{MemoryClient: hotstore.NewMemoryClient()})

	var err error
	assert.NotPanics(t, func() { err = f.scheduler.RunHourly() })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	// The guard is released after a panic.
	err = f.scheduler.RunHourly()
	assert.NotErrorIs(t, err, jobs.ErrJobAlreadyRunning)
}

func TestInvalidScheduleIsRejected(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)
	calendar := timeframe.NewCalendar(time.UTC, nil)
	hot := hotstore.NewStore(hotstore.NewMemoryClient(), hotstore.Options{}, logger)
	repo := aggregates.NewRepository(dbManager, logger, estimator.DefaultPrecision)

	opts := defaultOptions()
	opts.DailyCron = "every day at noon"
	_, err := jobs.NewScheduler(hot, repo, calendar, logger, opts)
	assert.Error(t, err)
}

func TestSchedulerStartStop(t *testing.T) {
	f := newFixture(t, hotstore.NewMemoryClient())

	for _, next := range f.scheduler.NextRuns() {
		assert.True(t, next.IsZero())
	}

	require.NoError(t, f.scheduler.Start())
	assert.True(t, f.scheduler.IsRunning())
	require.NoError(t, f.scheduler.Start())

	next := f.scheduler.NextRuns()
	require.Len(t, next, 3)
	for name, at := range next {
		assert.False(t, at.IsZero(), name)
	}

	f.scheduler.Stop()
	assert.False(t, f.scheduler.IsRunning())
}

func TestDisabledSchedulerDoesNotStart(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)
	calendar := timeframe.NewCalendar(time.UTC, nil)
	hot := hotstore.NewStore(hotstore.NewMemoryClient(), hotstore.Options{}, logger)
	repo := aggregates.NewRepository(dbManager, logger, estimator.DefaultPrecision)

	opts := defaultOptions()
	opts.Enabled = false
	s, err := jobs.NewScheduler(hot, repo, calendar, logger, opts)
	require.NoError(t, err)

	require.NoError(t, s.Start())
	assert.False(t, s.IsRunning())
}

// blockingClient parks the first Get until released.
type blockingClient struct {
	*hotstore.MemoryClient
	entered chan struct{}
	release chan struct{}
	first   chan struct{}
}

func newBlockingClient() *blockingClient {
	c := &blockingClient{
		MemoryClient: hotstore.NewMemoryClient(),
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
		first:        make(chan struct{}, 1),
	}
	c.first <- struct{}{}
	return c
}

func (c *blockingClient) Get(ctx context.Context, key string) ([]byte, error) {
	select {
	case <-c.first:
		close(c.entered)
		<-c.release
	default:
	}
	return c.MemoryClient.Get(ctx, key)
}

type panickingClient struct {
	*hotstore.MemoryClient
}

func (panickingClient) Get(context.Context, string) ([]byte, error) {
	panic("cache driver bug")
}
