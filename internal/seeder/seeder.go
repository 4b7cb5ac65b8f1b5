package seeder

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"visitstats/internal/aggregates"
	"visitstats/internal/estimator"
	"visitstats/internal/hotstore"
	"visitstats/internal/timeframe"
	"visitstats/internal/visitors"
)

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36",
}

// weekdayFactor scales traffic so weekends look quieter.
var weekdayFactor = map[time.Weekday]float64{
	time.Monday:    1.0,
	time.Tuesday:   1.1,
	time.Wednesday: 1.1,
	time.Thursday:  1.0,
	time.Friday:    0.9,
	time.Saturday:  0.6,
	time.Sunday:    0.5,
}

// Seeder fills the stores with synthetic traffic for demos and load checks.
// Past days go straight to the durable store, today goes to the hot tier so
// the reconciler has something to fold.
type Seeder struct {
	Hot      *hotstore.Store
	Repo     *aggregates.Repository
	Calendar *timeframe.Calendar
	Logger   *slog.Logger
	// Visitors is the average number of distinct visitors per day.
	Visitors int
	Salt     string
	rng      *rand.Rand
}

// NewSeeder creates a new seeder instance. The same seed yields the same data.
func NewSeeder(hot *hotstore.Store, repo *aggregates.Repository, calendar *timeframe.Calendar, logger *slog.Logger, visitorsPerDay int, seed uint64) *Seeder {
	if logger == nil {
		logger = slog.Default()
	}
	if visitorsPerDay < 1 {
		visitorsPerDay = 1
	}
	return &Seeder{
		Hot:      hot,
		Repo:     repo,
		Calendar: calendar,
		Logger:   logger,
		Visitors: visitorsPerDay,
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// DayResult is what was generated for one day.
type DayResult struct {
	Date      string
	PageViews uint64
	Visitors  int
}

// Run seeds the last days days ending today.
func (s *Seeder) Run(ctx context.Context, days int) ([]DayResult, error) {
	if days < 1 {
		return nil, fmt.Errorf("days must be positive, got %d", days)
	}

	start := time.Now()
	today := s.Calendar.Today()
	s.Logger.Info("Seeding visit statistics...", slog.Int("days", days), slog.Int("visitors_per_day", s.Visitors))

	results := make([]DayResult, 0, days)
	for i := days - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		day := today.AddDays(-i)

		var (
			result DayResult
			err    error
		)
		if day == today {
			result, err = s.seedHot(ctx, day)
		} else {
			result, err = s.seedDurable(ctx, day)
		}
		if err != nil {
			return results, fmt.Errorf("failed to seed %s: %w", day, err)
		}
		results = append(results, result)
		s.Logger.Debug("Seeded day",
			slog.String("date", result.Date),
			slog.Uint64("page_views", result.PageViews),
			slog.Int("visitors", result.Visitors))
	}

	s.Logger.Info("Seeding completed", slog.Int("days", len(results)), slog.Duration("elapsed", time.Since(start)))
	return results, nil
}

// visits generates the fingerprints and per-visitor page view counts of a day.
func (s *Seeder) visits(day timeframe.Day) (map[uint64]int, uint64) {
	mean := float64(s.Visitors) * weekdayFactor[day.Weekday()]
	n := max(1, int(mean*(0.8+0.4*s.rng.Float64())))

	views := make(map[uint64]int, n)
	var total uint64
	for len(views) < n {
		ip := fmt.Sprintf("198.51.%d.%d", s.rng.IntN(256), s.rng.IntN(256))
		ua := userAgents[s.rng.IntN(len(userAgents))]
		fp := visitors.Fingerprint(ip, ua, s.Salt)
		if _, seen := views[fp]; seen {
			continue
		}
		pages := 1 + s.rng.IntN(6)
		views[fp] = pages
		total += uint64(pages)
	}
	return views, total
}

func (s *Seeder) seedDurable(ctx context.Context, day timeframe.Day) (DayResult, error) {
	views, total := s.visits(day)

	est, err := estimator.New(s.Hot.Precision())
	if err != nil {
		return DayResult{}, err
	}
	for fp := range views {
		est.Add(fp)
	}

	if _, err := s.Repo.Reconcile(ctx, day, total, est); err != nil {
		return DayResult{}, err
	}
	return DayResult{Date: day.String(), PageViews: total, Visitors: len(views)}, nil
}

func (s *Seeder) seedHot(ctx context.Context, day timeframe.Day) (DayResult, error) {
	views, total := s.visits(day)

	for fp, pages := range views {
		for p := 0; p < pages; p++ {
			if _, err := s.Hot.IncrementPV(ctx, day); err != nil {
				return DayResult{}, err
			}
		}
		if err := s.Hot.AddVisitor(ctx, day, fp); err != nil {
			return DayResult{}, err
		}
	}
	return DayResult{Date: day.String(), PageViews: total, Visitors: len(views)}, nil
}
