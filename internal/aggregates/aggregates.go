// Package aggregates is the durable per-day store of visit totals.
//
// page_views is only ever written as an absolute value, raised with MAX() so
// it never decreases and repeated writes are idempotent. The write path's
// additive mirror goes to mirrored_page_views and only lifts page_views to at
// least that count. unique_visitors is always recomputed from the snapshot
// written in the same statement.
package aggregates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/karloscodes/cartridge"
	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/gorm"

	"visitstats/internal/estimator"
	"visitstats/internal/timeframe"
)

// ErrNotFound is returned when no row exists for a date.
var ErrNotFound = errors.New("aggregates: no row for date")

// DailyAggregate is one calendar day of visit totals.
type DailyAggregate struct {
	ID                uint      `gorm:"primaryKey"`
	Date              string    `gorm:"type:varchar(10);uniqueIndex;not null"`
	PageViews         int64     `gorm:"not null;default:0"`
	MirroredPageViews int64     `gorm:"not null;default:0"`
	EstimatorSnapshot []byte    `gorm:"type:blob"`
	UniqueVisitors    int64     `gorm:"not null;default:0"`
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null"`
}

func (DailyAggregate) TableName() string {
	return "daily_aggregates"
}

// Day parses the row's date.
func (a DailyAggregate) Day() (timeframe.Day, error) {
	return timeframe.ParseDay(a.Date)
}

// Repository reads and writes DailyAggregate rows.
type Repository struct {
	dbManager cartridge.DBManager
	logger    *slog.Logger
	precision uint8
}

// NewRepository creates a repository. precision must match the hot tier's
// estimator precision so snapshots can be merged.
func NewRepository(dbManager cartridge.DBManager, logger *slog.Logger, precision uint8) *Repository {
	if precision == 0 {
		precision = estimator.DefaultPrecision
	}
	return &Repository{dbManager: dbManager, logger: logger, precision: precision}
}

func (r *Repository) conn(ctx context.Context) (*gorm.DB, error) {
	db := r.dbManager.GetConnection()
	if db == nil {
		return nil, gorm.ErrInvalidDB
	}
	return db.WithContext(ctx), nil
}

func ensureRow(tx *gorm.DB, day timeframe.Day, now time.Time) error {
	return tx.Exec(`
		INSERT INTO daily_aggregates (date, page_views, mirrored_page_views, unique_visitors, created_at, updated_at)
		VALUES (?, 0, 0, 0, ?, ?)
		ON CONFLICT (date) DO NOTHING
	`, day.String(), now, now).Error
}

// EnsureRow creates an empty row for day if none exists.
func (r *Repository) EnsureRow(ctx context.Context, day timeframe.Day) error {
	db, err := r.conn(ctx)
	if err != nil {
		return err
	}
	return sqlite.PerformWrite(r.logger, db, func(tx *gorm.DB) error {
		return ensureRow(tx, day, time.Now().UTC())
	})
}

// IncrementMirroredPageViews adds delta to the write-path mirror counter and
// lifts page_views to at least the mirrored total.
func (r *Repository) IncrementMirroredPageViews(ctx context.Context, day timeframe.Day, delta int64) error {
	if delta <= 0 {
		return nil
	}
	db, err := r.conn(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	return sqlite.PerformWrite(r.logger, db, func(tx *gorm.DB) error {
		return tx.Exec(`
			INSERT INTO daily_aggregates (date, page_views, mirrored_page_views, unique_visitors, created_at, updated_at)
			VALUES (?, ?, ?, 0, ?, ?)
			ON CONFLICT (date) DO UPDATE SET
				mirrored_page_views = daily_aggregates.mirrored_page_views + ?,
				page_views = MAX(daily_aggregates.page_views, daily_aggregates.mirrored_page_views + ?),
				updated_at = ?
		`, day.String(), delta, delta, now, now, delta, delta, now).Error
	})
}

// MergeEstimator unions est into day's stored snapshot and recomputes
// unique_visitors from the result.
func (r *Repository) MergeEstimator(ctx context.Context, day timeframe.Day, est *estimator.Estimator) (*DailyAggregate, error) {
	return r.write(ctx, day, func(row *DailyAggregate, stored *estimator.Estimator) error {
		return stored.Merge(est)
	})
}

// Reconcile folds the hot tier's view of day into its row: page_views is
// raised to hotPV and hotEst is unioned into the snapshot, in one transaction.
// Running it twice with the same inputs leaves the row unchanged.
func (r *Repository) Reconcile(ctx context.Context, day timeframe.Day, hotPV uint64, hotEst *estimator.Estimator) (*DailyAggregate, error) {
	return r.write(ctx, day, func(row *DailyAggregate, stored *estimator.Estimator) error {
		if int64(hotPV) > row.PageViews {
			row.PageViews = int64(hotPV)
		}
		return stored.Merge(hotEst)
	})
}

// write loads day's row, lets apply mutate it and its estimator, and stores
// the snapshot together with the cardinality derived from it.
func (r *Repository) write(ctx context.Context, day timeframe.Day, apply func(*DailyAggregate, *estimator.Estimator) error) (*DailyAggregate, error) {
	db, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}

	var result DailyAggregate
	err = sqlite.PerformWrite(r.logger, db, func(tx *gorm.DB) error {
		now := time.Now().UTC()
		if err := ensureRow(tx, day, now); err != nil {
			return err
		}

		var row DailyAggregate
		if err := tx.Where("date = ?", day.String()).First(&row).Error; err != nil {
			return err
		}

		stored, reset := estimator.FromSnapshot(row.EstimatorSnapshot, r.precision, nil)
		if reset {
			r.logger.Warn("Stored estimator snapshot unusable, starting over",
				slog.String("date", row.Date))
		}

		if err := apply(&row, stored); err != nil {
			return fmt.Errorf("merge estimator for %s: %w", row.Date, err)
		}

		snapshot, err := stored.Serialize()
		if err != nil {
			return err
		}
		row.EstimatorSnapshot = snapshot
		row.UniqueVisitors = int64(stored.Cardinality())
		if row.MirroredPageViews > row.PageViews {
			row.PageViews = row.MirroredPageViews
		}
		row.UpdatedAt = now

		if err := tx.Model(&DailyAggregate{}).Where("id = ?", row.ID).Updates(map[string]any{
			"page_views":         gorm.Expr("MAX(page_views, ?)", row.PageViews),
			"estimator_snapshot": row.EstimatorSnapshot,
			"unique_visitors":    row.UniqueVisitors,
			"updated_at":         now,
		}).Error; err != nil {
			return err
		}

		result = row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// FindByDate returns day's row or ErrNotFound.
func (r *Repository) FindByDate(ctx context.Context, day timeframe.Day) (*DailyAggregate, error) {
	db, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}

	var row DailyAggregate
	err = db.Where("date = ?", day.String()).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// FindRange returns rows between start and end inclusive, newest first.
func (r *Repository) FindRange(ctx context.Context, start, end timeframe.Day) ([]DailyAggregate, error) {
	db, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}

	var rows []DailyAggregate
	err = db.Where("date >= ? AND date <= ?", start.String(), end.String()).
		Order("date DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Count returns the number of stored days.
func (r *Repository) Count(ctx context.Context) (int64, error) {
	db, err := r.conn(ctx)
	if err != nil {
		return 0, err
	}

	var n int64
	if err := db.Model(&DailyAggregate{}).Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

// Ping checks that the database answers.
func (r *Repository) Ping(ctx context.Context) error {
	db, err := r.conn(ctx)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
