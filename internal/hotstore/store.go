package hotstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"visitstats/internal/estimator"
	"visitstats/internal/timeframe"
)

// Kind identifies which per-day sub-key a hot-tier key holds.
type Kind string

const (
	KindPageViews Kind = "pv"
	KindVisitors  Kind = "uv"
)

const (
	lockStripes        = 64
	defaultMaxAttempts = 10
)

// DefaultTTL keeps a day's keys through its same-day and next-day reconciliation.
const DefaultTTL = 48 * time.Hour

// Options configures a Store.
type Options struct {
	Prefix    string
	TTL       time.Duration
	Precision uint8
	// MaxAttempts bounds the compare-and-swap loop in AddVisitor.
	MaxAttempts int
}

// Store is the hot counter store: one PV counter and one serialized
// estimator per calendar day.
type Store struct {
	client      Client
	prefix      string
	ttl         time.Duration
	precision   uint8
	maxAttempts int
	logger      *slog.Logger

	// Writers in this process queue on a striped lock before racing other
	// processes through compare-and-swap.
	locks [lockStripes]sync.Mutex
}

// NewStore builds a Store over client.
func NewStore(client Client, opts Options, logger *slog.Logger) *Store {
	if opts.Prefix == "" {
		opts.Prefix = "visit"
	}
	if opts.Precision == 0 {
		opts.Precision = estimator.DefaultPrecision
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	return &Store{
		client:      client,
		prefix:      opts.Prefix,
		ttl:         opts.TTL,
		precision:   opts.Precision,
		maxAttempts: opts.MaxAttempts,
		logger:      logger,
	}
}

// Client returns the underlying key-value client.
func (s *Store) Client() Client {
	return s.client
}

// Precision returns the estimator precision used for new day estimators.
func (s *Store) Precision() uint8 {
	return s.precision
}

// Key returns the hot-tier key for day and kind: {prefix}:{kind}:{YYYY-MM-DD}.
func (s *Store) Key(kind Kind, day timeframe.Day) string {
	return s.prefix + ":" + string(kind) + ":" + day.String()
}

// ParseKey splits a hot-tier key into its kind and day.
func (s *Store) ParseKey(key string) (Kind, timeframe.Day, error) {
	rest, ok := strings.CutPrefix(key, s.prefix+":")
	if !ok {
		return "", timeframe.Day{}, fmt.Errorf("key %q does not carry prefix %q", key, s.prefix)
	}
	kind, date, ok := strings.Cut(rest, ":")
	if !ok {
		return "", timeframe.Day{}, fmt.Errorf("key %q has no date segment", key)
	}
	switch Kind(kind) {
	case KindPageViews, KindVisitors:
	default:
		return "", timeframe.Day{}, fmt.Errorf("key %q has unknown kind %q", key, kind)
	}
	day, err := timeframe.ParseDay(date)
	if err != nil {
		return "", timeframe.Day{}, err
	}
	return Kind(kind), day, nil
}

func (s *Store) lockFor(key string) *sync.Mutex {
	return &s.locks[xxhash.Sum64String(key)%lockStripes]
}

// IncrementPV atomically adds one page view to day and refreshes its TTL.
func (s *Store) IncrementPV(ctx context.Context, day timeframe.Day) (int64, error) {
	key := s.Key(KindPageViews, day)
	total, err := s.client.Incr(ctx, key)
	if err != nil {
		return 0, err
	}
	if err := s.client.Expire(ctx, key, s.ttl); err != nil {
		s.logger.Warn("Failed to refresh hot key TTL", slog.String("key", key), slog.Any("error", err))
	}
	return total, nil
}

// AddVisitor folds a fingerprint into day's estimator with a read-modify-write
// guarded by compare-and-swap. A missing key starts from an empty estimator.
func (s *Store) AddVisitor(ctx context.Context, day timeframe.Day, hash uint64) error {
	key := s.Key(KindVisitors, day)

	mu := s.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		current, err := s.client.Get(ctx, key)
		if err != nil && !errors.Is(err, ErrKeyNotFound) {
			return err
		}

		est, reset := estimator.FromSnapshot(current, s.precision, nil)
		if reset {
			s.logger.Warn("Reset unusable hot-tier estimator", slog.String("key", key))
		}
		est.Add(hash)

		next, err := est.Serialize()
		if err != nil {
			return err
		}

		swapped, err := s.client.CompareAndSwap(ctx, key, current, next, s.ttl)
		if err != nil {
			return err
		}
		if swapped {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	s.logger.Warn("Gave up adding visitor after repeated conflicts",
		slog.String("key", key),
		slog.Int("attempts", s.maxAttempts))
	return ErrContention
}

// ReadPV returns day's page view counter, zero when absent.
func (s *Store) ReadPV(ctx context.Context, day timeframe.Day) (uint64, error) {
	raw, err := s.client.Get(ctx, s.Key(KindPageViews, day))
	if errors.Is(err, ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("hot page view counter for %s: %w", day, err)
	}
	return n, nil
}

// ReadEstimator returns day's visitor estimator. A missing key gives an empty
// estimator, and so does a corrupt one after logging a warning.
func (s *Store) ReadEstimator(ctx context.Context, day timeframe.Day) (*estimator.Estimator, error) {
	key := s.Key(KindVisitors, day)
	raw, err := s.client.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		return nil, err
	}
	est, reset := estimator.FromSnapshot(raw, s.precision, nil)
	if reset {
		s.logger.Warn("Hot-tier estimator unreadable, treating day as empty", slog.String("key", key))
	}
	return est, nil
}

// Has reports whether any hot data exists for day.
func (s *Store) Has(ctx context.Context, day timeframe.Day) (bool, error) {
	for _, kind := range []Kind{KindPageViews, KindVisitors} {
		_, err := s.client.Get(ctx, s.Key(kind, day))
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, ErrKeyNotFound) {
			return false, err
		}
	}
	return false, nil
}

// Expire refreshes the TTL of both of day's sub-keys.
func (s *Store) Expire(ctx context.Context, day timeframe.Day, ttl time.Duration) error {
	for _, kind := range []Kind{KindPageViews, KindVisitors} {
		if err := s.client.Expire(ctx, s.Key(kind, day), ttl); err != nil {
			return err
		}
	}
	return nil
}

// Keys lists every hot-tier key this store owns.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	for _, kind := range []Kind{KindPageViews, KindVisitors} {
		found, err := s.client.Keys(ctx, s.prefix+":"+string(kind)+":*")
		if err != nil {
			return nil, err
		}
		keys = append(keys, found...)
	}
	return keys, nil
}

// Delete removes the given keys and returns how many existed.
func (s *Store) Delete(ctx context.Context, keys ...string) (int64, error) {
	return s.client.Del(ctx, keys...)
}

// Ping checks that the backend is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}
