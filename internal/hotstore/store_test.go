package hotstore

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visitstats/internal/timeframe"
	"visitstats/internal/visitors"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type backend struct {
	name   string
	client func(t *testing.T) Client
}

func backends() []backend {
	return []backend{
		{
			name: "memory",
			client: func(t *testing.T) Client {
				return NewMemoryClient()
			},
		},
		{
			name: "redis",
			client: func(t *testing.T) Client {
				mr := miniredis.RunT(t)
				c := NewRedisClient(RedisOptions{Addr: mr.Addr()})
				t.Cleanup(func() { c.Close() })
				return c
			},
		},
	}
}

func mustDay(t *testing.T, s string) timeframe.Day {
	t.Helper()
	d, err := timeframe.ParseDay(s)
	require.NoError(t, err)
	return d
}

func TestStoreKeys(t *testing.T) {
	s := NewStore(NewMemoryClient(), Options{Prefix: "visit"}, testLogger())
	day := mustDay(t, "2024-03-15")

	assert.Equal(t, "visit:pv:2024-03-15", s.Key(KindPageViews, day))
	assert.Equal(t, "visit:uv:2024-03-15", s.Key(KindVisitors, day))

	kind, parsed, err := s.ParseKey("visit:uv:2024-03-15")
	require.NoError(t, err)
	assert.Equal(t, KindVisitors, kind)
	assert.Equal(t, day, parsed)

	for _, bad := range []string{"other:pv:2024-03-15", "visit:pv", "visit:xx:2024-03-15", "visit:pv:2024-3-15", "visit:pv:not-a-date"} {
		_, _, err := s.ParseKey(bad)
		assert.Error(t, err, bad)
	}
}

func TestStoreAcrossBackends(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("first write of a day starts from zero", func(t *testing.T) {
				s := NewStore(b.client(t), Options{Prefix: "visit", TTL: 48 * time.Hour}, testLogger())
				day := mustDay(t, "2024-03-15")

				pv, err := s.ReadPV(ctx, day)
				require.NoError(t, err)
				assert.Equal(t, uint64(0), pv)

				est, err := s.ReadEstimator(ctx, day)
				require.NoError(t, err)
				assert.Equal(t, uint64(0), est.Cardinality())

				has, err := s.Has(ctx, day)
				require.NoError(t, err)
				assert.False(t, has)

				total, err := s.IncrementPV(ctx, day)
				require.NoError(t, err)
				assert.Equal(t, int64(1), total)
				require.NoError(t, s.AddVisitor(ctx, day, 7))

				has, err = s.Has(ctx, day)
				require.NoError(t, err)
				assert.True(t, has)
			})

			t.Run("three views from A and two from B", func(t *testing.T) {
				s := NewStore(b.client(t), Options{Prefix: "visit", TTL: 48 * time.Hour}, testLogger())
				day := mustDay(t, "2024-03-15")
				a := visitors.Fingerprint("10.0.0.1", "Mozilla/5.0 A", "")
				bb := visitors.Fingerprint("10.0.0.2", "Mozilla/5.0 B", "")

				for _, fp := range []uint64{a, a, a, bb, bb} {
					_, err := s.IncrementPV(ctx, day)
					require.NoError(t, err)
					require.NoError(t, s.AddVisitor(ctx, day, fp))
				}

				pv, err := s.ReadPV(ctx, day)
				require.NoError(t, err)
				assert.Equal(t, uint64(5), pv)

				est, err := s.ReadEstimator(ctx, day)
				require.NoError(t, err)
				assert.Equal(t, uint64(2), est.Cardinality())
			})

			t.Run("concurrent increments are never lost", func(t *testing.T) {
				s := NewStore(b.client(t), Options{Prefix: "visit", TTL: 48 * time.Hour}, testLogger())
				day := mustDay(t, "2024-03-15")

				const workers, perWorker = 20, 25
				var wg sync.WaitGroup
				for w := 0; w < workers; w++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						for i := 0; i < perWorker; i++ {
							_, err := s.IncrementPV(ctx, day)
							assert.NoError(t, err)
						}
					}()
				}
				wg.Wait()

				pv, err := s.ReadPV(ctx, day)
				require.NoError(t, err)
				assert.Equal(t, uint64(workers*perWorker), pv)
			})

			t.Run("concurrent visitor adds are never lost", func(t *testing.T) {
				s := NewStore(b.client(t), Options{Prefix: "visit", TTL: 48 * time.Hour}, testLogger())
				day := mustDay(t, "2024-03-15")

				const workers, perWorker = 10, 20
				var wg sync.WaitGroup
				for w := 0; w < workers; w++ {
					wg.Add(1)
					go func(w int) {
						defer wg.Done()
						for i := 0; i < perWorker; i++ {
							fp := visitors.Fingerprint("10.1.0.1", "agent", string(rune('a'+w))+string(rune('a'+i)))
							assert.NoError(t, s.AddVisitor(ctx, day, fp))
						}
					}(w)
				}
				wg.Wait()

				est, err := s.ReadEstimator(ctx, day)
				require.NoError(t, err)
				assert.InDelta(t, workers*perWorker, float64(est.Cardinality()), 2)
			})

			t.Run("days are independent", func(t *testing.T) {
				s := NewStore(b.client(t), Options{Prefix: "visit", TTL: 48 * time.Hour}, testLogger())
				d1 := mustDay(t, "2024-03-14")
				d2 := mustDay(t, "2024-03-15")

				_, err := s.IncrementPV(ctx, d1)
				require.NoError(t, err)
				_, err = s.IncrementPV(ctx, d2)
				require.NoError(t, err)
				_, err = s.IncrementPV(ctx, d2)
				require.NoError(t, err)

				pv1, _ := s.ReadPV(ctx, d1)
				pv2, _ := s.ReadPV(ctx, d2)
				assert.Equal(t, uint64(1), pv1)
				assert.Equal(t, uint64(2), pv2)
			})

			t.Run("keys and delete", func(t *testing.T) {
				client := b.client(t)
				require.NoError(t, client.Set(ctx, "unrelated", []byte("x"), 0))
				s := NewStore(client, Options{Prefix: "visit", TTL: 48 * time.Hour}, testLogger())
				day := mustDay(t, "2024-03-15")

				_, err := s.IncrementPV(ctx, day)
				require.NoError(t, err)
				require.NoError(t, s.AddVisitor(ctx, day, 1))

				keys, err := s.Keys(ctx)
				require.NoError(t, err)
				assert.ElementsMatch(t, []string{"visit:pv:2024-03-15", "visit:uv:2024-03-15"}, keys)

				n, err := s.Delete(ctx, keys...)
				require.NoError(t, err)
				assert.Equal(t, int64(2), n)

				keys, err = s.Keys(ctx)
				require.NoError(t, err)
				assert.Empty(t, keys)
			})

			t.Run("corrupt estimator is replaced", func(t *testing.T) {
				client := b.client(t)
				s := NewStore(client, Options{Prefix: "visit", TTL: 48 * time.Hour}, testLogger())
				day := mustDay(t, "2024-03-15")
				require.NoError(t, client.Set(ctx, s.Key(KindVisitors, day), []byte("garbage"), time.Hour))

				est, err := s.ReadEstimator(ctx, day)
				require.NoError(t, err)
				assert.Equal(t, uint64(0), est.Cardinality())

				require.NoError(t, s.AddVisitor(ctx, day, 99))
				est, err = s.ReadEstimator(ctx, day)
				require.NoError(t, err)
				assert.Equal(t, uint64(1), est.Cardinality())
			})
		})
	}
}

func TestStoreRefreshesTTLOnWrite(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := NewRedisClient(RedisOptions{Addr: mr.Addr()})
	defer client.Close()

	s := NewStore(client, Options{Prefix: "visit", TTL: 48 * time.Hour}, testLogger())
	day := mustDay(t, "2024-03-15")

	_, err := s.IncrementPV(ctx, day)
	require.NoError(t, err)
	require.NoError(t, s.AddVisitor(ctx, day, 1))
	assert.Equal(t, 48*time.Hour, mr.TTL("visit:pv:2024-03-15"))
	assert.Equal(t, 48*time.Hour, mr.TTL("visit:uv:2024-03-15"))

	mr.FastForward(47 * time.Hour)
	_, err = s.IncrementPV(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, mr.TTL("visit:pv:2024-03-15"))

	mr.FastForward(49 * time.Hour)
	pv, err := s.ReadPV(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), pv)
}

func TestStoreGivesUpUnderContention(t *testing.T) {
	ctx := context.Background()
	s := NewStore(&conflictingClient{MemoryClient: NewMemoryClient()}, Options{Prefix: "visit", MaxAttempts: 3}, testLogger())

	err := s.AddVisitor(ctx, mustDay(t, "2024-03-15"), 1)
	assert.ErrorIs(t, err, ErrContention)
}

// conflictingClient loses every compare-and-swap race.
type conflictingClient struct {
	*MemoryClient
}

func (c *conflictingClient) CompareAndSwap(context.Context, string, []byte, []byte, time.Duration) (bool, error) {
	return false, nil
}
