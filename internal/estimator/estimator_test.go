package estimator

import (
	"errors"
	"log/slog"
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// splitmix64 spreads sequential integers over the full 64-bit space.
func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

func filled(t *testing.T, from, to uint64) *Estimator {
	t.Helper()
	e, err := New(DefaultPrecision)
	require.NoError(t, err)
	for i := from; i < to; i++ {
		e.Add(splitmix64(i))
	}
	return e
}

func relativeError(estimate, actual uint64) float64 {
	return math.Abs(float64(estimate)-float64(actual)) / float64(actual)
}

func TestNewRejectsInvalidPrecision(t *testing.T) {
	_, err := New(2)
	assert.Error(t, err)

	_, err = New(19)
	assert.Error(t, err)

	e, err := New(DefaultPrecision)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), e.Cardinality())
}

func TestCardinalityWithinErrorBound(t *testing.T) {
	for _, n := range []uint64{10, 1000, 50000, 200000} {
		e := filled(t, 0, n)
		assert.LessOrEqual(t, relativeError(e.Cardinality(), n), 0.03, "n=%d estimate=%d", n, e.Cardinality())
	}
}

func TestDuplicatesDoNotIncreaseEstimate(t *testing.T) {
	e := filled(t, 0, 5000)
	before := e.Cardinality()

	for i := uint64(0); i < 5000; i++ {
		e.Add(splitmix64(i))
	}
	assert.Equal(t, before, e.Cardinality())

	single, err := New(DefaultPrecision)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		single.Add(42)
	}
	assert.Equal(t, uint64(1), single.Cardinality())
}

func TestMergeIsCommutative(t *testing.T) {
	a := filled(t, 0, 30000)
	b := filled(t, 20000, 60000)

	ab := a.Clone()
	require.NoError(t, ab.Merge(b))
	ba := b.Clone()
	require.NoError(t, ba.Merge(a))

	assert.InDelta(t, float64(ab.Cardinality()), float64(ba.Cardinality()), 0.005*60000)
	assert.LessOrEqual(t, relativeError(ab.Cardinality(), 60000), 0.03)
}

func TestMergeIsAssociative(t *testing.T) {
	a := filled(t, 0, 10000)
	b := filled(t, 5000, 25000)
	c := filled(t, 20000, 40000)

	left := a.Clone()
	require.NoError(t, left.Merge(b))
	require.NoError(t, left.Merge(c))

	bc := b.Clone()
	require.NoError(t, bc.Merge(c))
	right := a.Clone()
	require.NoError(t, right.Merge(bc))

	assert.InDelta(t, float64(left.Cardinality()), float64(right.Cardinality()), 0.005*40000)
	assert.LessOrEqual(t, relativeError(left.Cardinality(), 40000), 0.03)
}

func TestMergeNilIsNoop(t *testing.T) {
	a := filled(t, 0, 100)
	before := a.Cardinality()
	require.NoError(t, a.Merge(nil))
	assert.Equal(t, before, a.Cardinality())
}

func TestMergeRejectsDifferentPrecision(t *testing.T) {
	a := filled(t, 0, 100)
	b, err := New(10)
	require.NoError(t, err)
	b.Add(1)

	assert.Error(t, a.Merge(b))
}

func TestSerializeRoundTrip(t *testing.T) {
	for _, n := range []uint64{0, 3, 2000, 100000} {
		original := filled(t, 0, n)
		data, err := original.Serialize()
		require.NoError(t, err)

		restored, err := Deserialize(data)
		require.NoError(t, err)
		assert.Equal(t, original.Cardinality(), restored.Cardinality(), "n=%d", n)

		// A restored estimator keeps accepting values.
		restored.Add(splitmix64(n + 1))
		assert.GreaterOrEqual(t, restored.Cardinality(), original.Cardinality())
	}
}

func TestDeserializeCorruptInput(t *testing.T) {
	testCases := map[string][]byte{
		"empty":     nil,
		"too short": {1, 2, 3},
		"garbage":   []byte("definitely not a sketch"),
	}

	for name, data := range testCases {
		t.Run(name, func(t *testing.T) {
			est, err := Deserialize(data)
			assert.Nil(t, est)

			var corrupt *CorruptEstimatorError
			require.True(t, errors.As(err, &corrupt), "expected CorruptEstimatorError, got %v", err)
			assert.Equal(t, len(data), corrupt.Size)
		})
	}
}

func TestFromSnapshot(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	fresh, reset := FromSnapshot(nil, DefaultPrecision, logger)
	assert.False(t, reset)
	assert.Equal(t, uint64(0), fresh.Cardinality())

	broken, reset := FromSnapshot([]byte{9, 9}, DefaultPrecision, logger)
	assert.True(t, reset)
	assert.Equal(t, uint64(0), broken.Cardinality())

	data, err := filled(t, 0, 50).Serialize()
	require.NoError(t, err)
	restored, reset := FromSnapshot(data, DefaultPrecision, logger)
	assert.False(t, reset)
	assert.InDelta(t, 50, float64(restored.Cardinality()), 2)
}

func TestFromSnapshotDiscardsOtherPrecision(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	old, err := New(12)
	require.NoError(t, err)
	for i := uint64(0); i < 200; i++ {
		old.Add(splitmix64(i))
	}
	data, err := old.Serialize()
	require.NoError(t, err)

	decoded, err := Deserialize(data)
	require.NoError(t, err)
	assert.Equal(t, uint8(12), decoded.Precision())

	est, reset := FromSnapshot(data, 14, logger)
	assert.True(t, reset)
	assert.Equal(t, uint8(14), est.Precision())
	assert.Equal(t, uint64(0), est.Cardinality())

	// The replacement must merge with estimators at the configured precision.
	require.NoError(t, est.Merge(filled(t, 0, 10)))
	assert.InDelta(t, 10, float64(est.Cardinality()), 1)
}

func TestCloneIsIndependent(t *testing.T) {
	a := filled(t, 0, 100)
	clone := a.Clone()
	for i := uint64(1000); i < 2000; i++ {
		clone.Add(splitmix64(i))
	}

	assert.InDelta(t, 100, float64(a.Cardinality()), 3)
	assert.Greater(t, clone.Cardinality(), a.Cardinality())
}
