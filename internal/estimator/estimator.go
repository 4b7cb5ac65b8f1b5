// Package estimator wraps a HyperLogLog sketch used to approximate the number
// of distinct visitors seen on a calendar day.
//
// An Estimator is not safe for concurrent use. Callers that share one across
// goroutines must serialize access themselves.
package estimator

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/axiomhq/hyperloglog"
)

// DefaultPrecision gives 2^14 registers, roughly 0.8% standard error.
const DefaultPrecision uint8 = 14

// CorruptEstimatorError is returned when serialized estimator bytes cannot be decoded.
type CorruptEstimatorError struct {
	Size   int
	Reason string
}

func (e *CorruptEstimatorError) Error() string {
	return fmt.Sprintf("corrupt estimator snapshot (%d bytes): %s", e.Size, e.Reason)
}

// Estimator is a fixed-memory approximate distinct counter.
type Estimator struct {
	sketch    *hyperloglog.Sketch
	precision uint8
	buf       [8]byte
}

// New allocates an empty estimator with 2^precision registers.
func New(precision uint8) (*Estimator, error) {
	sketch, err := hyperloglog.NewSketch(precision, true)
	if err != nil {
		return nil, fmt.Errorf("estimator: invalid precision %d: %w", precision, err)
	}
	return &Estimator{sketch: sketch, precision: precision}, nil
}

// MustNew is New for precisions already validated by configuration.
func MustNew(precision uint8) *Estimator {
	e, err := New(precision)
	if err != nil {
		panic(err)
	}
	return e
}

// Add folds a 64-bit fingerprint into the set. Re-adding a value is a no-op
// for the estimate.
func (e *Estimator) Add(hash uint64) {
	binary.LittleEndian.PutUint64(e.buf[:], hash)
	e.sketch.Insert(e.buf[:])
}

// Precision returns the register count exponent.
func (e *Estimator) Precision() uint8 {
	return e.precision
}

// Cardinality returns the current distinct-count estimate.
func (e *Estimator) Cardinality() uint64 {
	return e.sketch.Estimate()
}

// Serialize encodes the register state.
func (e *Estimator) Serialize() ([]byte, error) {
	data, err := e.sketch.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("estimator: serialize: %w", err)
	}
	return data, nil
}

// Deserialize decodes bytes produced by Serialize. Any malformed input yields
// a *CorruptEstimatorError.
func Deserialize(data []byte) (est *Estimator, err error) {
	if len(data) == 0 {
		return nil, &CorruptEstimatorError{Size: 0, Reason: "empty snapshot"}
	}

	// The sketch decoder indexes into data without bounds checks on some paths.
	defer func() {
		if r := recover(); r != nil {
			est = nil
			err = &CorruptEstimatorError{Size: len(data), Reason: fmt.Sprint(r)}
		}
	}()

	sketch := new(hyperloglog.Sketch)
	if uerr := sketch.UnmarshalBinary(data); uerr != nil {
		return nil, &CorruptEstimatorError{Size: len(data), Reason: uerr.Error()}
	}
	// Force a full decode so truncated register data fails here and not later.
	sketch.Estimate()
	// Byte 1 of the encoding holds the precision.
	return &Estimator{sketch: sketch, precision: data[1]}, nil
}

// Merge unions other into e. Both estimators must share a precision.
func (e *Estimator) Merge(other *Estimator) error {
	if other == nil {
		return nil
	}
	if err := e.sketch.Merge(other.sketch); err != nil {
		return fmt.Errorf("estimator: merge: %w", err)
	}
	return nil
}

// Clone returns an independent copy.
func (e *Estimator) Clone() *Estimator {
	return &Estimator{sketch: e.sketch.Clone(), precision: e.precision}
}

// FromSnapshot restores an estimator from stored bytes. Missing bytes give an
// empty estimator. Corrupt bytes, and snapshots written with a different
// precision (which could never be merged), are logged and replaced by an
// empty one so the caller can keep going. reset reports whether stored data
// was discarded.
func FromSnapshot(data []byte, precision uint8, logger *slog.Logger) (est *Estimator, reset bool) {
	if len(data) == 0 {
		return MustNew(precision), false
	}

	est, err := Deserialize(data)
	if err != nil {
		if logger != nil {
			logger.Warn("Discarding corrupt estimator snapshot", slog.Any("error", err))
		}
		return MustNew(precision), true
	}
	if est.precision != precision {
		if logger != nil {
			logger.Warn("Discarding estimator snapshot with a different precision",
				slog.Int("snapshot_precision", int(est.precision)),
				slog.Int("configured_precision", int(precision)))
		}
		return MustNew(precision), true
	}
	return est, false
}
