package stats

import (
	"errors"
	"fmt"
)

// ErrNotFound means the day had no recorded traffic, is older than anything
// stored, or lies in the future.
var ErrNotFound = errors.New("stats: no statistics for date")

// InvalidRangeError reports a date range or window the caller got wrong.
type InvalidRangeError struct {
	Start  string
	End    string
	Reason string
}

func (e *InvalidRangeError) Error() string {
	if e.Start == "" && e.End == "" {
		return "invalid range: " + e.Reason
	}
	return fmt.Sprintf("invalid range %s..%s: %s", e.Start, e.End, e.Reason)
}

// StorageUnavailableError wraps a read failure from one of the storage tiers.
type StorageUnavailableError struct {
	Tier string // "cache" or "database"
	Op   string
	Err  error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable during %s: %v", e.Tier, e.Op, e.Err)
}

func (e *StorageUnavailableError) Unwrap() error {
	return e.Err
}

func cacheErr(op string, err error) error {
	return &StorageUnavailableError{Tier: "cache", Op: op, Err: err}
}

func databaseErr(op string, err error) error {
	return &StorageUnavailableError{Tier: "database", Op: op, Err: err}
}
