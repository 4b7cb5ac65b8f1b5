package recorder

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"visitstats/internal/estimator"
	"visitstats/internal/timeframe"
)

// flushFunc writes a batch of fingerprints for one day to durable storage.
type flushFunc func(ctx context.Context, day timeframe.Day, pending *estimator.Estimator) error

// mirrorTask buffers the fingerprints seen for one day since its last flush.
// scheduled is set by whichever writer arms the flush timer, so at most one
// timer per day is pending at a time.
type mirrorTask struct {
	day       timeframe.Day
	mu        sync.Mutex
	pending   *estimator.Estimator
	dirty     bool
	scheduled atomic.Bool
}

// mirrorRegistry owns the per-day tasks of the deferred estimator mirror.
type mirrorRegistry struct {
	mu        sync.Mutex
	tasks     map[timeframe.Day]*mirrorTask
	precision uint8
	debounce  time.Duration
	timeout   time.Duration
	flush     flushFunc
	logger    *slog.Logger
	closed    atomic.Bool
}

func newMirrorRegistry(precision uint8, debounce, timeout time.Duration, flush flushFunc, logger *slog.Logger) *mirrorRegistry {
	return &mirrorRegistry{
		tasks:     make(map[timeframe.Day]*mirrorTask),
		precision: precision,
		debounce:  debounce,
		timeout:   timeout,
		flush:     flush,
		logger:    logger,
	}
}

func (m *mirrorRegistry) task(day timeframe.Day) *mirrorTask {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[day]
	if !ok {
		t = &mirrorTask{day: day, pending: estimator.MustNew(m.precision)}
		m.tasks[day] = t
	}
	return t
}

// add buffers a fingerprint and arms the day's flush timer if none is pending.
func (m *mirrorRegistry) add(day timeframe.Day, hash uint64) {
	t := m.task(day)

	t.mu.Lock()
	t.pending.Add(hash)
	t.dirty = true
	t.mu.Unlock()

	m.arm(t)
}

func (m *mirrorRegistry) arm(t *mirrorTask) {
	if m.closed.Load() {
		return
	}
	if !t.scheduled.CompareAndSwap(false, true) {
		return
	}
	time.AfterFunc(m.debounce, func() {
		if m.closed.Load() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		if err := m.flushTask(ctx, t); err != nil {
			m.logger.Warn("Deferred visitor mirror failed, will retry",
				slog.String("date", t.day.String()),
				slog.Any("error", err))
		}
	})
}

// flushTask swaps out the day's buffer and writes it. On failure the batch is
// merged back so the next attempt carries it.
func (m *mirrorRegistry) flushTask(ctx context.Context, t *mirrorTask) error {
	t.mu.Lock()
	if !t.dirty {
		t.mu.Unlock()
		t.scheduled.Store(false)
		m.forget(t)
		return nil
	}
	batch := t.pending
	t.pending = estimator.MustNew(m.precision)
	t.dirty = false
	t.mu.Unlock()

	// Cleared before the write so fingerprints arriving meanwhile arm a new timer.
	t.scheduled.Store(false)

	err := m.flush(ctx, t.day, batch)
	if err == nil {
		m.forget(t)
		return nil
	}

	t.mu.Lock()
	if mergeErr := t.pending.Merge(batch); mergeErr != nil {
		err = errors.Join(err, mergeErr)
	}
	t.dirty = true
	t.mu.Unlock()
	m.arm(t)
	return err
}

// forget drops an idle task from the registry. A writer that still holds the
// task can keep using it; its own timer flushes it.
func (m *mirrorRegistry) forget(t *mirrorTask) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t.mu.Lock()
	idle := !t.dirty && !t.scheduled.Load()
	t.mu.Unlock()

	if idle && m.tasks[t.day] == t {
		delete(m.tasks, t.day)
	}
}

// flushAll writes every buffered day now.
func (m *mirrorRegistry) flushAll(ctx context.Context) error {
	m.mu.Lock()
	tasks := make([]*mirrorTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	m.mu.Unlock()

	var errs []error
	for _, t := range tasks {
		if err := m.flushTask(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// pendingDays returns how many days currently have buffered fingerprints.
func (m *mirrorRegistry) pendingDays() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

func (m *mirrorRegistry) close() {
	m.closed.Store(true)
}
