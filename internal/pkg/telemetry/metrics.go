// Package telemetry holds the OpenTelemetry instruments shared by the write
// path and the reconciler. Instruments come from the global meter provider,
// which records nothing until a process installs an SDK provider.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "visitstats"

// Metrics holds the visit engine's counters.
type Metrics struct {
	PageViewsRecorded metric.Int64Counter
	DegradedWrites    metric.Int64Counter
	ReconcileRuns     metric.Int64Counter
	HotKeysPurged     metric.Int64Counter
}

var (
	instruments Metrics
	once        sync.Once
)

// Get returns the process-wide instruments, creating them on first use.
func Get() Metrics {
	once.Do(func() {
		meter := otel.Meter(meterName)
		recorded, _ := meter.Int64Counter("visitstats_pageviews_recorded_total",
			metric.WithDescription("Page views accepted by the recorder"))
		degraded, _ := meter.Int64Counter("visitstats_degraded_writes_total",
			metric.WithDescription("Write-path operations that failed and were absorbed"))
		runs, _ := meter.Int64Counter("visitstats_reconcile_runs_total",
			metric.WithDescription("Background job executions by job and outcome"))
		purged, _ := meter.Int64Counter("visitstats_hot_keys_purged_total",
			metric.WithDescription("Hot-tier keys deleted by retention cleanup"))
		instruments = Metrics{
			PageViewsRecorded: recorded,
			DegradedWrites:    degraded,
			ReconcileRuns:     runs,
			HotKeysPurged:     purged,
		}
	})
	return instruments
}

// Degraded counts one absorbed failure against tier ("cache" or "database").
func (m Metrics) Degraded(ctx context.Context, tier, op string) {
	m.DegradedWrites.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("op", op),
	))
}

// JobRun counts one job execution.
func (m Metrics) JobRun(ctx context.Context, job, outcome string) {
	m.ReconcileRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job", job),
		attribute.String("outcome", outcome),
	))
}

// Purged counts hot-tier keys removed by retention cleanup.
func (m Metrics) Purged(ctx context.Context, n int64) {
	if n > 0 {
		m.HotKeysPurged.Add(ctx, n)
	}
}
