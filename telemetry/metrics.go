// Package telemetry provides the OpenTelemetry metric instruments this
// module's façade and engine record against, exported either through a
// Prometheus /metrics handler or, absent that, a no-op periodic reader so
// instrument creation never depends on whether export is configured.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const meterName = "github.com/wolfeidau/diskcache"

// Config configures the metrics system.
type Config struct {
	// ServiceName is the name attached to emitted resource attributes.
	ServiceName string

	// EnablePrometheus enables the Prometheus /metrics handler returned by
	// PrometheusHandler. If false, instruments are still created and
	// recorded against but collected by a no-op reader.
	EnablePrometheus bool

	// FlushInterval governs the no-op reader's collection cadence. Default
	// 10s. Irrelevant when a Prometheus reader is in use, since Prometheus
	// scrapes on its own schedule.
	FlushInterval time.Duration
}

// Metrics holds the instruments this module records against.
type Metrics struct {
	entries metric.Int64UpDownCounter
	bytes   metric.Int64UpDownCounter

	savesTotal   metric.Int64Counter
	removesTotal metric.Int64Counter

	evictionsTotal        metric.Int64Counter
	evictionBytesTotal    metric.Int64Counter
	integrityRepairsTotal metric.Int64Counter

	degradedTransitionsTotal metric.Int64Counter

	trimRunDuration metric.Float64Histogram
	trimRunsTotal   metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	initOnce      sync.Once
	initErr       error
	globalMetrics *Metrics
)

// Init builds the global Metrics instance exactly once per process and
// returns a shutdown func. Subsequent calls return the same shutdown func
// and the error (if any) from the first call.
func Init(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInit(ctx, cfg)
	})
	if initErr != nil {
		return nil, initErr
	}
	return Shutdown, nil
}

func doInit(_ context.Context, cfg Config) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "diskcache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return err
	}

	var reader sdkmetric.Reader
	var promHandler http.Handler
	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		reader = promExp
		promHandler = promhttp.Handler()
	} else {
		reader = sdkmetric.NewPeriodicReader(noopExporter{}, sdkmetric.WithInterval(cfg.FlushInterval))
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(mp)
	meter := mp.Meter(meterName)

	entries, err := meter.Int64UpDownCounter(
		"diskcache_entries",
		metric.WithDescription("Current number of entries in the manifest"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	bytes, err := meter.Int64UpDownCounter(
		"diskcache_bytes",
		metric.WithDescription("Current total size of cached entries"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	savesTotal, err := meter.Int64Counter(
		"diskcache_saves_total",
		metric.WithDescription("Total number of save operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return err
	}

	removesTotal, err := meter.Int64Counter(
		"diskcache_removes_total",
		metric.WithDescription("Total number of remove operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return err
	}

	evictionsTotal, err := meter.Int64Counter(
		"diskcache_evictions_total",
		metric.WithDescription("Total number of entries evicted, by reason"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	evictionBytesTotal, err := meter.Int64Counter(
		"diskcache_eviction_bytes_total",
		metric.WithDescription("Total bytes freed by eviction, by reason"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	integrityRepairsTotal, err := meter.Int64Counter(
		"diskcache_integrity_repairs_total",
		metric.WithDescription("Total number of rows repaired after a missing blob file was detected"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
		return err
	}

	degradedTransitionsTotal, err := meter.Int64Counter(
		"diskcache_degraded_transitions_total",
		metric.WithDescription("Total number of index open-failure transitions into the degraded state"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return err
	}

	trimRunDuration, err := meter.Float64Histogram(
		"diskcache_trim_run_duration_seconds",
		metric.WithDescription("Duration of an auto-trim pass"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10),
	)
	if err != nil {
		return err
	}

	trimRunsTotal, err := meter.Int64Counter(
		"diskcache_trim_runs_total",
		metric.WithDescription("Total number of auto-trim passes"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		entries:                  entries,
		bytes:                    bytes,
		savesTotal:               savesTotal,
		removesTotal:             removesTotal,
		evictionsTotal:           evictionsTotal,
		evictionBytesTotal:       evictionBytesTotal,
		integrityRepairsTotal:    integrityRepairsTotal,
		degradedTransitionsTotal: degradedTransitionsTotal,
		trimRunDuration:          trimRunDuration,
		trimRunsTotal:            trimRunsTotal,
		meterProvider:            mp,
		promHandler:              promHandler,
	}
	return nil
}

// Shutdown flushes and shuts down the global meter provider, clearing the
// global state so a later Init (in a fresh process) can succeed again.
func Shutdown(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// PrometheusHandler returns the /metrics handler, or nil if Prometheus
// export was not enabled.
func PrometheusHandler() http.Handler {
	if globalMetrics == nil {
		return nil
	}
	return globalMetrics.promHandler
}

// RecordSave records a save operation and the entries/bytes delta it
// caused (deltaEntries is usually 0 or 1; deltaBytes may be negative when
// a save replaces a larger prior value).
func RecordSave(ctx context.Context, deltaEntries int64, deltaBytes int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.savesTotal.Add(ctx, 1)
	globalMetrics.entries.Add(ctx, deltaEntries)
	globalMetrics.bytes.Add(ctx, deltaBytes)
}

// RecordRemove records a remove operation and the entries/bytes it freed.
func RecordRemove(ctx context.Context, count int64, freedBytes int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.removesTotal.Add(ctx, 1)
	globalMetrics.entries.Add(ctx, -count)
	globalMetrics.bytes.Add(ctx, -freedBytes)
}

// RecordEviction records count entries evicted for reason (the engine uses
// "size", "age", "lru", "all" and "all-with-progress"), freeing freedBytes.
func RecordEviction(ctx context.Context, reason string, count int64, freedBytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("reason", reason))
	globalMetrics.evictionsTotal.Add(ctx, count, attrs)
	globalMetrics.evictionBytesTotal.Add(ctx, freedBytes, attrs)
	globalMetrics.entries.Add(ctx, -count)
	globalMetrics.bytes.Add(ctx, -freedBytes)
}

// RecordIntegrityRepair records that a row was deleted because its
// referenced blob file was missing.
func RecordIntegrityRepair(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.integrityRepairsTotal.Add(ctx, 1)
}

// RecordDegradedTransition records the index transitioning into the
// degraded state after an open failure.
func RecordDegradedTransition(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.degradedTransitionsTotal.Add(ctx, 1)
}

// RecordTrimRun records one auto-trim pass's duration.
func RecordTrimRun(ctx context.Context, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.trimRunsTotal.Add(ctx, 1)
	globalMetrics.trimRunDuration.Record(ctx, duration.Seconds())
}

// noopExporter discards every export; used when Prometheus is disabled so
// instrument creation never has to special-case "no reader configured".
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(k sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(k)
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error { return nil }

func (noopExporter) ForceFlush(_ context.Context) error { return nil }

func (noopExporter) Shutdown(_ context.Context) error { return nil }
