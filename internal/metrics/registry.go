package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Registry holds the metrics emitted by the focus manager's worker loop.
type Registry struct {
	meter metric.Meter

	// Event processing
	EventsProcessed      metric.Int64Counter
	EventQueueDepth      metric.Int64ObservableGauge
	EventDispatchLatency metric.Float64Histogram

	// Hand-off lifecycle
	HandoffsStarted  metric.Int64Counter
	HandoffsReleased metric.Int64Counter
	HandoffsTimedOut metric.Int64Counter
	HandoffDuration  metric.Float64Histogram

	// Sync reads and anomalies
	SyncReadTimeouts metric.Int64Counter
	AnomalyReports   metric.Int64Counter

	mu        sync.RWMutex
	queueDepth int64
}

// NewRegistry creates a new metrics registry bound to the given meter name.
func NewRegistry(meterName string) (*Registry, error) {
	meter := otel.Meter(meterName)
	r := &Registry{meter: meter}

	if err := r.initEventMetrics(); err != nil {
		return nil, err
	}
	if err := r.initHandoffMetrics(); err != nil {
		return nil, err
	}
	if err := r.initSyncMetrics(); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *Registry) initEventMetrics() error {
	var err error

	r.EventsProcessed, err = r.meter.Int64Counter(
		"focus.events_processed_total",
		metric.WithDescription("Total number of events dispatched by the focus worker"),
	)
	if err != nil {
		return err
	}

	r.EventQueueDepth, err = r.meter.Int64ObservableGauge(
		"focus.event_queue_depth",
		metric.WithDescription("Current number of events waiting in the FIFO queue"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.queueDepth)
			return nil
		}),
	)
	if err != nil {
		return err
	}

	r.EventDispatchLatency, err = r.meter.Float64Histogram(
		"focus.event_dispatch_latency",
		metric.WithDescription("Time spent inside a single event handler"),
		metric.WithUnit("us"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 50, 100, 500, 1000, 5000),
	)
	return err
}

func (r *Registry) initHandoffMetrics() error {
	var err error

	r.HandoffsStarted, err = r.meter.Int64Counter(
		"focus.handoffs_started_total",
		metric.WithDescription("Total number of cross-provider hand-offs started"),
	)
	if err != nil {
		return err
	}

	r.HandoffsReleased, err = r.meter.Int64Counter(
		"focus.handoffs_released_total",
		metric.WithDescription("Total number of hand-offs completed via voluntary release"),
	)
	if err != nil {
		return err
	}

	r.HandoffsTimedOut, err = r.meter.Int64Counter(
		"focus.handoffs_timed_out_total",
		metric.WithDescription("Total number of hand-offs completed via the 5000ms forced-release timeout"),
	)
	if err != nil {
		return err
	}

	r.HandoffDuration, err = r.meter.Float64Histogram(
		"focus.handoff_duration",
		metric.WithDescription("Time from hand-off start to resolution"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 10, 50, 100, 500, 1000, 5000, 6000),
	)
	return err
}

func (r *Registry) initSyncMetrics() error {
	var err error

	r.SyncReadTimeouts, err = r.meter.Int64Counter(
		"focus.sync_read_timeouts_total",
		metric.WithDescription("Total number of off-thread CurrentFocusCall reads that exceeded the 1000ms bound"),
	)
	if err != nil {
		return err
	}

	r.AnomalyReports, err = r.meter.Int64Counter(
		"focus.anomaly_reports_total",
		metric.WithDescription("Total number of anomaly reports emitted when the feature flag is enabled"),
	)
	return err
}

// SetQueueDepth records the current FIFO depth for the observable gauge.
func (r *Registry) SetQueueDepth(depth int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queueDepth = int64(depth)
}

// RecordHandoffDuration is a convenience wrapper around the histogram that
// accepts a time.Duration instead of a raw float64.
func (r *Registry) RecordHandoffDuration(ctx context.Context, d time.Duration) {
	r.HandoffDuration.Record(ctx, float64(d.Milliseconds()))
}
