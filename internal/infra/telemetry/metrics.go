package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Instrument names.
const (
	MetricOrders           = "dexroute_orders_total"
	MetricPipelineDuration = "dexroute_pipeline_duration_seconds"
	MetricVenueRequests    = "dexroute_venue_requests_total"
	MetricVenueLatency     = "dexroute_venue_latency_seconds"
	MetricJobs             = "dexroute_jobs_total"
	MetricNotifications    = "dexroute_notifications_total"
	MetricWSConnections    = "dexroute_ws_connections"
)

// Metrics bundles the dexroute instruments. A nil *Metrics records nothing.
type Metrics struct {
	env string

	orders        metric.Int64Counter
	pipelineDur   metric.Float64Histogram
	venueRequests metric.Int64Counter
	venueLatency  metric.Float64Histogram
	jobs          metric.Int64Counter
	notifications metric.Int64Counter
	connections   metric.Int64UpDownCounter
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{env: Environment()}
	var err error
	if m.orders, err = meter.Int64Counter(MetricOrders,
		metric.WithDescription("Orders reaching a terminal status"),
		metric.WithUnit("{order}")); err != nil {
		return nil, err
	}
	if m.pipelineDur, err = meter.Float64Histogram(MetricPipelineDuration,
		metric.WithDescription("Pipeline run duration"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.venueRequests, err = meter.Int64Counter(MetricVenueRequests,
		metric.WithDescription("Venue quote and execute calls"),
		metric.WithUnit("{request}")); err != nil {
		return nil, err
	}
	if m.venueLatency, err = meter.Float64Histogram(MetricVenueLatency,
		metric.WithDescription("Venue call latency"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.jobs, err = meter.Int64Counter(MetricJobs,
		metric.WithDescription("Queue job outcomes"),
		metric.WithUnit("{job}")); err != nil {
		return nil, err
	}
	if m.notifications, err = meter.Int64Counter(MetricNotifications,
		metric.WithDescription("Status notifications by delivery result"),
		metric.WithUnit("{message}")); err != nil {
		return nil, err
	}
	if m.connections, err = meter.Int64UpDownCounter(MetricWSConnections,
		metric.WithDescription("Open websocket subscriptions"),
		metric.WithUnit("{connection}")); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordOrder records a terminal pipeline outcome.
func (m *Metrics) RecordOrder(ctx context.Context, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(OrderAttributes(m.env, status)...)
	m.orders.Add(ctx, 1, attrs)
	m.pipelineDur.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordVenue records one venue call.
func (m *Metrics) RecordVenue(ctx context.Context, venue, operation, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(VenueAttributes(m.env, venue, operation, result)...)
	m.venueRequests.Add(ctx, 1, attrs)
	m.venueLatency.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordJob records a job settlement.
func (m *Metrics) RecordJob(ctx context.Context, queue, result string) {
	if m == nil {
		return
	}
	m.jobs.Add(ctx, 1, metric.WithAttributes(JobAttributes(m.env, queue, result)...))
}

// RecordNotification records one notification attempt.
func (m *Metrics) RecordNotification(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.notifications.Add(ctx, 1, metric.WithAttributes(ResultAttributes(m.env, result)...))
}

// AdjustConnections moves the open subscription gauge by delta.
func (m *Metrics) AdjustConnections(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.connections.Add(ctx, delta, metric.WithAttributes(AttrEnvironment.String(m.env)))
}
