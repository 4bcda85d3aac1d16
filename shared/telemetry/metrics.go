package telemetry

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the instruments of the saga coordinator. Instruments are
// created once; recording is safe for concurrent use.
type Metrics struct {
	transitions     metric.Int64Counter
	replies         metric.Int64Counter
	timeouts        metric.Int64Counter
	outboxPublished metric.Int64Counter
	outboxFailed    metric.Int64Counter
	outboxLag       metric.Float64Histogram
	httpRequests    metric.Int64Counter
	httpDuration    metric.Float64Histogram
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)

	if m.transitions, err = meter.Int64Counter("saga_transitions_total",
		metric.WithDescription("Saga status transitions")); err != nil {
		return nil, errors.Wrap(err, "saga_transitions_total")
	}
	if m.replies, err = meter.Int64Counter("saga_replies_total",
		metric.WithDescription("Participant replies by step and outcome")); err != nil {
		return nil, errors.Wrap(err, "saga_replies_total")
	}
	if m.timeouts, err = meter.Int64Counter("saga_timeouts_total",
		metric.WithDescription("Stalled steps found by the supervisor")); err != nil {
		return nil, errors.Wrap(err, "saga_timeouts_total")
	}
	if m.outboxPublished, err = meter.Int64Counter("outbox_published_total",
		metric.WithDescription("Outbox messages acknowledged by the broker")); err != nil {
		return nil, errors.Wrap(err, "outbox_published_total")
	}
	if m.outboxFailed, err = meter.Int64Counter("outbox_publish_failures_total",
		metric.WithDescription("Outbox publish attempts rejected by the broker")); err != nil {
		return nil, errors.Wrap(err, "outbox_publish_failures_total")
	}
	if m.outboxLag, err = meter.Float64Histogram("outbox_dispatch_lag_seconds",
		metric.WithDescription("Time between outbox write and broker ack"),
		metric.WithUnit("s")); err != nil {
		return nil, errors.Wrap(err, "outbox_dispatch_lag_seconds")
	}
	if m.httpRequests, err = meter.Int64Counter("http_requests_total",
		metric.WithDescription("Total HTTP requests")); err != nil {
		return nil, errors.Wrap(err, "http_requests_total")
	}
	if m.httpDuration, err = meter.Float64Histogram("http_request_duration_seconds",
		metric.WithDescription("HTTP request duration"),
		metric.WithUnit("s")); err != nil {
		return nil, errors.Wrap(err, "http_request_duration_seconds")
	}

	return &m, nil
}

// NewNoopMetrics returns instruments that discard every measurement
func NewNoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter("noop"))
	return m
}

func (m *Metrics) Transition(ctx context.Context, from, to string) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// Reply records an inbound reply; outcome is one of applied, duplicate, unknown, conflict, forced
func (m *Metrics) Reply(ctx context.Context, step string, success bool, outcome string) {
	m.replies.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step", step),
		attribute.Bool("success", success),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) Timeout(ctx context.Context, status string, exhausted bool) {
	m.timeouts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
		attribute.Bool("exhausted", exhausted),
	))
}

func (m *Metrics) Published(ctx context.Context, topic string, lag time.Duration) {
	attrs := metric.WithAttributes(attribute.String("topic", topic))
	m.outboxPublished.Add(ctx, 1, attrs)
	m.outboxLag.Record(ctx, lag.Seconds(), attrs)
}

func (m *Metrics) PublishFailed(ctx context.Context, topic string) {
	m.outboxFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *Metrics) HTTPRequest(ctx context.Context, method, route string, statusCode int, duration time.Duration) {
	m.httpRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("status_code", statusCode),
		attribute.String("status_class", statusClass(statusCode)),
	))
	m.httpDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.String("status_class", statusClass(statusCode)),
	))
}

func statusClass(statusCode int) string {
	switch {
	case statusCode >= 100 && statusCode < 200:
		return "1xx"
	case statusCode >= 200 && statusCode < 300:
		return "2xx"
	case statusCode >= 300 && statusCode < 400:
		return "3xx"
	case statusCode >= 400 && statusCode < 500:
		return "4xx"
	case statusCode >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
