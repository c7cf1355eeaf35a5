// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jllopis/humanloop/pkg/core"
)

// Metrics holds the manager instruments. A nil *Metrics records nothing.
type Metrics struct {
	created   metric.Int64Counter
	completed metric.Int64Counter
	conflicts metric.Int64Counter
	retries   metric.Int64Counter
	failures  metric.Int64Counter
	pending   metric.Int64UpDownCounter
	latencyMs metric.Float64Histogram
}

// NewMetrics creates the instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter("humanloop/manager"))
}

// NewMetricsWithMeter creates the instruments on meter.
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.created, err = meter.Int64Counter("humanloop.requests.created",
		metric.WithDescription("Requests created by kind and channel")); err != nil {
		return nil, err
	}
	if m.completed, err = meter.Int64Counter("humanloop.requests.completed",
		metric.WithDescription("Terminal transitions by status")); err != nil {
		return nil, err
	}
	if m.conflicts, err = meter.Int64Counter("humanloop.requests.conflicts",
		metric.WithDescription("Transitions rejected because the request was already terminal")); err != nil {
		return nil, err
	}
	if m.retries, err = meter.Int64Counter("humanloop.delivery.retries",
		metric.WithDescription("Delivery retries by channel")); err != nil {
		return nil, err
	}
	if m.failures, err = meter.Int64Counter("humanloop.delivery.failures",
		metric.WithDescription("Deliveries that failed for good, by channel and error code")); err != nil {
		return nil, err
	}
	if m.pending, err = meter.Int64UpDownCounter("humanloop.requests.pending",
		metric.WithDescription("Requests waiting for a human")); err != nil {
		return nil, err
	}
	if m.latencyMs, err = meter.Float64Histogram("humanloop.response.latency_ms",
		metric.WithDescription("Time from creation to terminal transition"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return m, nil
}

// RequestCreated records a new pending request.
func (m *Metrics) RequestCreated(ctx context.Context, req *core.Request) {
	if m == nil || req == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrRequestKind, string(req.Kind)),
		attribute.String(AttrChannel, req.Channel),
	)
	m.created.Add(ctx, 1, attrs)
	m.pending.Add(ctx, 1, attrs)
}

// RequestCompleted records a terminal transition and its latency.
func (m *Metrics) RequestCompleted(ctx context.Context, req *core.Request) {
	if m == nil || req == nil {
		return
	}
	m.pending.Add(ctx, -1, metric.WithAttributes(
		attribute.String(AttrRequestKind, string(req.Kind)),
		attribute.String(AttrChannel, req.Channel),
	))
	attrs := metric.WithAttributes(
		attribute.String(AttrRequestKind, string(req.Kind)),
		attribute.String(AttrChannel, req.Channel),
		attribute.String(AttrRequestStatus, string(req.Status)),
	)
	m.completed.Add(ctx, 1, attrs)
	if !req.CompletedAt.IsZero() && !req.CreatedAt.IsZero() {
		m.latencyMs.Record(ctx, float64(req.CompletedAt.Sub(req.CreatedAt))/float64(time.Millisecond), attrs)
	}
}

// Conflict records a rejected transition on a terminal request.
func (m *Metrics) Conflict(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	m.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrOperation, operation)))
}

// DeliveryRetry records a delivery retry on channel.
func (m *Metrics) DeliveryRetry(ctx context.Context, channel string, attempt int) {
	if m == nil {
		return
	}
	m.retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrChannel, channel),
		attribute.Int(AttrAttempt, attempt),
	))
}

// DeliveryFailed records a delivery that gave up.
func (m *Metrics) DeliveryFailed(ctx context.Context, channel, code string) {
	if m == nil {
		return
	}
	m.failures.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrChannel, channel),
		attribute.String(AttrErrorCode, code),
	))
}
