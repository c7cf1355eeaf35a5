// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Expirer is implemented by components that can expire overdue requests.
type Expirer interface {
	ExpireOverdue(ctx context.Context) (int, error)
}

// Reaper is implemented by components that drop completed records.
type Reaper interface {
	Reap(ctx context.Context, olderThan time.Duration) (int, error)
}

// SweeperConfig configures a Sweeper.
type SweeperConfig struct {
	// Interval between sweeps. Zero disables the sweeper.
	Interval time.Duration
	// Timeout bounds a single sweep. Zero means no timeout.
	Timeout time.Duration
	// Retention is how long completed records are kept. Zero disables reaping.
	Retention time.Duration
	Logger    *slog.Logger
}

// Sweeper periodically expires overdue requests and reaps old ones.
type Sweeper struct {
	config   SweeperConfig
	expirers []Expirer
	reaper   Reaper
	log      *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a sweeper. Register expirers before calling Start.
func NewSweeper(config SweeperConfig) *Sweeper {
	log := config.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{config: config, log: log}
}

// AddExpirer registers an expirer to be swept on the configured interval.
func (s *Sweeper) AddExpirer(expirer Expirer) {
	if expirer == nil {
		return
	}
	s.expirers = append(s.expirers, expirer)
}

// SetReaper registers the component that drops completed records.
func (s *Sweeper) SetReaper(reaper Reaper) {
	s.reaper = reaper
}

// Start launches the sweep loop. It is a no-op when the sweeper is disabled.
func (s *Sweeper) Start(ctx context.Context) {
	if s.config.Interval <= 0 || (len(s.expirers) == 0 && s.reaper == nil) {
		s.log.Info("scheduler.sweeper.disabled",
			slog.Duration("interval", s.config.Interval),
			slog.Int("expirers", len(s.expirers)),
		)
		return
	}
	s.Stop()
	initSweepMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.config.Interval)
		defer ticker.Stop()
		s.log.Info("scheduler.sweeper.start",
			slog.Duration("interval", s.config.Interval),
			slog.Int("expirers", len(s.expirers)),
			slog.Duration("retention", s.config.Retention),
		)
		for {
			select {
			case <-loopCtx.Done():
				s.log.Info("scheduler.sweeper.stop")
				return
			case <-ticker.C:
				s.SweepOnce(loopCtx)
			}
		}
	}()
}

// Stop halts the sweep loop and waits for it to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// SweepOnce runs every expirer concurrently, then the reaper. It returns the
// number of expired and reaped records.
func (s *Sweeper) SweepOnce(ctx context.Context) (expired, reaped int) {
	initSweepMetrics()
	sweepStart := time.Now()
	sweepCtx := ctx
	if s.config.Timeout > 0 {
		var cancel context.CancelFunc
		sweepCtx, cancel = context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
	}
	sweepCtx, sweepSpan := otel.Tracer("humanloop/scheduler").Start(sweepCtx, "scheduler.sweep",
		trace.WithAttributes(
			attribute.Int("expirers", len(s.expirers)),
			attribute.String("timeout", s.config.Timeout.String()),
		),
	)
	defer sweepSpan.End()
	traceID, spanID := traceIDs(sweepSpan)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, expirer := range s.expirers {
		g.Go(func() error {
			n := s.expire(sweepCtx, expirer)
			mu.Lock()
			expired += n
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if s.reaper != nil && s.config.Retention > 0 {
		n, err := s.reaper.Reap(sweepCtx, s.config.Retention)
		if err != nil {
			sweepErrorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", "reap")))
			sweepSpan.RecordError(err)
			s.log.Warn("scheduler.reap.error",
				slog.String("trace_id", traceID),
				slog.String("error", err.Error()),
			)
		} else {
			reaped = n
			if n > 0 {
				reapedCounter.Add(ctx, int64(n))
			}
		}
	}

	sweepSpan.SetAttributes(
		attribute.Int("expired", expired),
		attribute.Int("reaped", reaped),
	)
	s.log.Debug("scheduler.sweep.complete",
		slog.Int("expired", expired),
		slog.Int("reaped", reaped),
		slog.String("trace_id", traceID),
		slog.String("span_id", spanID),
	)
	sweepTotalLatencyMs.Record(ctx, float64(time.Since(sweepStart).Seconds()*1000))
	return expired, reaped
}

func (s *Sweeper) expire(ctx context.Context, expirer Expirer) int {
	expirerType := expirerName(expirer)
	expirerCtx, span := otel.Tracer("humanloop/scheduler").Start(ctx, "scheduler.expire",
		trace.WithAttributes(attribute.String("expirer", expirerType)),
	)
	defer span.End()
	start := time.Now()
	expired, err := expirer.ExpireOverdue(expirerCtx)
	durationMs := float64(time.Since(start).Seconds() * 1000)
	attrs := metric.WithAttributes(attribute.String("expirer", expirerType))
	sweepCounter.Add(ctx, 1, attrs)
	sweepLatencyMs.Record(ctx, durationMs, attrs)
	if err != nil {
		sweepErrorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", "expire")))
		span.RecordError(err)
		s.log.Warn("scheduler.expire.error",
			slog.String("expirer", expirerType),
			slog.Float64("duration_ms", durationMs),
			slog.String("error", err.Error()),
		)
		return 0
	}
	if expired > 0 {
		expiredCounter.Add(ctx, int64(expired), attrs)
		s.log.Info("scheduler.expire",
			slog.String("expirer", expirerType),
			slog.Int("expired", expired),
			slog.Float64("duration_ms", durationMs),
		)
	}
	span.SetAttributes(attribute.Int("expired", expired))
	return expired
}

var (
	sweepMetricsOnce    sync.Once
	sweepCounter        metric.Int64Counter
	sweepErrorCounter   metric.Int64Counter
	expiredCounter      metric.Int64Counter
	reapedCounter       metric.Int64Counter
	sweepLatencyMs      metric.Float64Histogram
	sweepTotalLatencyMs metric.Float64Histogram
)

func initSweepMetrics() {
	sweepMetricsOnce.Do(func() {
		meter := otel.Meter("humanloop/scheduler")
		sweepCounter, _ = meter.Int64Counter("humanloop.sweep.count")
		sweepErrorCounter, _ = meter.Int64Counter("humanloop.sweep.error.count")
		expiredCounter, _ = meter.Int64Counter("humanloop.sweep.expired.count")
		reapedCounter, _ = meter.Int64Counter("humanloop.sweep.reaped.count")
		sweepLatencyMs, _ = meter.Float64Histogram("humanloop.sweep.latency_ms")
		sweepTotalLatencyMs, _ = meter.Float64Histogram("humanloop.sweep.total_latency_ms")
	})
}

func expirerName(expirer Expirer) string {
	if expirer == nil {
		return "unknown"
	}
	return fmt.Sprintf("%T", expirer)
}

func traceIDs(span trace.Span) (string, string) {
	sc := span.SpanContext()
	return sc.TraceID().String(), sc.SpanID().String()
}
