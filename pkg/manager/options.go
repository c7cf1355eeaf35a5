// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/jllopis/humanloop/pkg/core"
	"github.com/jllopis/humanloop/pkg/errors"
	"github.com/jllopis/humanloop/pkg/resilience"
	"github.com/jllopis/humanloop/pkg/telemetry"
)

// Option configures a Manager.
type Option func(*Manager) error

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) error {
		if log != nil {
			m.log = log
		}
		return nil
	}
}

// WithRetry sets the delivery retry policy.
func WithRetry(rc resilience.RetryConfig) Option {
	return func(m *Manager) error {
		if rc.MaxAttempts < 1 {
			return errors.New(errors.CodeInvalidInput, "retry attempts must be at least 1", nil)
		}
		m.retry = rc
		return nil
	}
}

// WithPollInterval sets how often pull providers are polled while awaiting.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) error {
		if d <= 0 {
			return errors.New(errors.CodeInvalidInput, "poll interval must be positive", nil)
		}
		m.pollInterval = d
		return nil
	}
}

// WithDefaultTimeout sets the deadline applied when a request sets none.
// Zero disables the default deadline.
func WithDefaultTimeout(d time.Duration) Option {
	return func(m *Manager) error {
		if d < 0 {
			return errors.New(errors.CodeInvalidInput, "default timeout must not be negative", nil)
		}
		m.defaultTimeout = d
		return nil
	}
}

// WithEventEmitter receives lifecycle events.
func WithEventEmitter(emitter core.EventEmitter) Option {
	return func(m *Manager) error {
		if emitter != nil {
			m.emitter = emitter
		}
		return nil
	}
}

// WithMetrics records manager metrics.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(m *Manager) error {
		m.metrics = metrics
		return nil
	}
}

// WithFetchLimit caps how often pull providers are polled across all waiters.
func WithFetchLimit(limit rate.Limit, burst int) Option {
	return func(m *Manager) error {
		if burst < 1 {
			burst = 1
		}
		m.fetchLimiter = rate.NewLimiter(limit, burst)
		return nil
	}
}

// WithCircuitBreaker sets the per-channel delivery breaker configuration.
func WithCircuitBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(m *Manager) error {
		m.breakerConfig = cfg
		return nil
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) error {
		if now != nil {
			m.now = now
		}
		return nil
	}
}
