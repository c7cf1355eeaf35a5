// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package manager coordinates human-interaction requests: it creates them,
// delivers them through providers, tracks their lifecycle and multi-turn
// conversations, and hands terminal outcomes back to waiting callers.
//
// A request moves from pending to exactly one terminal status (responded,
// timeout, cancelled or error) and never changes again. All transitions go
// through a per-request lock and the store's compare-and-set, so a response
// racing a timeout or a cancellation produces a single winner.
package manager

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/jllopis/humanloop/pkg/core"
	"github.com/jllopis/humanloop/pkg/errors"
	"github.com/jllopis/humanloop/pkg/provider"
	"github.com/jllopis/humanloop/pkg/resilience"
	"github.com/jllopis/humanloop/pkg/scheduler"
	"github.com/jllopis/humanloop/pkg/store"
	"github.com/jllopis/humanloop/pkg/telemetry"
)

// Defaults applied when no option overrides them.
const (
	DefaultTimeout      = 300 * time.Second
	DefaultPollInterval = 2 * time.Second
)

// Manager is the human-interaction request manager. It is safe for
// concurrent use.
type Manager struct {
	store    store.Store
	registry *provider.Registry
	timeouts *scheduler.Timeouts
	locks    *keyedMutex

	log            *slog.Logger
	tracer         trace.Tracer
	emitter        core.EventEmitter
	metrics        *telemetry.Metrics
	retry          resilience.RetryConfig
	breakerConfig  resilience.CircuitBreakerConfig
	pollInterval   time.Duration
	defaultTimeout time.Duration
	fetchLimiter   *rate.Limiter
	now            func() time.Time

	mu       sync.Mutex
	waiters  map[string]chan struct{}
	breakers map[string]*resilience.CircuitBreaker
}

// New creates a manager on top of st.
func New(st store.Store, opts ...Option) (*Manager, error) {
	if st == nil {
		return nil, errors.New(errors.CodeInvalidInput, "store is required", nil)
	}
	m := &Manager{
		store:          st,
		registry:       provider.NewRegistry(),
		locks:          newKeyedMutex(),
		log:            slog.Default(),
		tracer:         otel.Tracer("humanloop/manager"),
		emitter:        core.NoopEventEmitter{},
		retry:          resilience.DefaultRetryConfig(),
		breakerConfig:  resilience.CircuitBreakerConfig{FailureThreshold: 5, Timeout: 30 * time.Second},
		pollInterval:   DefaultPollInterval,
		defaultTimeout: DefaultTimeout,
		fetchLimiter:   rate.NewLimiter(rate.Inf, 1),
		now:            func() time.Time { return time.Now().UTC() },
		waiters:        make(map[string]chan struct{}),
		breakers:       make(map[string]*resilience.CircuitBreaker),
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	m.timeouts = scheduler.NewTimeouts(m.onDeadline, scheduler.WithNow(m.now))
	return m, nil
}

// RegisterProvider adds a channel. The first provider registered becomes
// the default channel. Push providers are bound to the manager so they can
// report answers through Resolve.
func (m *Manager) RegisterProvider(p provider.Provider) error {
	if err := m.registry.Register(p); err != nil {
		return err
	}
	if binder, ok := p.(provider.Binder); ok {
		binder.Bind(m)
	}
	m.log.Info("manager.provider.registered",
		slog.String("channel", p.Name()),
		slog.String("mode", string(p.Mode())),
	)
	return nil
}

// SetDefaultChannel selects the channel used when a request names none.
func (m *Manager) SetDefaultChannel(channel string) error {
	return m.registry.SetDefault(channel)
}

// DefaultChannel returns the default channel name.
func (m *Manager) DefaultChannel() string {
	return m.registry.Default()
}

// Providers lists the registered channel names.
func (m *Manager) Providers() []string {
	return m.registry.Names()
}

// Close disarms every pending deadline. Requests stay in the store; a new
// manager can pick them up again with Rearm.
func (m *Manager) Close() {
	m.timeouts.Stop()
}

// Health checks the store, every provider that can be pinged, and the
// delivery breakers.
func (m *Manager) Health(ctx context.Context) ([]core.HealthResult, core.HealthStatus) {
	registry := core.NewHealthRegistry()
	registry.Register("store", core.PingChecker(m.store.Ping))
	for _, p := range m.registry.All() {
		name := p.Name()
		breaker := m.breaker(name)
		pinger, canPing := p.(interface{ Ping(context.Context) error })
		registry.Register("provider."+name, core.HealthCheckFunc(func(ctx context.Context) core.HealthResult {
			if canPing {
				if err := pinger.Ping(ctx); err != nil {
					return core.HealthResult{Status: core.HealthUnhealthy, Message: err.Error(), Error: err}
				}
			}
			switch breaker.State() {
			case resilience.StateOpen:
				return core.HealthResult{Status: core.HealthDegraded, Message: "delivery circuit open"}
			case resilience.StateHalfOpen:
				return core.HealthResult{Status: core.HealthDegraded, Message: "delivery circuit half-open"}
			}
			return core.HealthResult{Status: core.HealthHealthy, Message: "ok"}
		}))
	}
	return registry.CheckAll(ctx)
}

func (m *Manager) breaker(channel string) *resilience.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	cb, ok := m.breakers[channel]
	if !ok {
		cfg := m.breakerConfig
		cfg.Name = channel
		cb = resilience.NewCircuitBreaker(cfg)
		m.breakers[channel] = cb
	}
	return cb
}

// waiter returns the channel closed when id reaches a terminal status.
func (m *Manager) waiter(id string) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.waiters[id]
	if !ok {
		ch = make(chan struct{})
		m.waiters[id] = ch
	}
	return ch
}

func (m *Manager) notify(id string) {
	m.mu.Lock()
	ch, ok := m.waiters[id]
	delete(m.waiters, id)
	m.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (m *Manager) emit(ctx context.Context, events []core.Event) {
	for _, ev := range events {
		m.emitter.Emit(ctx, ev)
	}
}
