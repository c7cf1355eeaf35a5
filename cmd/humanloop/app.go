// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"io"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/jllopis/humanloop/pkg/config"
	"github.com/jllopis/humanloop/pkg/errors"
	"github.com/jllopis/humanloop/pkg/manager"
	"github.com/jllopis/humanloop/pkg/provider"
	"github.com/jllopis/humanloop/pkg/provider/httpapi"
	"github.com/jllopis/humanloop/pkg/provider/inproc"
	"github.com/jllopis/humanloop/pkg/provider/terminal"
	"github.com/jllopis/humanloop/pkg/resilience"
	"github.com/jllopis/humanloop/pkg/scheduler"
	"github.com/jllopis/humanloop/pkg/store"
	"github.com/jllopis/humanloop/pkg/telemetry"
)

// app is one wired manager with its store, channels and telemetry.
type app struct {
	log      *slog.Logger
	level    *slog.LevelVar
	store    store.Store
	manager  *manager.Manager
	closers  []io.Closer
	shutdown telemetry.ShutdownFunc
}

func (c *cli) newApp(ctx context.Context) (*app, error) {
	cfg := c.cfg
	a := &app{level: new(slog.LevelVar)}
	a.level.Set(telemetry.ParseLogLevel(cfg.Log.Level))
	a.log = telemetry.NewLoggerWithLevel(c.errOut, a.level, cfg.Log.Format)
	slog.SetDefault(a.log)

	shutdown, err := telemetry.InitWithConfig("humanloop", version, telemetryConfig(cfg.Telemetry))
	if err != nil {
		return nil, err
	}
	a.shutdown = shutdown

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.store = st

	metrics, err := telemetry.NewMetrics()
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	m, err := manager.New(st, append(managerOptions(cfg.Manager),
		manager.WithLogger(a.log),
		manager.WithMetrics(metrics),
	)...)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.manager = m

	providers := cfg.Providers
	if len(providers) == 0 {
		providers = []config.ProviderConfig{{Name: "terminal", Type: "terminal"}}
	}
	for _, pc := range providers {
		p, err := buildProvider(pc, c.in, c.out, a.log)
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		if closer, ok := p.(io.Closer); ok {
			a.closers = append(a.closers, closer)
		}
		if err := m.RegisterProvider(p); err != nil {
			a.Close(ctx)
			return nil, err
		}
	}
	if cfg.Manager.DefaultChannel != "" {
		if err := m.SetDefaultChannel(cfg.Manager.DefaultChannel); err != nil {
			a.Close(ctx)
			return nil, err
		}
	}
	return a, nil
}

// Close releases everything newApp acquired, in reverse order.
func (a *app) Close(ctx context.Context) {
	for _, closer := range a.closers {
		_ = closer.Close()
	}
	if a.manager != nil {
		a.manager.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("store.close.error", slog.String("error", err.Error()))
		}
	}
	if a.shutdown != nil {
		if err := a.shutdown(context.WithoutCancel(ctx)); err != nil {
			a.log.Warn("telemetry.shutdown.error", slog.String("error", err.Error()))
		}
	}
}

func (a *app) sweeper(cfg config.SweeperConfig) *scheduler.Sweeper {
	sw := scheduler.NewSweeper(scheduler.SweeperConfig{
		Interval:  cfg.Interval,
		Timeout:   cfg.Timeout,
		Retention: cfg.Retention,
		Logger:    a.log,
	})
	sw.AddExpirer(a.manager)
	sw.SetReaper(a.manager)
	return sw
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		st, err := store.OpenSQLite(cfg.SQLite.DSN)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "redis":
		st, err := store.OpenRedis(ctx, store.RedisOptions{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			PoolSize:  cfg.Redis.PoolSize,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	case "memory", "":
		return store.NewMemoryStore(), nil
	default:
		return nil, errors.Newf(errors.CodeInvalidInput, "unknown store driver %q", cfg.Driver)
	}
}

func buildProvider(pc config.ProviderConfig, in io.Reader, out io.Writer, log *slog.Logger) (provider.Provider, error) {
	switch pc.Type {
	case "terminal":
		opts := []terminal.Option{
			terminal.WithInput(in),
			terminal.WithOutput(out),
			terminal.WithLogger(log),
		}
		if pc.Prompt != "" {
			opts = append(opts, terminal.WithPrompt(pc.Prompt))
		}
		if pc.Operator != "" {
			opts = append(opts, terminal.WithOperator(pc.Operator))
		}
		return terminal.New(pc.Name, opts...), nil
	case "http":
		p, err := httpapi.New(httpapi.Config{
			Name:      pc.Name,
			BaseURL:   pc.BaseURL,
			Token:     pc.Token,
			RateLimit: pc.RateLimit,
			Burst:     pc.Burst,
			Timeout:   pc.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	case "inproc":
		mode := provider.ModePush
		if pc.Mode != "" {
			parsed, err := provider.ParseMode(pc.Mode)
			if err != nil {
				return nil, errors.New(errors.CodeInvalidInput, "provider "+pc.Name, err)
			}
			mode = parsed
		}
		return inproc.New(pc.Name, mode), nil
	default:
		return nil, errors.Newf(errors.CodeInvalidInput, "provider %q: unknown type %q", pc.Name, pc.Type)
	}
}

func managerOptions(cfg config.ManagerConfig) []manager.Option {
	retry := resilience.DefaultRetryConfig().WithMaxAttempts(cfg.RetryAttempts)
	if cfg.RetryDelay > 0 {
		retry = retry.WithInitialDelay(cfg.RetryDelay)
	}
	if cfg.RetryMaxDelay > 0 {
		retry = retry.WithMaxDelay(cfg.RetryMaxDelay)
	}
	fetchLimit := rate.Inf
	if cfg.FetchRate > 0 {
		fetchLimit = rate.Limit(cfg.FetchRate)
	}
	return []manager.Option{
		manager.WithDefaultTimeout(cfg.DefaultTimeout),
		manager.WithPollInterval(cfg.PollInterval),
		manager.WithRetry(retry),
		manager.WithFetchLimit(fetchLimit, cfg.FetchBurst),
		manager.WithCircuitBreaker(resilience.CircuitBreakerConfig{
			FailureThreshold: cfg.BreakerThreshold,
			Timeout:          cfg.BreakerTimeout,
		}),
	}
}

func telemetryConfig(cfg config.TelemetryConfig) telemetry.Config {
	return telemetry.Config{
		Exporter:           cfg.Exporter,
		OTLPEndpoint:       cfg.OTLPEndpoint,
		OTLPInsecure:       cfg.OTLPInsecure,
		OTLPTimeoutSeconds: cfg.OTLPTimeoutSeconds,
		MetricInterval:     time.Duration(cfg.MetricIntervalSeconds) * time.Second,
	}
}
