// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/humanloop/pkg/core"
	"github.com/jllopis/humanloop/pkg/errors"
	"github.com/jllopis/humanloop/pkg/provider"
	"github.com/jllopis/humanloop/pkg/telemetry"
)

// AwaitOptions tunes a single Await call.
type AwaitOptions struct {
	// PollInterval overrides the manager poll interval for pull providers.
	PollInterval time.Duration
}

// Await blocks until the request is terminal and returns its response.
// Push channels wake the caller directly; pull channels are polled. The
// wait never outlives the request deadline. Cancelling ctx returns
// CONTEXT_LOST and leaves the request untouched.
func (m *Manager) Await(ctx context.Context, id string, opts AwaitOptions) (*core.Response, error) {
	ctx, span := m.tracer.Start(ctx, "manager.await", trace.WithAttributes(
		attribute.String(telemetry.AttrRequestID, id),
	))
	defer span.End()

	done := m.waiter(id)
	req, err := m.store.GetRequest(ctx, id)
	if err != nil {
		m.notify(id)
		return nil, err
	}
	if req.Status.Terminal() {
		m.notify(id)
		return outcomeOf(req)
	}
	p, err := m.registry.Resolve(req.Channel)
	if err != nil {
		m.notify(id)
		return nil, err
	}

	// pollCtx bounds every fetch by the request deadline.
	pollCtx := ctx
	var deadline <-chan time.Time
	if req.HasDeadline() {
		remaining := req.ExpireAt.Sub(m.now())
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		deadline = timer.C
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, remaining)
		defer cancel()
	}

	var (
		tick    <-chan time.Time
		fetcher provider.Fetcher
	)
	if f, ok := p.(provider.Fetcher); ok && p.Mode() == provider.ModePull {
		fetcher = f
		interval := opts.PollInterval
		if interval <= 0 {
			interval = m.pollInterval
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
		m.poll(pollCtx, req, fetcher)
	}

	for {
		select {
		case <-done:
		case <-ctx.Done():
			span.SetAttributes(attribute.Bool("humanloop.await.context_lost", true))
			return nil, errors.New(errors.CodeContextLost, "caller stopped waiting", ctx.Err()).
				WithContext("request_id", id)
		case <-deadline:
			deadline = nil
			m.expire(context.WithoutCancel(ctx), id)
		case <-tick:
			m.poll(pollCtx, req, fetcher)
		}
		current, err := m.store.GetRequest(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.Status.Terminal() {
			span.SetAttributes(attribute.String(telemetry.AttrRequestStatus, string(current.Status)))
			return outcomeOf(current)
		}
	}
}

// poll asks a pull provider for an answer. An empty poll changes nothing;
// a permanent fetch failure moves the request to error.
func (m *Manager) poll(ctx context.Context, req *core.Request, fetcher provider.Fetcher) {
	if err := m.fetchLimiter.Wait(ctx); err != nil {
		return
	}
	resp, err := fetcher.Fetch(ctx, req.ID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if errors.IsRecoverable(err) {
			m.log.WarnContext(ctx, "manager.request.fetch.error",
				slog.String("request_id", req.ID),
				slog.String("channel", req.Channel),
				slog.String("error", err.Error()),
			)
			return
		}
		_, ferr := m.finish(context.WithoutCancel(ctx), req.ID, core.Completion{
			Status: core.StatusError,
			Error:  err.Error(),
		}, finishOptions{})
		if ferr != nil && errors.CodeOf(ferr) != errors.CodeAlreadyResolved {
			m.log.WarnContext(ctx, "manager.request.fail.error",
				slog.String("request_id", req.ID),
				slog.String("error", ferr.Error()),
			)
		}
		return
	}
	if resp == nil {
		return
	}
	if err := m.Resolve(context.WithoutCancel(ctx), req.ID, *resp); err != nil && errors.CodeOf(err) != errors.CodeAlreadyResolved {
		m.log.WarnContext(ctx, "manager.request.resolve.error",
			slog.String("request_id", req.ID),
			slog.String("error", err.Error()),
		)
	}
}

// Request creates a request and waits for its outcome.
func (m *Manager) Request(ctx context.Context, in CreateRequest, opts AwaitOptions) (*core.Response, error) {
	id, err := m.Create(ctx, in)
	if err != nil {
		return nil, err
	}
	return m.Await(ctx, id, opts)
}

// outcomeOf maps a terminal request to the caller-facing result.
func outcomeOf(req *core.Request) (*core.Response, error) {
	switch req.Status {
	case core.StatusResponded:
		if req.Response == nil {
			return &core.Response{}, nil
		}
		return req.Response, nil
	case core.StatusTimeout:
		return nil, errors.Newf(errors.CodeRequestTimedOut, "request %q timed out", req.ID).
			WithContext("request_id", req.ID)
	case core.StatusCancelled:
		return nil, errors.Newf(errors.CodeRequestCancelled, "request %q cancelled: %s", req.ID, req.Reason).
			WithContext("request_id", req.ID).
			WithContext("reason", req.Reason)
	case core.StatusError:
		return nil, errors.Newf(errors.CodeProviderError, "request %q failed: %s", req.ID, req.Error).
			WithContext("request_id", req.ID)
	default:
		return nil, errors.Newf(errors.CodeNotReady, "request %q is still %s", req.ID, req.Status)
	}
}
