// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"context"
	"log/slog"
	"time"

	"github.com/jllopis/humanloop/pkg/core"
	"github.com/jllopis/humanloop/pkg/errors"
	"github.com/jllopis/humanloop/pkg/store"
)

// Get returns a snapshot of the request.
func (m *Manager) Get(ctx context.Context, id string) (*core.Request, error) {
	return m.store.GetRequest(ctx, id)
}

// Pending lists pending requests matching filter. The status field of the
// filter is ignored.
func (m *Manager) Pending(ctx context.Context, filter store.RequestFilter) ([]*core.Request, error) {
	filter.Status = core.StatusPending
	return m.store.ListRequests(ctx, filter)
}

// ExpireOverdue times out pending requests whose deadline has passed. It
// catches requests whose timers were lost, for example across a restart.
func (m *Manager) ExpireOverdue(ctx context.Context) (int, error) {
	overdue, err := m.store.ListRequests(ctx, store.RequestFilter{
		Status:         core.StatusPending,
		ExpiringBefore: m.now(),
	})
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, req := range overdue {
		if ctx.Err() != nil {
			return expired, errors.New(errors.CodeContextLost, "expiry sweep interrupted", ctx.Err())
		}
		if m.expire(ctx, req.ID) {
			expired++
		}
	}
	if expired > 0 {
		m.log.InfoContext(ctx, "manager.requests.expired", slog.Int("count", expired))
	}
	return expired, nil
}

// Rearm schedules deadline timers for every pending request in the store.
// Requests already past their deadline are expired right away.
func (m *Manager) Rearm(ctx context.Context) (int, error) {
	pending, err := m.store.ListRequests(ctx, store.RequestFilter{Status: core.StatusPending})
	if err != nil {
		return 0, err
	}
	armed := 0
	for _, req := range pending {
		if !req.HasDeadline() {
			continue
		}
		m.timeouts.Schedule(req.ID, req.ExpireAt)
		armed++
	}
	m.log.InfoContext(ctx, "manager.timers.rearmed", slog.Int("count", armed), slog.Int("pending", len(pending)))
	return armed, nil
}

// Reap deletes finished requests and closed conversations older than
// olderThan. Pending requests and active conversations are kept.
func (m *Manager) Reap(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan < 0 {
		return 0, errors.New(errors.CodeInvalidInput, "retention must not be negative", nil)
	}
	n, err := m.store.Reap(ctx, m.now().Add(-olderThan))
	if err != nil {
		return n, err
	}
	if n > 0 {
		m.log.InfoContext(ctx, "manager.requests.reaped", slog.Int("count", n), slog.Duration("older_than", olderThan))
	}
	return n, nil
}
