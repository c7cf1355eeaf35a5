// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/humanloop/pkg/core"
	"github.com/jllopis/humanloop/pkg/errors"
	"github.com/jllopis/humanloop/pkg/telemetry"
)

type finishOptions struct {
	// operation names the caller-facing operation. When set, a transition
	// on a terminal request is reported as a conflict.
	operation string
	// withdraw asks the provider to drop the request after the transition.
	withdraw bool
}

// Resolve records a human answer. A request that is already terminal is
// left untouched and ALREADY_RESOLVED is returned to the resolver.
func (m *Manager) Resolve(ctx context.Context, id string, resp core.Response) error {
	ctx, span := m.tracer.Start(ctx, "manager.resolve", trace.WithAttributes(
		attribute.String(telemetry.AttrRequestID, id),
	))
	defer span.End()
	if resp.RespondedAt.IsZero() {
		resp.RespondedAt = m.now()
	}
	_, err := m.finish(ctx, id, core.Completion{Status: core.StatusResponded, Response: &resp}, finishOptions{operation: "resolve"})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// Cancel withdraws a pending request. Cancelling the pending turn of a
// conversation aborts the conversation.
func (m *Manager) Cancel(ctx context.Context, id, reason string) error {
	ctx, span := m.tracer.Start(ctx, "manager.cancel", trace.WithAttributes(
		attribute.String(telemetry.AttrRequestID, id),
	))
	defer span.End()
	_, err := m.finish(ctx, id, core.Completion{Status: core.StatusCancelled, Reason: reason},
		finishOptions{operation: "cancel", withdraw: true})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// onDeadline is the timer callback for id.
func (m *Manager) onDeadline(id string) {
	m.expire(context.Background(), id)
}

// expire times out id if it is still pending. It reports whether this call
// made the transition.
func (m *Manager) expire(ctx context.Context, id string) bool {
	_, err := m.finish(ctx, id, core.Completion{Status: core.StatusTimeout}, finishOptions{withdraw: true})
	switch errors.CodeOf(err) {
	case "":
		return true
	case errors.CodeAlreadyResolved:
		return false
	default:
		m.log.Warn("manager.request.expire.error",
			slog.String("request_id", id),
			slog.String("error", err.Error()),
		)
		return false
	}
}

// finish applies a terminal transition under the request locks, then emits
// events and withdraws the request from its provider outside the locks.
func (m *Manager) finish(ctx context.Context, id string, c core.Completion, opts finishOptions) (*core.Request, error) {
	req, err := m.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock := m.lockRequest(req)
	done, events, err := m.finishLocked(ctx, req, c, opts)
	unlock()
	m.emit(ctx, events)
	if err == nil && opts.withdraw {
		m.withdraw(ctx, done)
	}
	return done, err
}

// finishLocked runs with the conversation and request locks held.
func (m *Manager) finishLocked(ctx context.Context, req *core.Request, c core.Completion, opts finishOptions) (*core.Request, []core.Event, error) {
	c.At = m.now()
	done, err := m.store.CompleteRequest(ctx, req.ID, c)
	if err != nil {
		if errors.CodeOf(err) != errors.CodeAlreadyResolved || opts.operation == "" {
			return done, nil, err
		}
		m.metrics.Conflict(ctx, opts.operation)
		m.log.InfoContext(ctx, "manager.request.conflict",
			slog.String("request_id", req.ID),
			slog.String("operation", opts.operation),
			slog.String("status", string(done.Status)),
		)
		return done, []core.Event{core.NewEvent(core.EventRequestConflict, done, map[string]any{
			"operation": opts.operation,
		})}, err
	}

	m.timeouts.Cancel(done.ID)
	m.metrics.RequestCompleted(ctx, done)
	m.notify(done.ID)
	m.log.InfoContext(ctx, "manager.request."+string(done.Status), telemetry.RequestLogAttrs(done)...)
	events := []core.Event{core.NewEvent(terminalEvent(done.Status), done, nil)}

	if !done.Standalone() {
		if ev := m.afterTurn(ctx, done); ev != nil {
			events = append(events, *ev)
		}
	}
	return done, events, nil
}

// afterTurn applies the conversation consequence of a finished turn: an
// answer flagged EndConversation completes it, any other outcome of the
// active turn aborts it.
func (m *Manager) afterTurn(ctx context.Context, done *core.Request) *core.Event {
	status := core.SessionAborted
	if done.Status == core.StatusResponded {
		if done.Response == nil || !done.Response.EndConversation {
			return nil
		}
		status = core.SessionCompleted
	} else {
		session, err := m.store.GetSession(ctx, done.ConversationID)
		if err != nil || session.LastTurn() != done.ID {
			return nil
		}
	}
	return m.closeSession(ctx, done.ConversationID, status, done)
}

func (m *Manager) closeSession(ctx context.Context, conversationID string, status core.SessionStatus, cause *core.Request) *core.Event {
	session, changed, err := m.store.CloseSession(ctx, conversationID, status)
	if err != nil {
		m.log.WarnContext(ctx, "manager.conversation.close.error",
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if !changed {
		return nil
	}
	m.log.InfoContext(ctx, "manager.conversation."+string(status),
		slog.String("conversation_id", conversationID),
		slog.Int("turns", len(session.Turns)),
	)
	eventType := core.EventConversationAborted
	if status == core.SessionCompleted {
		eventType = core.EventConversationCompleted
	}
	ev := core.NewEvent(eventType, cause, map[string]any{"turns": len(session.Turns)})
	ev.ConversationID = conversationID
	return &ev
}

// withdraw asks the provider to drop a request. Failures are only logged.
func (m *Manager) withdraw(ctx context.Context, req *core.Request) {
	if req == nil {
		return
	}
	p, err := m.registry.Resolve(req.Channel)
	if err != nil {
		return
	}
	if err := p.Cancel(ctx, req.ID); err != nil {
		m.log.WarnContext(ctx, "manager.request.withdraw.error",
			slog.String("request_id", req.ID),
			slog.String("channel", req.Channel),
			slog.String("error", err.Error()),
		)
	}
}

func terminalEvent(status core.Status) core.EventType {
	switch status {
	case core.StatusResponded:
		return core.EventRequestResponded
	case core.StatusTimeout:
		return core.EventRequestTimeout
	case core.StatusCancelled:
		return core.EventRequestCancelled
	default:
		return core.EventRequestError
	}
}
