// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/humanloop/pkg/core"
	"github.com/jllopis/humanloop/pkg/errors"
	"github.com/jllopis/humanloop/pkg/provider"
	"github.com/jllopis/humanloop/pkg/telemetry"
)

// NoTimeout disables the deadline of a request.
const NoTimeout time.Duration = -1

// CreateRequest describes a new request.
type CreateRequest struct {
	Kind core.Kind
	// Channel names the provider. Empty selects the conversation's channel
	// for follow-up turns, or the default channel.
	Channel  string
	Payload  map[string]any
	Metadata map[string]string
	// TaskID defaults to the task id carried by the context.
	TaskID string
	// Timeout bounds the wait for an answer. Zero applies the manager
	// default; NoTimeout disables the deadline.
	Timeout time.Duration
	// ConversationID adds the request as the next turn of that
	// conversation, starting it when it does not exist yet. A conversation
	// request without one starts a new conversation keyed by its own id.
	ConversationID string
	// ContinuationKey registers a resume token for the request.
	ContinuationKey string
}

// Create allocates a pending request and delivers it. When delivery fails
// the request moves to error, its conversation is aborted, and the id is
// returned along with a PROVIDER_UNAVAILABLE or PROVIDER_ERROR error.
func (m *Manager) Create(ctx context.Context, in CreateRequest) (string, error) {
	ctx, span := m.tracer.Start(ctx, "manager.create", trace.WithAttributes(
		attribute.String(telemetry.AttrRequestKind, string(in.Kind)),
		attribute.String(telemetry.AttrChannel, in.Channel),
	))
	defer span.End()

	req, p, events, err := m.admit(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(telemetry.RequestAttributes(req)...)
	m.metrics.RequestCreated(ctx, req)
	m.log.InfoContext(ctx, "manager.request.created", telemetry.RequestLogAttrs(req)...)
	m.emit(ctx, events)

	if err := m.deliver(ctx, p, req); err != nil {
		return m.deliveryFailed(ctx, req, err)
	}
	m.log.DebugContext(ctx, "manager.request.delivered", slog.String("request_id", req.ID))
	return req.ID, nil
}

// admit validates the input and stores the pending request, its turn and
// its resume token under the conversation lock.
func (m *Manager) admit(ctx context.Context, in CreateRequest) (*core.Request, provider.Provider, []core.Event, error) {
	if !in.Kind.Valid() {
		return nil, nil, nil, errors.Newf(errors.CodeInvalidInput, "unknown request kind %q", in.Kind)
	}
	now := m.now()
	id := uuid.NewString()
	taskID := in.TaskID
	if taskID == "" {
		taskID, _ = core.TaskID(ctx)
	}
	req := &core.Request{
		ID:              id,
		ConversationID:  id,
		TaskID:          taskID,
		Kind:            in.Kind,
		Payload:         in.Payload,
		Metadata:        in.Metadata,
		Status:          core.StatusPending,
		CreatedAt:       now,
		ContinuationKey: in.ContinuationKey,
	}
	req = req.Clone()
	switch timeout := in.Timeout; {
	case timeout > 0:
		req.ExpireAt = now.Add(timeout)
	case timeout == 0 && m.defaultTimeout > 0:
		req.ExpireAt = now.Add(m.defaultTimeout)
	}

	conversationID := in.ConversationID
	if conversationID == "" && in.Kind == core.KindConversation {
		conversationID = id
	}

	channel := in.Channel
	var session *core.Session
	if conversationID != "" {
		req.ConversationID = conversationID
		unlock := m.locks.Lock(conversationKey(conversationID))
		defer unlock()
		var err error
		session, err = m.admitTurn(ctx, conversationID, channel)
		if err != nil {
			return nil, nil, nil, err
		}
		if session != nil && channel == "" {
			channel = session.Channel
		}
	}

	p, err := m.registry.Resolve(channel)
	if err != nil {
		return nil, nil, nil, err
	}
	req.Channel = p.Name()

	if req.ContinuationKey != "" {
		token := core.ResumeToken{Key: req.ContinuationKey, RequestID: id, CreatedAt: now}
		if err := m.store.SaveToken(ctx, token); err != nil {
			return nil, nil, nil, err
		}
	}
	if err := m.store.CreateRequest(ctx, req); err != nil {
		return nil, nil, nil, err
	}

	events := []core.Event{core.NewEvent(core.EventRequestCreated, req, nil)}
	if conversationID != "" {
		if session == nil {
			err = m.store.CreateSession(ctx, &core.Session{
				ID:        conversationID,
				Channel:   req.Channel,
				Status:    core.SessionActive,
				Turns:     []string{id},
				CreatedAt: now,
				UpdatedAt: now,
			})
		} else {
			_, err = m.store.AppendTurn(ctx, conversationID, id)
		}
		if err != nil {
			return nil, nil, nil, err
		}
	}
	if req.HasDeadline() {
		m.timeouts.Schedule(id, req.ExpireAt)
	}
	return req, p, events, nil
}

// admitTurn checks that the conversation can take a new turn. It returns
// nil for a conversation that does not exist yet.
func (m *Manager) admitTurn(ctx context.Context, conversationID, channel string) (*core.Session, error) {
	session, err := m.store.GetSession(ctx, conversationID)
	if err != nil {
		if errors.CodeOf(err) == errors.CodeNotFound {
			return nil, nil
		}
		return nil, err
	}
	if session.Status.Closed() {
		return nil, errors.Newf(errors.CodeConversationClosed, "conversation %q is %s", conversationID, session.Status).
			WithContext("conversation_id", conversationID)
	}
	if channel != "" && channel != session.Channel {
		return nil, errors.Newf(errors.CodeInvalidInput, "conversation %q runs on channel %q, not %q",
			conversationID, session.Channel, channel)
	}
	last := session.LastTurn()
	if last == "" {
		return session, nil
	}
	prev, err := m.store.GetRequest(ctx, last)
	if err != nil {
		return nil, err
	}
	switch prev.Status {
	case core.StatusResponded:
		return session, nil
	case core.StatusPending:
		return nil, errors.Newf(errors.CodeConversationBusy, "conversation %q is waiting on request %q", conversationID, last).
			WithContext("conversation_id", conversationID).
			WithContext("request_id", last)
	default:
		return nil, errors.Newf(errors.CodeConversationClosed, "conversation %q ended with a %s turn", conversationID, prev.Status)
	}
}

// deliver hands the request to the provider through the channel breaker,
// retrying recoverable failures with backoff. Retries stop at the request
// deadline and once the request is no longer pending.
func (m *Manager) deliver(ctx context.Context, p provider.Provider, req *core.Request) error {
	ctx, span := m.tracer.Start(ctx, "manager.deliver", trace.WithAttributes(
		attribute.String(telemetry.AttrRequestID, req.ID),
		attribute.String(telemetry.AttrChannel, p.Name()),
	))
	defer span.End()

	deliverCtx := ctx
	if req.HasDeadline() {
		var cancel context.CancelFunc
		deliverCtx, cancel = context.WithTimeout(ctx, req.ExpireAt.Sub(m.now()))
		defer cancel()
	}

	breaker := m.breaker(p.Name())
	attempts := 0
	var lastErr error
	rc := m.retry.WithOnRetry(func(attempt int, err error) {
		m.metrics.DeliveryRetry(ctx, p.Name(), attempt)
		m.log.WarnContext(ctx, "manager.request.delivery.retry",
			slog.String("request_id", req.ID),
			slog.String("channel", p.Name()),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	})
	err := rc.Do(deliverCtx, func() error {
		if attempts > 0 {
			if current, err := m.store.GetRequest(ctx, req.ID); err == nil && current.Status.Terminal() {
				return errors.Newf(errors.CodeProviderUnavailable,
					"channel %q unavailable, request %s before delivery succeeded", p.Name(), current.Status).
					WithContext("request_id", req.ID).
					WithContext("attempts", attempts).
					WithRecoverable(false)
			}
		}
		attempts++
		lastErr = breaker.Call(deliverCtx, func() error {
			return p.Deliver(deliverCtx, req.Clone())
		})
		return lastErr
	})
	span.SetAttributes(attribute.Int(telemetry.AttrAttempt, attempts))
	if err == nil {
		return nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	switch {
	case ctx.Err() != nil:
		if errors.CodeOf(err) == errors.CodeContextLost {
			return err
		}
		return errors.New(errors.CodeContextLost, "caller stopped during delivery", ctx.Err()).
			WithContext("request_id", req.ID)
	case deliverCtx.Err() != nil:
		return errors.New(errors.CodeProviderUnavailable,
			fmt.Sprintf("channel %q unavailable until the request deadline after %d attempts", p.Name(), attempts), lastErr).
			WithContext("request_id", req.ID).
			WithContext("attempts", attempts)
	case errors.CodeOf(err) == errors.CodeProviderUnavailable && !errors.IsRecoverable(err):
		return err
	case !errors.IsRecoverable(err):
		return errors.New(errors.CodeProviderError,
			fmt.Sprintf("channel %q rejected request", p.Name()), err).
			WithContext("request_id", req.ID)
	default:
		return errors.New(errors.CodeProviderUnavailable,
			fmt.Sprintf("channel %q unavailable after %d attempts", p.Name(), attempts), err).
			WithContext("request_id", req.ID).
			WithContext("attempts", attempts)
	}
}

// deliveryFailed moves an undelivered request to error and returns cause.
// A request that was already finished while delivery was in flight keeps
// its status, but the caller still sees the delivery failure.
func (m *Manager) deliveryFailed(ctx context.Context, req *core.Request, cause error) (string, error) {
	m.metrics.DeliveryFailed(ctx, req.Channel, string(errors.CodeOf(cause)))
	m.log.ErrorContext(ctx, "manager.request.delivery.failed",
		slog.String("request_id", req.ID),
		slog.String("channel", req.Channel),
		slog.String("error", cause.Error()),
	)
	_, err := m.finish(context.WithoutCancel(ctx), req.ID, core.Completion{
		Status: core.StatusError,
		Error:  cause.Error(),
	}, finishOptions{})
	if err != nil && errors.CodeOf(err) != errors.CodeAlreadyResolved {
		m.log.WarnContext(ctx, "manager.request.fail.error",
			slog.String("request_id", req.ID),
			slog.String("error", err.Error()),
		)
	}
	return req.ID, cause
}
