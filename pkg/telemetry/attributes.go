// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jllopis/humanloop/pkg/core"
)

// Attribute keys shared by spans and metrics.
const (
	AttrRequestID      = "humanloop.request.id"
	AttrRequestKind    = "humanloop.request.kind"
	AttrRequestStatus  = "humanloop.request.status"
	AttrChannel        = "humanloop.channel"
	AttrConversationID = "humanloop.conversation.id"
	AttrTaskID         = "humanloop.task.id"
	AttrOperation      = "humanloop.operation"
	AttrAttempt        = "humanloop.delivery.attempt"
	AttrBreakerState   = "humanloop.breaker.state"
	AttrErrorCode      = "error.code"
)

// RequestAttributes returns span attributes describing req.
func RequestAttributes(req *core.Request) []attribute.KeyValue {
	if req == nil {
		return nil
	}
	attrs := []attribute.KeyValue{
		attribute.String(AttrRequestID, req.ID),
		attribute.String(AttrRequestKind, string(req.Kind)),
		attribute.String(AttrChannel, req.Channel),
		attribute.String(AttrRequestStatus, string(req.Status)),
	}
	if !req.Standalone() {
		attrs = append(attrs, attribute.String(AttrConversationID, req.ConversationID))
	}
	if req.TaskID != "" {
		attrs = append(attrs, attribute.String(AttrTaskID, req.TaskID))
	}
	return attrs
}

// RequestLogAttrs returns the log attributes describing req.
func RequestLogAttrs(req *core.Request) []any {
	if req == nil {
		return nil
	}
	attrs := []any{
		slog.String("request_id", req.ID),
		slog.String("kind", string(req.Kind)),
		slog.String("channel", req.Channel),
	}
	if !req.Standalone() {
		attrs = append(attrs, slog.String("conversation_id", req.ConversationID))
	}
	if req.TaskID != "" {
		attrs = append(attrs, slog.String("task_id", req.TaskID))
	}
	return attrs
}
