// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"context"

	"github.com/jllopis/humanloop/pkg/core"
	"github.com/jllopis/humanloop/pkg/errors"
)

// Resume returns the terminal outcome registered under a continuation key.
// A key bound to a request waits for that request; a key bound to a
// conversation waits for the conversation to close.
func (m *Manager) Resume(ctx context.Context, key string) (*core.Outcome, error) {
	token, err := m.store.GetToken(ctx, key)
	if err != nil {
		if errors.CodeOf(err) == errors.CodeNotFound {
			return nil, errors.Newf(errors.CodeUnknownToken, "no resume token registered for %q", key)
		}
		return nil, err
	}
	if token.SessionScoped() {
		return m.resumeConversation(ctx, token)
	}

	req, err := m.store.GetRequest(ctx, token.RequestID)
	if err != nil {
		return nil, err
	}
	if !req.Status.Terminal() {
		return nil, errors.Newf(errors.CodeNotReady, "request %q is still pending", req.ID).
			WithContext("request_id", req.ID)
	}
	out := &core.Outcome{
		Key:            key,
		RequestID:      req.ID,
		ConversationID: req.ConversationID,
		Status:         req.Status,
		Response:       req.Response,
		Error:          req.Error,
		Reason:         req.Reason,
	}
	if !req.Standalone() {
		if session, err := m.store.GetSession(ctx, req.ConversationID); err == nil {
			out.SessionStatus = session.Status
		}
	}
	return out, nil
}

func (m *Manager) resumeConversation(ctx context.Context, token *core.ResumeToken) (*core.Outcome, error) {
	session, turns, err := m.Conversation(ctx, token.ConversationID)
	if err != nil {
		return nil, err
	}
	if !session.Status.Closed() {
		return nil, errors.Newf(errors.CodeNotReady, "conversation %q is still active", session.ID).
			WithContext("conversation_id", session.ID)
	}
	out := &core.Outcome{
		Key:            token.Key,
		ConversationID: session.ID,
		SessionStatus:  session.Status,
		Turns:          turns,
	}
	if n := len(turns); n > 0 {
		last := turns[n-1]
		out.RequestID = last.ID
		out.Status = last.Status
		out.Response = last.Response
		out.Error = last.Error
		out.Reason = last.Reason
	}
	return out, nil
}

// BindConversation registers key as a resume token for a whole
// conversation.
func (m *Manager) BindConversation(ctx context.Context, key, conversationID string) error {
	if key == "" {
		return errors.New(errors.CodeInvalidInput, "continuation key is required", nil)
	}
	if _, err := m.store.GetSession(ctx, conversationID); err != nil {
		return err
	}
	return m.store.SaveToken(ctx, core.ResumeToken{
		Key:            key,
		ConversationID: conversationID,
		CreatedAt:      m.now(),
	})
}
