// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"context"

	"github.com/jllopis/humanloop/pkg/core"
	"github.com/jllopis/humanloop/pkg/errors"
)

// Conversation returns the session and its turns in order.
func (m *Manager) Conversation(ctx context.Context, id string) (*core.Session, []core.Request, error) {
	session, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	turns := make([]core.Request, 0, len(session.Turns))
	for _, turnID := range session.Turns {
		req, err := m.store.GetRequest(ctx, turnID)
		if err != nil {
			return nil, nil, err
		}
		turns = append(turns, *req)
	}
	return session, turns, nil
}

// EndConversation completes a conversation whose last turn was answered.
func (m *Manager) EndConversation(ctx context.Context, id string) error {
	unlock := m.locks.Lock(conversationKey(id))
	session, err := m.openSession(ctx, id)
	if err != nil {
		unlock()
		return err
	}
	if last := session.LastTurn(); last != "" {
		req, err := m.store.GetRequest(ctx, last)
		if err != nil {
			unlock()
			return err
		}
		if req.Status == core.StatusPending {
			unlock()
			return errors.Newf(errors.CodeConversationBusy, "conversation %q is waiting on request %q", id, last).
				WithContext("conversation_id", id)
		}
	}
	ev := m.closeSession(ctx, id, core.SessionCompleted, &core.Request{ID: session.LastTurn(), ConversationID: id, Channel: session.Channel})
	unlock()
	if ev != nil {
		m.emit(ctx, []core.Event{*ev})
	}
	return nil
}

// CancelConversation cancels the pending turn, if any, and aborts the
// conversation.
func (m *Manager) CancelConversation(ctx context.Context, id, reason string) error {
	unlock := m.locks.Lock(conversationKey(id))
	session, err := m.openSession(ctx, id)
	if err != nil {
		unlock()
		return err
	}
	var (
		events    []core.Event
		withdrawn *core.Request
	)
	if last := session.LastTurn(); last != "" {
		req, err := m.store.GetRequest(ctx, last)
		if err != nil {
			unlock()
			return err
		}
		if req.Status == core.StatusPending {
			unlockRequest := m.locks.Lock(requestKey(req.ID))
			done, evs, err := m.finishLocked(ctx, req, core.Completion{Status: core.StatusCancelled, Reason: reason}, finishOptions{})
			unlockRequest()
			switch {
			case err == nil:
				withdrawn = done
				events = append(events, evs...)
			case errors.CodeOf(err) != errors.CodeAlreadyResolved:
				unlock()
				return err
			}
		}
	}
	if ev := m.closeSession(ctx, id, core.SessionAborted, &core.Request{ID: session.LastTurn(), ConversationID: id, Channel: session.Channel}); ev != nil {
		events = append(events, *ev)
	}
	unlock()
	m.emit(ctx, events)
	m.withdraw(ctx, withdrawn)
	return nil
}

func (m *Manager) openSession(ctx context.Context, id string) (*core.Session, error) {
	session, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status.Closed() {
		return nil, errors.Newf(errors.CodeConversationClosed, "conversation %q is %s", id, session.Status).
			WithContext("conversation_id", id)
	}
	return session, nil
}
