// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package store persists requests, conversation sessions and resume tokens.
//
// Every backend offers read-your-writes consistency and completes requests
// with an atomic compare-and-set from pending to a terminal status.
package store

import (
	"context"
	"time"

	"github.com/jllopis/humanloop/pkg/core"
	"github.com/jllopis/humanloop/pkg/errors"
)

// RequestFilter limits request queries.
type RequestFilter struct {
	Status         core.Status
	ConversationID string
	Channel        string
	TaskID         string
	ExpiringBefore time.Time
	Limit          int
}

// Match reports whether r satisfies the filter.
func (f RequestFilter) Match(r *core.Request) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.ConversationID != "" && r.ConversationID != f.ConversationID {
		return false
	}
	if f.Channel != "" && r.Channel != f.Channel {
		return false
	}
	if f.TaskID != "" && r.TaskID != f.TaskID {
		return false
	}
	if !f.ExpiringBefore.IsZero() {
		if !r.HasDeadline() || r.ExpireAt.After(f.ExpiringBefore) {
			return false
		}
	}
	return true
}

// Store is the persistence boundary of the manager.
type Store interface {
	// CreateRequest inserts a new request. The id must be unique.
	CreateRequest(ctx context.Context, req *core.Request) error
	// GetRequest returns a copy of the request.
	GetRequest(ctx context.Context, id string) (*core.Request, error)
	// CompleteRequest moves a pending request to a terminal status. When the
	// request is already terminal it returns the stored snapshot together
	// with an ALREADY_RESOLVED error.
	CompleteRequest(ctx context.Context, id string, c core.Completion) (*core.Request, error)
	// ListRequests returns requests ordered by creation time.
	ListRequests(ctx context.Context, filter RequestFilter) ([]*core.Request, error)

	CreateSession(ctx context.Context, s *core.Session) error
	GetSession(ctx context.Context, id string) (*core.Session, error)
	// AppendTurn adds a request id to the session turns.
	AppendTurn(ctx context.Context, sessionID, requestID string) (*core.Session, error)
	// CloseSession moves an active session to completed or aborted. It
	// reports false when the session was already closed.
	CloseSession(ctx context.Context, sessionID string, status core.SessionStatus) (*core.Session, bool, error)

	// SaveToken registers a resume token. Keys are unique.
	SaveToken(ctx context.Context, token core.ResumeToken) error
	GetToken(ctx context.Context, key string) (*core.ResumeToken, error)

	// Reap deletes terminal standalone requests, closed sessions with their
	// turns, and the tokens bound to them, last updated before the cutoff.
	Reap(ctx context.Context, before time.Time) (int, error)

	Ping(ctx context.Context) error
	Close() error
}

func requestNotFound(id string) error {
	return errors.Newf(errors.CodeNotFound, "request %q not found", id).WithContext("request_id", id)
}

func sessionNotFound(id string) error {
	return errors.Newf(errors.CodeNotFound, "conversation %q not found", id).WithContext("conversation_id", id)
}

func alreadyResolved(r *core.Request) error {
	return errors.Newf(errors.CodeAlreadyResolved, "request %q is already %s", r.ID, r.Status).
		WithContext("request_id", r.ID).
		WithContext("status", string(r.Status))
}

func duplicateToken(key string) error {
	return errors.Newf(errors.CodeInvalidInput, "continuation key %q already registered", key)
}

func validateRequest(req *core.Request) error {
	if req == nil || req.ID == "" {
		return errors.New(errors.CodeInvalidInput, "request id is required", nil)
	}
	return nil
}

func validateCompletion(c core.Completion) error {
	if !c.Status.Terminal() {
		return errors.Newf(errors.CodeInvalidInput, "completion status %q is not terminal", c.Status)
	}
	return nil
}

func validateClose(status core.SessionStatus) error {
	if !status.Closed() {
		return errors.Newf(errors.CodeInvalidInput, "session status %q is not closed", status)
	}
	return nil
}

// reapable reports whether a request may be removed at the cutoff.
func reapable(r *core.Request, before time.Time) bool {
	return r.Status.Terminal() && r.Standalone() && r.CompletedAt.Before(before)
}

func sessionReapable(s *core.Session, before time.Time) bool {
	return s.Status.Closed() && s.UpdatedAt.Before(before)
}
