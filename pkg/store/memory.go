// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jllopis/humanloop/pkg/core"
	"github.com/jllopis/humanloop/pkg/errors"
)

// MemoryStore keeps requests, sessions and tokens in memory. Values are
// cloned on the way in and on the way out.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*core.Request
	sessions map[string]*core.Session
	tokens   map[string]*core.ResumeToken
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*core.Request),
		sessions: make(map[string]*core.Session),
		tokens:   make(map[string]*core.ResumeToken),
	}
}

// CreateRequest inserts a new request.
func (s *MemoryStore) CreateRequest(_ context.Context, req *core.Request) error {
	if err := validateRequest(req); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[req.ID]; ok {
		return errors.Newf(errors.CodeInvalidInput, "request %q already exists", req.ID)
	}
	s.requests[req.ID] = req.Clone()
	return nil
}

// GetRequest returns a request by id.
func (s *MemoryStore) GetRequest(_ context.Context, id string) (*core.Request, error) {
	s.mu.RLock()
	req, ok := s.requests[id]
	s.mu.RUnlock()
	if !ok {
		return nil, requestNotFound(id)
	}
	return req.Clone(), nil
}

// CompleteRequest applies a terminal transition if the request is pending.
func (s *MemoryStore) CompleteRequest(_ context.Context, id string, c core.Completion) (*core.Request, error) {
	if err := validateCompletion(c); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, requestNotFound(id)
	}
	if req.Status.Terminal() {
		return req.Clone(), alreadyResolved(req)
	}
	c.Response = cloneResponse(c.Response)
	c.Apply(req)
	return req.Clone(), nil
}

// ListRequests returns requests matching the filter, oldest first.
func (s *MemoryStore) ListRequests(_ context.Context, filter RequestFilter) ([]*core.Request, error) {
	s.mu.RLock()
	out := make([]*core.Request, 0)
	for _, req := range s.requests {
		if filter.Match(req) {
			out = append(out, req.Clone())
		}
	}
	s.mu.RUnlock()
	sortRequests(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// CreateSession inserts a new session.
func (s *MemoryStore) CreateSession(_ context.Context, session *core.Session) error {
	if session == nil || session.ID == "" {
		return errors.New(errors.CodeInvalidInput, "session id is required", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; ok {
		return errors.Newf(errors.CodeInvalidInput, "conversation %q already exists", session.ID)
	}
	s.sessions[session.ID] = session.Clone()
	return nil
}

// GetSession returns a session by id.
func (s *MemoryStore) GetSession(_ context.Context, id string) (*core.Session, error) {
	s.mu.RLock()
	session, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, sessionNotFound(id)
	}
	return session.Clone(), nil
}

// AppendTurn records a new turn on the session.
func (s *MemoryStore) AppendTurn(_ context.Context, sessionID, requestID string) (*core.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, sessionNotFound(sessionID)
	}
	session.Turns = append(session.Turns, requestID)
	session.UpdatedAt = time.Now().UTC()
	return session.Clone(), nil
}

// CloseSession moves an active session to a closed status.
func (s *MemoryStore) CloseSession(_ context.Context, sessionID string, status core.SessionStatus) (*core.Session, bool, error) {
	if err := validateClose(status); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, false, sessionNotFound(sessionID)
	}
	if session.Status.Closed() {
		return session.Clone(), false, nil
	}
	session.Status = status
	session.UpdatedAt = time.Now().UTC()
	return session.Clone(), true, nil
}

// SaveToken registers a resume token.
func (s *MemoryStore) SaveToken(_ context.Context, token core.ResumeToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[token.Key]; ok {
		return duplicateToken(token.Key)
	}
	s.tokens[token.Key] = &token
	return nil
}

// GetToken returns a resume token by key.
func (s *MemoryStore) GetToken(_ context.Context, key string) (*core.ResumeToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.tokens[key]
	if !ok {
		return nil, errors.Newf(errors.CodeUnknownToken, "no resume token for key %q", key)
	}
	out := *token
	return &out, nil
}

// Reap removes completed records older than the cutoff.
func (s *MemoryStore) Reap(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removedRequests := make(map[string]bool)
	removedSessions := make(map[string]bool)
	for id, session := range s.sessions {
		if !sessionReapable(session, before) {
			continue
		}
		for _, turn := range session.Turns {
			if _, ok := s.requests[turn]; ok {
				delete(s.requests, turn)
				removedRequests[turn] = true
			}
		}
		delete(s.sessions, id)
		removedSessions[id] = true
	}
	for id, req := range s.requests {
		if reapable(req, before) {
			delete(s.requests, id)
			removedRequests[id] = true
		}
	}
	for key, token := range s.tokens {
		if removedRequests[token.RequestID] || removedSessions[token.ConversationID] {
			delete(s.tokens, key)
		}
	}
	return len(removedRequests), nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func cloneResponse(resp *core.Response) *core.Response {
	if resp == nil {
		return nil
	}
	holder := core.Request{Response: resp}
	return holder.Clone().Response
}

func sortRequests(reqs []*core.Request) {
	sort.SliceStable(reqs, func(i, j int) bool {
		if reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].ID < reqs[j].ID
		}
		return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
	})
}
