// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package core

import "time"

// SessionStatus describes the lifecycle of a conversation.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionAborted   SessionStatus = "aborted"
)

// Closed reports whether the session accepts no more turns.
func (s SessionStatus) Closed() bool {
	return s == SessionCompleted || s == SessionAborted
}

// Session groups the ordered turns of one multi-turn exchange. The channel
// is fixed for the lifetime of the session.
type Session struct {
	ID        string        `json:"id"`
	Channel   string        `json:"channel"`
	Status    SessionStatus `json:"status"`
	Turns     []string      `json:"turns"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// LastTurn returns the most recent turn id, or "" for a new session.
func (s *Session) LastTurn() string {
	if len(s.Turns) == 0 {
		return ""
	}
	return s.Turns[len(s.Turns)-1]
}

// Clone returns a copy that does not share the turns slice.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Turns = append([]string(nil), s.Turns...)
	return &out
}
