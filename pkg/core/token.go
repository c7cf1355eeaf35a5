// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package core

import "time"

// ResumeToken binds an opaque continuation key, owned by a framework
// adapter, to a request or a whole conversation. The key is stored and
// returned, never interpreted.
type ResumeToken struct {
	Key            string    `json:"key"`
	RequestID      string    `json:"request_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// SessionScoped reports whether the token waits for a whole conversation.
func (t *ResumeToken) SessionScoped() bool {
	return t.RequestID == ""
}

// Outcome is the terminal result handed back to an adapter on resume.
type Outcome struct {
	Key            string        `json:"key"`
	RequestID      string        `json:"request_id,omitempty"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Status         Status        `json:"status,omitempty"`
	Response       *Response     `json:"response,omitempty"`
	Error          string        `json:"error,omitempty"`
	Reason         string        `json:"reason,omitempty"`
	SessionStatus  SessionStatus `json:"session_status,omitempty"`
	Turns          []Request     `json:"turns,omitempty"`
}
