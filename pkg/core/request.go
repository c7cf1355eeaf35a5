// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package core defines the human-interaction data model shared by the
// manager, stores and providers.
package core

import "time"

// Kind is the type of interaction requested from a human.
type Kind string

const (
	KindApproval     Kind = "approval"
	KindInformation  Kind = "information"
	KindConversation Kind = "conversation"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindApproval, KindInformation, KindConversation:
		return true
	}
	return false
}

// Status describes the lifecycle state of a request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusResponded Status = "responded"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// Terminal reports whether s is a final state. Terminal states never change.
func (s Status) Terminal() bool {
	switch s {
	case StatusResponded, StatusTimeout, StatusCancelled, StatusError:
		return true
	}
	return false
}

// Response is the answer a human gave through a provider.
type Response struct {
	Payload     map[string]any `json:"payload,omitempty"`
	RespondedBy string         `json:"responded_by,omitempty"`
	RespondedAt time.Time      `json:"responded_at,omitempty"`
	// EndConversation closes the conversation this turn belongs to.
	EndConversation bool `json:"end_conversation,omitempty"`
}

// Request is one unit of work asking a human for approval, information or
// conversational input.
type Request struct {
	ID              string            `json:"id"`
	ConversationID  string            `json:"conversation_id"`
	TaskID          string            `json:"task_id,omitempty"`
	Kind            Kind              `json:"kind"`
	Channel         string            `json:"channel"`
	Payload         map[string]any    `json:"payload,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Status          Status            `json:"status"`
	CreatedAt       time.Time         `json:"created_at"`
	ExpireAt        time.Time         `json:"expire_at,omitempty"`
	CompletedAt     time.Time         `json:"completed_at,omitempty"`
	Response        *Response         `json:"response,omitempty"`
	Error           string            `json:"error,omitempty"`
	Reason          string            `json:"reason,omitempty"`
	ContinuationKey string            `json:"continuation_key,omitempty"`
}

// Standalone reports whether the request is not part of a multi-turn session.
// A conversation request always belongs to a session, possibly one it started.
func (r *Request) Standalone() bool {
	if r.Kind == KindConversation {
		return false
	}
	return r.ConversationID == "" || r.ConversationID == r.ID
}

// HasDeadline reports whether the request can time out.
func (r *Request) HasDeadline() bool {
	return !r.ExpireAt.IsZero()
}

// Clone returns a deep copy of the request so nested payload values are
// never shared between a store and its callers.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := *r
	out.Payload = cloneMap(r.Payload)
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	if r.Response != nil {
		resp := *r.Response
		resp.Payload = cloneMap(r.Response.Payload)
		out.Response = &resp
	}
	return &out
}

// Completion describes a terminal transition applied atomically by a store.
type Completion struct {
	Status   Status
	Response *Response
	Error    string
	Reason   string
	At       time.Time
}

// Apply writes the completion onto r. Callers must have checked that r is pending.
func (c Completion) Apply(r *Request) {
	r.Status = c.Status
	r.CompletedAt = c.At
	r.Response = nil
	r.Error = ""
	r.Reason = ""
	switch c.Status {
	case StatusResponded:
		r.Response = c.Response
	case StatusError:
		r.Error = c.Error
	case StatusCancelled:
		r.Reason = c.Reason
	}
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
