// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"context"
	"sync"
	"time"
)

// EventType identifies a lifecycle event emitted by the manager.
type EventType string

const (
	EventRequestCreated        EventType = "request.created"
	EventRequestResponded      EventType = "request.responded"
	EventRequestTimeout        EventType = "request.timeout"
	EventRequestCancelled      EventType = "request.cancelled"
	EventRequestError          EventType = "request.error"
	EventRequestConflict       EventType = "request.conflict"
	EventConversationCompleted EventType = "conversation.completed"
	EventConversationAborted   EventType = "conversation.aborted"
)

// Event captures one lifecycle change. Terminal request events are emitted
// exactly once per request.
type Event struct {
	Type           EventType
	RequestID      string
	ConversationID string
	Channel        string
	Timestamp      time.Time
	Request        *Request
	Payload        map[string]any
}

// EventEmitter receives lifecycle events. Emit is called outside manager
// locks, so implementations may call back into the manager.
type EventEmitter interface {
	Emit(ctx context.Context, event Event)
}

// NoopEventEmitter is a default no-op implementation.
type NoopEventEmitter struct{}

// Emit implements EventEmitter.
func (NoopEventEmitter) Emit(_ context.Context, _ Event) {}

// EventEmitterFunc adapts a function to EventEmitter.
type EventEmitterFunc func(ctx context.Context, event Event)

// Emit implements EventEmitter.
func (f EventEmitterFunc) Emit(ctx context.Context, event Event) { f(ctx, event) }

// NewEvent builds an event for a request snapshot.
func NewEvent(eventType EventType, req *Request, payload map[string]any) Event {
	ev := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	if req != nil {
		ev.RequestID = req.ID
		ev.ConversationID = req.ConversationID
		ev.Channel = req.Channel
		ev.Request = req.Clone()
	}
	return ev
}

// EventCollector records events in memory. It is safe for concurrent use.
type EventCollector struct {
	mu     sync.Mutex
	events []Event
}

// NewEventCollector creates an empty collector.
func NewEventCollector() *EventCollector {
	return &EventCollector{}
}

// Emit implements EventEmitter.
func (c *EventCollector) Emit(_ context.Context, event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

// Events returns a copy of the collected events.
func (c *EventCollector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// Count returns how many events of the given type were collected.
func (c *EventCollector) Count(eventType EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}
