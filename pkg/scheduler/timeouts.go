// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package scheduler arms per-request deadlines and periodically sweeps the
// store for overdue and expired records.
package scheduler

import (
	"sync"
	"time"
)

// ExpireFunc is invoked once when a request deadline passes.
type ExpireFunc func(id string)

type timeoutEntry struct {
	timer    *time.Timer
	deadline time.Time
}

// Timeouts holds one cancellable timer per pending request.
type Timeouts struct {
	mu      sync.Mutex
	timers  map[string]*timeoutEntry
	expire  ExpireFunc
	now     func() time.Time
	stopped bool
}

// TimeoutsOption configures a Timeouts.
type TimeoutsOption func(*Timeouts)

// WithNow sets the clock deadlines are measured against. It must be the
// clock that produced them.
func WithNow(now func() time.Time) TimeoutsOption {
	return func(t *Timeouts) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTimeouts creates a timer set that calls expire when a deadline passes.
func NewTimeouts(expire ExpireFunc, opts ...TimeoutsOption) *Timeouts {
	t := &Timeouts{
		timers: make(map[string]*timeoutEntry),
		expire: expire,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Schedule arms (or re-arms) the deadline for id. A deadline in the past
// fires immediately on its own goroutine.
func (t *Timeouts) Schedule(id string, deadline time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if prev, ok := t.timers[id]; ok {
		prev.timer.Stop()
	}
	entry := &timeoutEntry{deadline: deadline}
	delay := deadline.Sub(t.now())
	if delay < 0 {
		delay = 0
	}
	entry.timer = time.AfterFunc(delay, func() { t.fire(id, entry) })
	t.timers[id] = entry
}

func (t *Timeouts) fire(id string, entry *timeoutEntry) {
	t.mu.Lock()
	current, ok := t.timers[id]
	if !ok || current != entry || t.stopped {
		t.mu.Unlock()
		return
	}
	delete(t.timers, id)
	t.mu.Unlock()
	t.expire(id)
}

// Cancel disarms the deadline for id. It reports whether a timer was armed.
func (t *Timeouts) Cancel(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.timers[id]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(t.timers, id)
	return true
}

// Deadline returns the armed deadline for id.
func (t *Timeouts) Deadline(id string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.timers[id]
	if !ok {
		return time.Time{}, false
	}
	return entry.deadline, true
}

// Len returns the number of armed timers.
func (t *Timeouts) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}

// Stop disarms every timer. Later calls to Schedule are ignored.
func (t *Timeouts) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for id, entry := range t.timers {
		entry.timer.Stop()
		delete(t.timers, id)
	}
}
