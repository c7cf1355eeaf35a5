// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"sync"

	"github.com/jllopis/humanloop/pkg/core"
)

// keyedMutex serializes work per key. Entries are dropped once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock acquires the lock for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// Len returns the number of keys currently held or awaited.
func (k *keyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func conversationKey(id string) string { return "conversation:" + id }

func requestKey(id string) string { return "request:" + id }

// lockRequest takes the conversation lock (for turns) and then the request
// lock. Every path that touches both follows this order.
func (m *Manager) lockRequest(req *core.Request) func() {
	var unlockConversation func()
	if !req.Standalone() {
		unlockConversation = m.locks.Lock(conversationKey(req.ConversationID))
	}
	unlockRequest := m.locks.Lock(requestKey(req.ID))
	return func() {
		unlockRequest()
		if unlockConversation != nil {
			unlockConversation()
		}
	}
}
