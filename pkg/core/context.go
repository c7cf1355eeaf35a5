// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

type taskIDKey struct{}

// WithTaskID attaches the caller's task id to the context. Requests created
// under this context inherit it when no explicit task id is given.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, id)
}

// TaskID returns the task id if present.
func TaskID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(taskIDKey{}).(string)
	return id, ok && id != ""
}

// EnsureTaskID ensures a task id exists in the context.
func EnsureTaskID(ctx context.Context) (context.Context, string) {
	if id, ok := TaskID(ctx); ok {
		return ctx, id
	}
	id := newTaskID()
	return WithTaskID(ctx, id), id
}

func newTaskID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "task-unknown"
	}
	return "task-" + hex.EncodeToString(buf)
}
