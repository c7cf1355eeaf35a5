// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package provider defines the channel contract the manager delivers
// requests through.
//
// A push provider hands answers back by calling Resolver.Resolve whenever a
// human responds. A pull provider is polled through Fetch until an answer
// shows up. Deliver errors marked recoverable are retried; any other error
// is treated as a permanent channel failure.
package provider

import (
	"context"
	"fmt"

	"github.com/jllopis/humanloop/pkg/core"
)

// Mode says how a provider returns answers.
type Mode string

const (
	ModePush Mode = "push"
	ModePull Mode = "pull"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModePush || m == ModePull
}

// ParseMode parses a configured mode name.
func ParseMode(s string) (Mode, error) {
	m := Mode(s)
	if !m.Valid() {
		return "", fmt.Errorf("unknown provider mode %q", s)
	}
	return m, nil
}

// Provider delivers requests to humans over one channel.
type Provider interface {
	Name() string
	Mode() Mode
	Deliver(ctx context.Context, req *core.Request) error
	Cancel(ctx context.Context, requestID string) error
}

// Fetcher is implemented by pull providers. A nil response with a nil
// error means no answer yet. Fetch must return once ctx is done.
type Fetcher interface {
	Fetch(ctx context.Context, requestID string) (*core.Response, error)
}

// Resolver accepts answers from push providers.
type Resolver interface {
	Resolve(ctx context.Context, requestID string, resp core.Response) error
}

// Binder is implemented by push providers that need the resolver.
type Binder interface {
	Bind(resolver Resolver)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, requestID string, resp core.Response) error

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(ctx context.Context, requestID string, resp core.Response) error {
	return f(ctx, requestID, resp)
}
