// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"sort"
	"sync"

	"github.com/jllopis/humanloop/pkg/errors"
)

// Registry maps channel names to providers and tracks the default channel.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	fallback  string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds p. The first provider registered becomes the default channel.
func (r *Registry) Register(p Provider) error {
	if p == nil || p.Name() == "" {
		return errors.New(errors.CodeInvalidInput, "provider name is required", nil)
	}
	mode := p.Mode()
	if !mode.Valid() {
		return errors.Newf(errors.CodeInvalidInput, "provider %q has unknown mode %q", p.Name(), mode)
	}
	if mode == ModePull {
		if _, ok := p.(Fetcher); !ok {
			return errors.Newf(errors.CodeInvalidInput, "pull provider %q does not implement Fetch", p.Name())
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[p.Name()]; ok {
		return errors.Newf(errors.CodeInvalidInput, "provider %q already registered", p.Name())
	}
	r.providers[p.Name()] = p
	if r.fallback == "" {
		r.fallback = p.Name()
	}
	return nil
}

// Resolve returns the provider for channel. An empty channel selects the default.
func (r *Registry) Resolve(channel string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if channel == "" {
		channel = r.fallback
	}
	if channel == "" {
		return nil, errors.New(errors.CodeUnknownChannel, "no provider registered", nil)
	}
	p, ok := r.providers[channel]
	if !ok {
		return nil, errors.Newf(errors.CodeUnknownChannel, "no provider registered for channel %q", channel).
			WithContext("channel", channel)
	}
	return p, nil
}

// SetDefault changes the default channel.
func (r *Registry) SetDefault(channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[channel]; !ok {
		return errors.Newf(errors.CodeUnknownChannel, "no provider registered for channel %q", channel)
	}
	r.fallback = channel
	return nil
}

// Default returns the default channel name.
func (r *Registry) Default() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fallback
}

// Names returns the registered channel names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns the registered providers ordered by name.
func (r *Registry) All() []Provider {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(names))
	for _, name := range names {
		if p, ok := r.providers[name]; ok {
			out = append(out, p)
		}
	}
	return out
}
