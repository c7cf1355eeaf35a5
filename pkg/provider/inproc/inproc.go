// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package inproc is an in-process provider. Humans (or tests) answer
// through Respond, in either push or pull mode.
package inproc

import (
	"context"
	"sync"

	"github.com/jllopis/humanloop/pkg/core"
	"github.com/jllopis/humanloop/pkg/errors"
	"github.com/jllopis/humanloop/pkg/provider"
)

// Provider keeps delivered requests in memory.
type Provider struct {
	name string
	mode provider.Mode

	mu           sync.Mutex
	resolver     provider.Resolver
	delivered    []*core.Request
	cancelled    []string
	answers      map[string]*core.Response
	failures     []error
	fetchErr     error
	cancelErr    error
	fetchCalls   int
	deliverCalls int
	notify       chan *core.Request
}

// Option configures the provider.
type Option func(*Provider)

// WithNotify sends every delivered request on ch without blocking.
func WithNotify(ch chan *core.Request) Option {
	return func(p *Provider) { p.notify = ch }
}

// New creates a provider with the given channel name and mode.
func New(name string, mode provider.Mode, opts ...Option) *Provider {
	p := &Provider{
		name:    name,
		mode:    mode,
		answers: make(map[string]*core.Response),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return p.name }

// Mode implements provider.Provider.
func (p *Provider) Mode() provider.Mode { return p.mode }

// Bind implements provider.Binder.
func (p *Provider) Bind(resolver provider.Resolver) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resolver = resolver
}

// Deliver records the request, or fails with the next queued failure.
func (p *Provider) Deliver(_ context.Context, req *core.Request) error {
	p.mu.Lock()
	p.deliverCalls++
	if len(p.failures) > 0 {
		err := p.failures[0]
		p.failures = p.failures[1:]
		p.mu.Unlock()
		return err
	}
	clone := req.Clone()
	p.delivered = append(p.delivered, clone)
	notify := p.notify
	p.mu.Unlock()
	if notify != nil {
		select {
		case notify <- clone:
		default:
		}
	}
	return nil
}

// Cancel records the cancellation.
func (p *Provider) Cancel(_ context.Context, requestID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, requestID)
	delete(p.answers, requestID)
	return p.cancelErr
}

// Fetch returns the stored answer for requestID, if any.
func (p *Provider) Fetch(_ context.Context, requestID string) (*core.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetchCalls++
	if p.fetchErr != nil {
		return nil, p.fetchErr
	}
	resp, ok := p.answers[requestID]
	if !ok {
		return nil, nil
	}
	out := *resp
	return &out, nil
}

// Respond answers a request. A push provider resolves through the bound
// resolver right away; a pull provider holds the answer until fetched.
func (p *Provider) Respond(ctx context.Context, requestID string, resp core.Response) error {
	p.mu.Lock()
	if p.mode == provider.ModePull {
		p.answers[requestID] = &resp
		p.mu.Unlock()
		return nil
	}
	resolver := p.resolver
	p.mu.Unlock()
	if resolver == nil {
		return errors.Newf(errors.CodeProviderError, "provider %q is not bound to a resolver", p.name)
	}
	return resolver.Resolve(ctx, requestID, resp)
}

// FailDeliveries queues errors returned by the next Deliver calls.
func (p *Provider) FailDeliveries(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = append(p.failures, errs...)
}

// SetFetchError makes every Fetch fail with err. Nil clears it.
func (p *Provider) SetFetchError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetchErr = err
}

// SetCancelError makes Cancel fail with err.
func (p *Provider) SetCancelError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelErr = err
}

// Delivered returns the requests delivered so far.
func (p *Provider) Delivered() []*core.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*core.Request, len(p.delivered))
	copy(out, p.delivered)
	return out
}

// Cancelled returns the ids cancelled so far.
func (p *Provider) Cancelled() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.cancelled...)
}

// DeliverCalls returns how many times Deliver ran, failed calls included.
func (p *Provider) DeliverCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deliverCalls
}

// FetchCalls returns how many times Fetch ran.
func (p *Provider) FetchCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetchCalls
}
