// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jllopis/humanloop/pkg/core"
	"github.com/jllopis/humanloop/pkg/errors"
)

type fakeService struct {
	mu       sync.Mutex
	requests map[string]*remoteState
	auth     string
	failures int
}

func newFakeService() *fakeService {
	return &fakeService{requests: make(map[string]*remoteState)}
}

func (f *fakeService) answer(id string, resp remoteResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests[id] = &remoteState{ID: id, Status: StateAnswered, Response: &resp}
}

func (f *fakeService) failNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = n
}

func (f *fakeService) lastAuth() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.auth
}

func (f *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auth = r.Header.Get("Authorization")
	if f.failures > 0 {
		f.failures--
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/requests/")
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/requests":
		var body deliverBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ID == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.requests[body.ID] = &remoteState{ID: body.ID, Status: StatePending}
		w.WriteHeader(http.StatusCreated)
	case r.Method == http.MethodGet:
		state, ok := f.requests[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(state)
	case r.Method == http.MethodDelete:
		if _, ok := f.requests[id]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(f.requests, id)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestProvider(t *testing.T, svc *fakeService) *Provider {
	t.Helper()
	server := httptest.NewServer(svc)
	t.Cleanup(server.Close)
	p, err := New(Config{Name: "approvals", BaseURL: server.URL + "/", Token: "secret"})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return p
}

func TestDeliverFetchAnswer(t *testing.T) {
	svc := newFakeService()
	p := newTestProvider(t, svc)
	ctx := context.Background()

	req := &core.Request{
		ID:       "req-1",
		Kind:     core.KindApproval,
		Payload:  map[string]any{"action": "refund"},
		ExpireAt: time.Now().Add(time.Minute),
	}
	if err := p.Deliver(ctx, req); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if auth := svc.lastAuth(); auth != "Bearer secret" {
		t.Fatalf("expected bearer token, got %q", auth)
	}
	resp, err := p.Fetch(ctx, "req-1")
	if err != nil || resp != nil {
		t.Fatalf("expected empty poll, got %v %v", resp, err)
	}
	svc.answer("req-1", remoteResponse{Payload: map[string]any{"approved": true}, RespondedBy: "carol"})
	resp, err = p.Fetch(ctx, "req-1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if resp == nil || resp.RespondedBy != "carol" || resp.Payload["approved"] != true {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestErrorClassification(t *testing.T) {
	svc := newFakeService()
	p := newTestProvider(t, svc)
	ctx := context.Background()

	svc.failNext(1)
	err := p.Deliver(ctx, &core.Request{ID: "req-1", Kind: core.KindInformation})
	if !stderrors.Is(err, errors.ErrProviderUnavailable) || !errors.IsRecoverable(err) {
		t.Fatalf("5xx should be transient, got %v", err)
	}
	err = p.Deliver(ctx, &core.Request{Kind: core.KindInformation})
	if !stderrors.Is(err, errors.ErrProviderError) || errors.IsRecoverable(err) {
		t.Fatalf("4xx should be permanent, got %v", err)
	}
	if _, err := p.Fetch(ctx, "unknown"); !stderrors.Is(err, errors.ErrProviderError) {
		t.Fatalf("unknown remote request should be permanent, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	svc := newFakeService()
	p := newTestProvider(t, svc)
	ctx := context.Background()
	_ = p.Deliver(ctx, &core.Request{ID: "req-1", Kind: core.KindApproval})
	if err := p.Cancel(ctx, "req-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := p.Cancel(ctx, "req-1"); err != nil {
		t.Fatalf("cancelling a gone request should succeed: %v", err)
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := New(Config{}); !stderrors.Is(err, errors.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestUnreachableServiceIsTransient(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()
	p, err := New(Config{BaseURL: url, Timeout: time.Second})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := p.Deliver(context.Background(), &core.Request{ID: "x"}); !errors.IsRecoverable(err) {
		t.Fatalf("network errors should be transient, got %v", err)
	}
}
