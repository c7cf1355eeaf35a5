// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package httpapi is a pull provider backed by a remote approval service.
//
// The service exposes:
//
//	POST   {base}/requests        create a request
//	GET    {base}/requests/{id}   read its state
//	DELETE {base}/requests/{id}   withdraw it
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/jllopis/humanloop/pkg/core"
	"github.com/jllopis/humanloop/pkg/errors"
	"github.com/jllopis/humanloop/pkg/provider"
)

// Remote request states.
const (
	StatePending  = "pending"
	StateAnswered = "answered"
)

// Config configures the provider.
type Config struct {
	Name    string
	BaseURL string
	Token   string
	// RateLimit caps outgoing calls per second. Zero means unlimited.
	RateLimit float64
	Burst     int
	Timeout   time.Duration
	HTTP      *http.Client
}

// Provider talks to the remote service over HTTP.
type Provider struct {
	name    string
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
}

// New creates an HTTP pull provider.
func New(cfg Config) (*Provider, error) {
	if cfg.Name == "" {
		cfg.Name = "http"
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		return nil, errors.Newf(errors.CodeInvalidInput, "provider %q: base url is required", cfg.Name)
	}
	if _, err := url.Parse(base); err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "invalid base url", err)
	}
	client := cfg.HTTP
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &Provider{
		name:    cfg.Name,
		baseURL: base,
		token:   cfg.Token,
		http:    client,
		limiter: rate.NewLimiter(limit, burst),
	}, nil
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return p.name }

// Mode implements provider.Provider.
func (p *Provider) Mode() provider.Mode { return provider.ModePull }

type deliverBody struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Kind           core.Kind         `json:"kind"`
	Payload        map[string]any    `json:"payload,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	ExpireAt       *time.Time        `json:"expire_at,omitempty"`
}

type remoteResponse struct {
	Payload         map[string]any `json:"payload,omitempty"`
	RespondedBy     string         `json:"responded_by,omitempty"`
	RespondedAt     time.Time      `json:"responded_at,omitempty"`
	EndConversation bool           `json:"end_conversation,omitempty"`
}

type remoteState struct {
	ID       string          `json:"id"`
	Status   string          `json:"status"`
	Response *remoteResponse `json:"response,omitempty"`
}

// Deliver posts the request to the service.
func (p *Provider) Deliver(ctx context.Context, req *core.Request) error {
	body := deliverBody{
		ID:             req.ID,
		ConversationID: req.ConversationID,
		Kind:           req.Kind,
		Payload:        req.Payload,
		Metadata:       req.Metadata,
	}
	if req.HasDeadline() {
		expireAt := req.ExpireAt.UTC()
		body.ExpireAt = &expireAt
	}
	data, err := json.Marshal(body)
	if err != nil {
		return errors.Permanent("encode request", err)
	}
	res, err := p.do(ctx, http.MethodPost, p.baseURL+"/requests", data)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)
	return classify(res, "deliver")
}

// Fetch reads the remote state. A pending request yields a nil response.
func (p *Provider) Fetch(ctx context.Context, requestID string) (*core.Response, error) {
	res, err := p.do(ctx, http.MethodGet, p.requestURL(requestID), nil)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if err := classify(res, "fetch"); err != nil {
		return nil, err
	}
	var state remoteState
	if err := json.NewDecoder(res.Body).Decode(&state); err != nil {
		return nil, errors.Transient("decode remote state", err)
	}
	switch state.Status {
	case StatePending:
		return nil, nil
	case StateAnswered:
		if state.Response == nil {
			return nil, errors.Permanent("answered request without response", nil)
		}
		return &core.Response{
			Payload:         state.Response.Payload,
			RespondedBy:     state.Response.RespondedBy,
			RespondedAt:     state.Response.RespondedAt,
			EndConversation: state.Response.EndConversation,
		}, nil
	default:
		return nil, errors.Permanent(fmt.Sprintf("unexpected remote status %q", state.Status), nil)
	}
}

// Cancel withdraws the request. A request the service no longer knows is
// already gone.
func (p *Provider) Cancel(ctx context.Context, requestID string) error {
	res, err := p.do(ctx, http.MethodDelete, p.requestURL(requestID), nil)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)
	if res.StatusCode == http.StatusNotFound {
		return nil
	}
	return classify(res, "cancel")
}

// Ping checks the service is reachable.
func (p *Provider) Ping(ctx context.Context) error {
	res, err := p.do(ctx, http.MethodGet, p.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	return classify(res, "ping")
}

func (p *Provider) requestURL(id string) string {
	return p.baseURL + "/requests/" + url.PathEscape(id)
}

func (p *Provider) do(ctx context.Context, method, target string, body []byte) (*http.Response, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, errors.Transient("rate limiter", err)
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, errors.Permanent("build http request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	res, err := p.http.Do(req)
	if err != nil {
		return nil, errors.Transient(fmt.Sprintf("%s %s", method, target), err)
	}
	return res, nil
}

// classify maps HTTP statuses: 5xx and 429 are transient, other non-2xx
// statuses are permanent.
func classify(res *http.Response, op string) error {
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	msg := fmt.Sprintf("%s: remote returned %s", op, res.Status)
	if res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests {
		return errors.Transient(msg, nil).WithContext("status", res.StatusCode)
	}
	return errors.Permanent(msg, nil).WithContext("status", res.StatusCode)
}
