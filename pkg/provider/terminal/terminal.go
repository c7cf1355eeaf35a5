// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package terminal is a push provider that prompts an operator on a
// terminal, one request at a time.
package terminal

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jllopis/humanloop/pkg/core"
	"github.com/jllopis/humanloop/pkg/errors"
	"github.com/jllopis/humanloop/pkg/provider"
)

// EndCommand typed as a conversation reply closes the conversation.
const EndCommand = "/end"

// Provider prompts on out and reads answers from in.
type Provider struct {
	name      string
	in        io.Reader
	out       io.Writer
	prompt    string
	operator  string
	queueSize int
	log       *slog.Logger

	queue     chan *core.Request
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once

	mu        sync.Mutex
	resolver  provider.Resolver
	cancelled map[string]bool
}

// Option configures the provider.
type Option func(*Provider)

// WithInput sets the input reader.
func WithInput(r io.Reader) Option {
	return func(p *Provider) {
		if r != nil {
			p.in = r
		}
	}
}

// WithOutput sets the output writer.
func WithOutput(w io.Writer) Option {
	return func(p *Provider) {
		if w != nil {
			p.out = w
		}
	}
}

// WithPrompt sets the prompt string.
func WithPrompt(prompt string) Option {
	return func(p *Provider) {
		if strings.TrimSpace(prompt) != "" {
			p.prompt = prompt
		}
	}
}

// WithOperator sets the RespondedBy value of answers.
func WithOperator(name string) Option {
	return func(p *Provider) {
		if name != "" {
			p.operator = name
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Provider) {
		if log != nil {
			p.log = log
		}
	}
}

// New creates a terminal provider on stdin/stdout.
func New(name string, opts ...Option) *Provider {
	p := &Provider{
		name:      name,
		in:        os.Stdin,
		out:       os.Stdout,
		prompt:    "> ",
		operator:  "operator",
		queueSize: 64,
		log:       slog.Default(),
		cancelled: make(map[string]bool),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.queue = make(chan *core.Request, p.queueSize)
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return p.name }

// Mode implements provider.Provider.
func (p *Provider) Mode() provider.Mode { return provider.ModePush }

// Bind implements provider.Binder.
func (p *Provider) Bind(resolver provider.Resolver) {
	p.mu.Lock()
	p.resolver = resolver
	p.mu.Unlock()
	p.startOnce.Do(func() { go p.run() })
}

// Deliver queues the request for prompting.
func (p *Provider) Deliver(ctx context.Context, req *core.Request) error {
	select {
	case <-p.ctx.Done():
		return errors.Permanent("terminal provider closed", nil)
	default:
	}
	select {
	case p.queue <- req.Clone():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return errors.Transient("terminal prompt queue is full", nil)
	}
}

// Cancel drops a queued request, or marks the current prompt as stale.
func (p *Provider) Cancel(_ context.Context, requestID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled[requestID] = true
	return nil
}

// Close stops prompting and waits for the prompt loop to exit.
func (p *Provider) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		p.startOnce.Do(func() { close(p.done) })
	})
	<-p.done
	return nil
}

func (p *Provider) run() {
	defer close(p.done)
	lines := make(chan string)
	go func() {
		defer close(lines)
		reader := bufio.NewReader(p.in)
		for {
			line, err := reader.ReadString('\n')
			if line != "" || err == nil {
				select {
				case lines <- strings.TrimRight(line, "\r\n"):
				case <-p.ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	for {
		select {
		case <-p.ctx.Done():
			return
		case req := <-p.queue:
			if p.isCancelled(req.ID) {
				continue
			}
			if err := p.render(req); err != nil {
				p.log.Warn("provider.terminal.render.error",
					slog.String("request_id", req.ID),
					slog.String("error", err.Error()),
				)
			}
			var (
				line string
				ok   bool
			)
			select {
			case <-p.ctx.Done():
				return
			case line, ok = <-lines:
			}
			if !ok {
				p.log.Info("provider.terminal.input.closed")
				return
			}
			p.answer(req, line)
		}
	}
}

func (p *Provider) isCancelled(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelled[id] {
		delete(p.cancelled, id)
		return true
	}
	return false
}

func (p *Provider) render(req *core.Request) error {
	title := "Information requested"
	switch req.Kind {
	case core.KindApproval:
		title = "Approval required"
	case core.KindConversation:
		title = "Conversation " + req.ConversationID
	}
	if _, err := fmt.Fprintf(p.out, "\n%s [%s]\n", title, req.ID); err != nil {
		return err
	}
	if len(req.Payload) > 0 {
		body, err := yaml.Marshal(req.Payload)
		if err != nil {
			return err
		}
		if _, err := p.out.Write(body); err != nil {
			return err
		}
	}
	if !req.ExpireAt.IsZero() {
		_, _ = fmt.Fprintf(p.out, "Expires: %s\n", req.ExpireAt.Format(time.RFC3339))
	}
	prompt := p.prompt
	switch req.Kind {
	case core.KindApproval:
		prompt = "Approve? [y/N]: "
	case core.KindConversation:
		prompt = fmt.Sprintf("(%s to finish) %s", EndCommand, p.prompt)
	}
	_, err := fmt.Fprint(p.out, prompt)
	return err
}

// parseAnswer maps an operator line to a response for the request kind.
func parseAnswer(kind core.Kind, line string) core.Response {
	text := strings.TrimSpace(line)
	resp := core.Response{RespondedAt: time.Now().UTC()}
	switch kind {
	case core.KindApproval:
		answer := strings.ToLower(text)
		resp.Payload = map[string]any{
			"approved": strings.HasPrefix(answer, "y"),
			"answer":   text,
		}
	case core.KindConversation:
		if text == EndCommand {
			resp.EndConversation = true
			resp.Payload = map[string]any{}
			return resp
		}
		if rest, ok := strings.CutSuffix(text, " "+EndCommand); ok {
			resp.EndConversation = true
			text = strings.TrimSpace(rest)
		}
		resp.Payload = map[string]any{"message": text}
	default:
		resp.Payload = map[string]any{"answer": text}
	}
	return resp
}

func (p *Provider) answer(req *core.Request, line string) {
	resp := parseAnswer(req.Kind, line)
	resp.RespondedBy = p.operator
	p.mu.Lock()
	resolver := p.resolver
	p.mu.Unlock()
	if resolver == nil {
		return
	}
	err := resolver.Resolve(p.ctx, req.ID, resp)
	switch {
	case err == nil:
	case stderrors.Is(err, errors.ErrAlreadyResolved):
		_, _ = fmt.Fprintln(p.out, "(request already closed, answer ignored)")
	default:
		p.log.Warn("provider.terminal.resolve.error",
			slog.String("request_id", req.ID),
			slog.String("error", err.Error()),
		)
	}
}
