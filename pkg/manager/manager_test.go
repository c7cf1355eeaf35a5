// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jllopis/humanloop/pkg/core"
	hlerrors "github.com/jllopis/humanloop/pkg/errors"
	"github.com/jllopis/humanloop/pkg/provider"
	"github.com/jllopis/humanloop/pkg/provider/inproc"
	"github.com/jllopis/humanloop/pkg/resilience"
	"github.com/jllopis/humanloop/pkg/scheduler"
	"github.com/jllopis/humanloop/pkg/store"
)

type fixture struct {
	m      *Manager
	mock   *inproc.Provider
	events *core.EventCollector
	store  store.Store
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastRetry() resilience.RetryConfig {
	return resilience.DefaultRetryConfig().
		WithInitialDelay(time.Millisecond).
		WithMaxDelay(2 * time.Millisecond)
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	events := core.NewEventCollector()
	base := []Option{
		WithLogger(quietLogger()),
		WithRetry(fastRetry()),
		WithPollInterval(5 * time.Millisecond),
		WithEventEmitter(events),
	}
	m, err := New(st, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(m.Close)
	mock := inproc.New("mock", provider.ModePush)
	if err := m.RegisterProvider(mock); err != nil {
		t.Fatalf("RegisterProvider: %v", err)
	}
	return &fixture{m: m, mock: mock, events: events, store: st}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func mustCreate(t *testing.T, m *Manager, in CreateRequest) string {
	t.Helper()
	id, err := m.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return id
}

func status(t *testing.T, m *Manager, id string) core.Status {
	t.Helper()
	req, err := m.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return req.Status
}

func TestApprovalWithoutAnswerTimesOut(t *testing.T) {
	f := newFixture(t)
	id := mustCreate(t, f.m, CreateRequest{
		Kind:    core.KindApproval,
		Channel: "mock",
		Payload: map[string]any{"action": "delete"},
		Timeout: 50 * time.Millisecond,
	})

	start := time.Now()
	_, err := f.m.Await(context.Background(), id, AwaitOptions{})
	if !errors.Is(err, hlerrors.ErrRequestTimedOut) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("await returned too early: %v", elapsed)
	}
	if got := status(t, f.m, id); got != core.StatusTimeout {
		t.Errorf("expected timeout status, got %s", got)
	}
	eventually(t, func() bool { return len(f.mock.Cancelled()) == 1 })
	if f.events.Count(core.EventRequestTimeout) != 1 {
		t.Errorf("expected one timeout event, got %d", f.events.Count(core.EventRequestTimeout))
	}
}

func TestInformationAnsweredOnce(t *testing.T) {
	f := newFixture(t)
	id := mustCreate(t, f.m, CreateRequest{Kind: core.KindInformation, Channel: "mock", Timeout: time.Minute})

	second := make(chan error, 1)
	go func() {
		time.Sleep(20 * time.Millisecond)
		ctx := context.Background()
		_ = f.mock.Respond(ctx, id, core.Response{Payload: map[string]any{"answer": "42"}})
		second <- f.mock.Respond(ctx, id, core.Response{Payload: map[string]any{"answer": "43"}})
	}()

	resp, err := f.m.Await(context.Background(), id, AwaitOptions{})
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if resp.Payload["answer"] != "42" {
		t.Errorf("expected answer 42, got %v", resp.Payload["answer"])
	}
	if err := <-second; !errors.Is(err, hlerrors.ErrAlreadyResolved) {
		t.Errorf("expected already resolved for second answer, got %v", err)
	}
	if resp.RespondedAt.IsZero() {
		t.Errorf("expected responded_at to be set")
	}

	// Awaiting again returns the stored answer.
	again, err := f.m.Await(context.Background(), id, AwaitOptions{})
	if err != nil || again.Payload["answer"] != "42" {
		t.Errorf("expected stored answer, got %v, %v", again, err)
	}
	if f.events.Count(core.EventRequestResponded) != 1 {
		t.Errorf("expected one responded event, got %d", f.events.Count(core.EventRequestResponded))
	}
	if f.events.Count(core.EventRequestConflict) != 1 {
		t.Errorf("expected one conflict event, got %d", f.events.Count(core.EventRequestConflict))
	}
}

func TestResolveRacesTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		id := mustCreate(t, f.m, CreateRequest{Kind: core.KindApproval, Timeout: NoTimeout})

		var (
			g          errgroup.Group
			resolveErr error
			expired    bool
		)
		g.Go(func() error {
			resolveErr = f.m.Resolve(ctx, id, core.Response{Payload: map[string]any{"approved": true}})
			return nil
		})
		g.Go(func() error {
			expired = f.m.expire(ctx, id)
			return nil
		})
		_ = g.Wait()

		resolved := resolveErr == nil
		if resolved == expired {
			t.Fatalf("iteration %d: resolved=%v expired=%v, want exactly one winner", i, resolved, expired)
		}
		if !resolved && !errors.Is(resolveErr, hlerrors.ErrAlreadyResolved) {
			t.Fatalf("iteration %d: unexpected resolve error %v", i, resolveErr)
		}
		want := core.StatusResponded
		if expired {
			want = core.StatusTimeout
		}
		if got := status(t, f.m, id); got != want {
			t.Fatalf("iteration %d: status %s, want %s", i, got, want)
		}
	}
}

func TestResolveRacesScheduledTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const rounds = 100
	for i := 0; i < rounds; i++ {
		id := mustCreate(t, f.m, CreateRequest{Kind: core.KindApproval, Timeout: time.Millisecond})
		req, err := f.m.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		time.Sleep(req.ExpireAt.Sub(time.Now().UTC()))
		resolveErr := f.m.Resolve(ctx, id, core.Response{Payload: map[string]any{"approved": true}})

		var final core.Status
		eventually(t, func() bool {
			final = status(t, f.m, id)
			return final.Terminal()
		})
		switch {
		case resolveErr == nil:
			if final != core.StatusResponded {
				t.Fatalf("iteration %d: resolve won but status is %s", i, final)
			}
		case errors.Is(resolveErr, hlerrors.ErrAlreadyResolved):
			if final != core.StatusTimeout {
				t.Fatalf("iteration %d: timer won but status is %s", i, final)
			}
		default:
			t.Fatalf("iteration %d: unexpected resolve error %v", i, resolveErr)
		}
	}
	eventually(t, func() bool {
		return f.events.Count(core.EventRequestResponded)+f.events.Count(core.EventRequestTimeout) == rounds
	})
}

func TestResolveRacesCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		id := mustCreate(t, f.m, CreateRequest{Kind: core.KindApproval, Timeout: NoTimeout})

		var g errgroup.Group
		errs := make([]error, 2)
		g.Go(func() error {
			errs[0] = f.m.Resolve(ctx, id, core.Response{})
			return nil
		})
		g.Go(func() error {
			errs[1] = f.m.Cancel(ctx, id, "operator")
			return nil
		})
		_ = g.Wait()

		winners := 0
		for _, err := range errs {
			switch {
			case err == nil:
				winners++
			case !errors.Is(err, hlerrors.ErrAlreadyResolved):
				t.Fatalf("iteration %d: unexpected error %v", i, err)
			}
		}
		if winners != 1 {
			t.Fatalf("iteration %d: %d winners", i, winners)
		}
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := mustCreate(t, f.m, CreateRequest{Kind: core.KindApproval})

	if err := f.m.Cancel(ctx, id, "no longer needed"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	_, err := f.m.Await(ctx, id, AwaitOptions{})
	if !errors.Is(err, hlerrors.ErrRequestCancelled) {
		t.Fatalf("expected cancelled, got %v", err)
	}
	req, _ := f.m.Get(ctx, id)
	if req.Reason != "no longer needed" {
		t.Errorf("expected reason to be kept, got %q", req.Reason)
	}
	if got := f.mock.Cancelled(); len(got) != 1 || got[0] != id {
		t.Errorf("expected provider withdraw of %s, got %v", id, got)
	}
	if err := f.m.Cancel(ctx, id, "again"); !errors.Is(err, hlerrors.ErrAlreadyResolved) {
		t.Errorf("expected already resolved, got %v", err)
	}
	if err := f.m.Resolve(ctx, id, core.Response{}); !errors.Is(err, hlerrors.ErrAlreadyResolved) {
		t.Errorf("expected already resolved, got %v", err)
	}
	if got := status(t, f.m, id); got != core.StatusCancelled {
		t.Errorf("terminal status changed to %s", got)
	}
}

func TestCancelWakesBlockedAwait(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := mustCreate(t, f.m, CreateRequest{Kind: core.KindApproval, Timeout: NoTimeout})

	errc := make(chan error, 1)
	go func() {
		_, err := f.m.Await(ctx, id, AwaitOptions{})
		errc <- err
	}()
	eventually(t, func() bool {
		f.m.mu.Lock()
		defer f.m.mu.Unlock()
		_, waiting := f.m.waiters[id]
		return waiting
	})
	if err := f.m.Cancel(ctx, id, "operator gave up"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, hlerrors.ErrRequestCancelled) {
			t.Fatalf("expected cancelled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("await stayed blocked after cancel")
	}
}

func TestCancelWithdrawFailureIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.mock.SetCancelError(errors.New("mailbox gone"))
	id := mustCreate(t, f.m, CreateRequest{Kind: core.KindApproval})
	if err := f.m.Cancel(context.Background(), id, ""); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.m.Create(ctx, CreateRequest{Kind: "poll"}); !errors.Is(err, hlerrors.ErrInvalidInput) {
		t.Errorf("expected invalid input for unknown kind, got %v", err)
	}
	if _, err := f.m.Create(ctx, CreateRequest{Kind: core.KindApproval, Channel: "pager"}); !errors.Is(err, hlerrors.ErrUnknownChannel) {
		t.Errorf("expected unknown channel, got %v", err)
	}
}

func TestCreateDefaults(t *testing.T) {
	f := newFixture(t, WithDefaultTimeout(time.Hour))
	ctx := core.WithTaskID(context.Background(), "task-7")

	id, err := f.m.Create(ctx, CreateRequest{Kind: core.KindApproval})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	req, _ := f.m.Get(ctx, id)
	if req.Channel != "mock" {
		t.Errorf("expected default channel, got %q", req.Channel)
	}
	if req.TaskID != "task-7" {
		t.Errorf("expected task id from context, got %q", req.TaskID)
	}
	if d := req.ExpireAt.Sub(req.CreatedAt); d != time.Hour {
		t.Errorf("expected default timeout, got %v", d)
	}
	if !req.Standalone() {
		t.Errorf("approval without conversation should be standalone")
	}

	id, _ = f.m.Create(ctx, CreateRequest{Kind: core.KindApproval, Timeout: NoTimeout})
	req, _ = f.m.Get(ctx, id)
	if req.HasDeadline() {
		t.Errorf("expected no deadline, got %v", req.ExpireAt)
	}
	if got := len(f.mock.Delivered()); got != 2 {
		t.Errorf("expected 2 deliveries, got %d", got)
	}
}

func TestDeliveryRetries(t *testing.T) {
	f := newFixture(t)
	f.mock.FailDeliveries(errors.New("blip"))
	id, err := f.m.Create(context.Background(), CreateRequest{Kind: core.KindApproval})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got := status(t, f.m, id); got != core.StatusPending {
		t.Errorf("expected pending after retry, got %s", got)
	}
	if got := len(f.mock.Delivered()); got != 1 {
		t.Errorf("expected 1 delivery, got %d", got)
	}
}

func TestDeliveryExhausted(t *testing.T) {
	f := newFixture(t)
	f.mock.FailDeliveries(errors.New("down"), errors.New("down"), errors.New("down"), errors.New("down"))
	ctx := context.Background()

	id, err := f.m.Create(ctx, CreateRequest{Kind: core.KindConversation})
	if !errors.Is(err, hlerrors.ErrProviderUnavailable) {
		t.Fatalf("expected provider unavailable, got %v", err)
	}
	if id == "" {
		t.Fatalf("expected request id with delivery error")
	}
	if got := status(t, f.m, id); got != core.StatusError {
		t.Errorf("expected error status, got %s", got)
	}
	session, _, err := f.m.Conversation(ctx, id)
	if err != nil {
		t.Fatalf("Conversation: %v", err)
	}
	if session.Status != core.SessionAborted {
		t.Errorf("expected aborted conversation, got %s", session.Status)
	}
	if _, err := f.m.Await(ctx, id, AwaitOptions{}); !errors.Is(err, hlerrors.ErrProviderError) {
		t.Errorf("expected provider error from await, got %v", err)
	}
	// Three attempts consumed three failures; the fourth is still queued.
	if _, err := f.m.Create(ctx, CreateRequest{Kind: core.KindApproval}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got := len(f.mock.Delivered()); got != 1 {
		t.Errorf("expected the retry to deliver once, got %d", got)
	}
}

func TestDeliveryRetriesStopAtDeadline(t *testing.T) {
	slow := resilience.DefaultRetryConfig().
		WithInitialDelay(80 * time.Millisecond).
		WithMaxDelay(80 * time.Millisecond)
	f := newFixture(t, WithRetry(slow))
	f.mock.FailDeliveries(errors.New("smtp down"), errors.New("smtp down"), errors.New("smtp down"))

	id, err := f.m.Create(context.Background(), CreateRequest{Kind: core.KindApproval, Timeout: 20 * time.Millisecond})
	if !errors.Is(err, hlerrors.ErrProviderUnavailable) {
		t.Fatalf("expected provider unavailable, got %v", err)
	}
	if id == "" {
		t.Fatalf("expected request id with delivery error")
	}
	if got := f.mock.DeliverCalls(); got != 1 {
		t.Errorf("expected no delivery attempt after the deadline, got %d attempts", got)
	}
	if got := status(t, f.m, id); !got.Terminal() {
		t.Errorf("expected terminal status, got %s", got)
	}
	time.Sleep(200 * time.Millisecond)
	if got := f.mock.DeliverCalls(); got != 1 {
		t.Errorf("delivery retried after Create returned: %d attempts", got)
	}
}

func TestDeliveryRetriesStopWhenCancelled(t *testing.T) {
	slow := resilience.DefaultRetryConfig().
		WithInitialDelay(50 * time.Millisecond).
		WithMaxDelay(100 * time.Millisecond)
	f := newFixture(t, WithRetry(slow))
	f.mock.FailDeliveries(errors.New("smtp down"), errors.New("smtp down"), errors.New("smtp down"))
	ctx := context.Background()

	var (
		id  string
		err error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		id, err = f.m.Create(ctx, CreateRequest{Kind: core.KindApproval, Timeout: NoTimeout})
	}()

	var pending []*core.Request
	eventually(t, func() bool {
		pending, _ = f.m.Pending(ctx, store.RequestFilter{})
		return len(pending) == 1 && f.mock.DeliverCalls() == 1
	})
	if cerr := f.m.Cancel(ctx, pending[0].ID, "abandoned"); cerr != nil {
		t.Fatalf("Cancel: %v", cerr)
	}
	<-done

	if !errors.Is(err, hlerrors.ErrProviderUnavailable) {
		t.Fatalf("expected provider unavailable, got %v", err)
	}
	if id != pending[0].ID {
		t.Errorf("expected id %s, got %s", pending[0].ID, id)
	}
	if got := f.mock.DeliverCalls(); got != 1 {
		t.Errorf("expected delivery to stop after cancel, got %d attempts", got)
	}
	if got := status(t, f.m, id); got != core.StatusCancelled {
		t.Errorf("expected cancelled status, got %s", got)
	}
}

func TestDeliveryPermanentFailure(t *testing.T) {
	f := newFixture(t)
	f.mock.FailDeliveries(hlerrors.Permanent("recipient rejected", nil))

	id, err := f.m.Create(context.Background(), CreateRequest{Kind: core.KindApproval})
	if !errors.Is(err, hlerrors.ErrProviderError) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if got := status(t, f.m, id); got != core.StatusError {
		t.Errorf("expected error status, got %s", got)
	}
	if f.events.Count(core.EventRequestError) != 1 {
		t.Errorf("expected one error event")
	}
}

func TestHealthReportsOpenBreaker(t *testing.T) {
	f := newFixture(t,
		WithRetry(fastRetry().WithMaxAttempts(1)),
		WithCircuitBreaker(resilience.CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Hour}),
	)
	ctx := context.Background()

	if _, overall := f.m.Health(ctx); overall != core.HealthHealthy {
		t.Fatalf("expected healthy, got %s", overall)
	}
	f.mock.FailDeliveries(errors.New("down"))
	if _, err := f.m.Create(ctx, CreateRequest{Kind: core.KindApproval}); err == nil {
		t.Fatalf("expected delivery failure")
	}
	results, overall := f.m.Health(ctx)
	if overall != core.HealthDegraded {
		t.Errorf("expected degraded, got %s", overall)
	}
	if len(results) != 2 {
		t.Errorf("expected store and provider results, got %d", len(results))
	}
	if _, err := f.m.Create(ctx, CreateRequest{Kind: core.KindApproval}); !errors.Is(err, hlerrors.ErrProviderUnavailable) {
		t.Errorf("expected open breaker to reject delivery, got %v", err)
	}
}

func TestAwaitContextLost(t *testing.T) {
	f := newFixture(t)
	id := mustCreate(t, f.m, CreateRequest{Kind: core.KindApproval, Timeout: NoTimeout})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.m.Await(ctx, id, AwaitOptions{})
	if !errors.Is(err, hlerrors.ErrContextLost) {
		t.Fatalf("expected context lost, got %v", err)
	}
	if got := status(t, f.m, id); got != core.StatusPending {
		t.Errorf("request must stay pending, got %s", got)
	}
}

func TestAwaitUnknownRequest(t *testing.T) {
	f := newFixture(t)
	if _, err := f.m.Await(context.Background(), "missing", AwaitOptions{}); !errors.Is(err, hlerrors.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	if len(f.m.waiters) != 0 {
		t.Errorf("expected no waiters left, got %d", len(f.m.waiters))
	}
}

func TestAwaitUsesManagerClock(t *testing.T) {
	behind := func() time.Time { return time.Now().UTC().Add(-time.Hour) }
	f := newFixture(t, WithClock(behind))
	id := mustCreate(t, f.m, CreateRequest{Kind: core.KindApproval, Timeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := f.m.Await(context.Background(), id, AwaitOptions{})
	if !errors.Is(err, hlerrors.ErrRequestTimedOut) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("deadline measured on the wall clock: await returned after %v", elapsed)
	}
}

func TestRequestBlocksUntilAnswered(t *testing.T) {
	notify := make(chan *core.Request, 1)
	f := newFixture(t)
	desk := inproc.New("desk", provider.ModePush, inproc.WithNotify(notify))
	if err := f.m.RegisterProvider(desk); err != nil {
		t.Fatalf("RegisterProvider: %v", err)
	}
	go func() {
		req := <-notify
		_ = desk.Respond(context.Background(), req.ID, core.Response{
			Payload:     map[string]any{"approved": true},
			RespondedBy: "ops",
		})
	}()

	resp, err := f.m.Request(context.Background(), CreateRequest{Kind: core.KindApproval, Channel: "desk"}, AwaitOptions{})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp.RespondedBy != "ops" || resp.Payload["approved"] != true {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestPullProvider(t *testing.T) {
	f := newFixture(t)
	queue := inproc.New("queue", provider.ModePull)
	if err := f.m.RegisterProvider(queue); err != nil {
		t.Fatalf("RegisterProvider: %v", err)
	}
	ctx := context.Background()
	id := mustCreate(t, f.m, CreateRequest{Kind: core.KindInformation, Channel: "queue", Timeout: time.Minute})

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = queue.Respond(ctx, id, core.Response{Payload: map[string]any{"answer": "blue"}})
	}()
	resp, err := f.m.Await(ctx, id, AwaitOptions{PollInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if resp.Payload["answer"] != "blue" {
		t.Errorf("unexpected answer %v", resp.Payload)
	}
	if queue.FetchCalls() < 2 {
		t.Errorf("expected empty polls before the answer, got %d fetches", queue.FetchCalls())
	}
}

func TestPullAwaitStopsAtDeadline(t *testing.T) {
	f := newFixture(t)
	queue := inproc.New("queue", provider.ModePull)
	_ = f.m.RegisterProvider(queue)
	id := mustCreate(t, f.m, CreateRequest{Kind: core.KindInformation, Channel: "queue", Timeout: 40 * time.Millisecond})

	_, err := f.m.Await(context.Background(), id, AwaitOptions{PollInterval: 5 * time.Millisecond})
	if !errors.Is(err, hlerrors.ErrRequestTimedOut) {
		t.Fatalf("expected timeout, got %v", err)
	}
	calls := queue.FetchCalls()
	time.Sleep(20 * time.Millisecond)
	if queue.FetchCalls() != calls {
		t.Errorf("polling continued after the deadline")
	}
}

// stallingQueue is a pull channel whose Fetch hangs until its context ends.
type stallingQueue struct {
	*inproc.Provider
}

func (q stallingQueue) Fetch(ctx context.Context, _ string) (*core.Response, error) {
	select {
	case <-time.After(2 * time.Second):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestPullSlowFetchStopsAtDeadline(t *testing.T) {
	f := newFixture(t)
	if err := f.m.RegisterProvider(stallingQueue{inproc.New("slow", provider.ModePull)}); err != nil {
		t.Fatalf("RegisterProvider: %v", err)
	}
	id := mustCreate(t, f.m, CreateRequest{Kind: core.KindInformation, Channel: "slow", Timeout: 100 * time.Millisecond})

	start := time.Now()
	_, err := f.m.Await(context.Background(), id, AwaitOptions{PollInterval: 5 * time.Millisecond})
	if !errors.Is(err, hlerrors.ErrRequestTimedOut) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("slow fetch held the caller past the deadline: %v", elapsed)
	}
}

func TestPullPermanentFetchError(t *testing.T) {
	f := newFixture(t)
	queue := inproc.New("queue", provider.ModePull)
	_ = f.m.RegisterProvider(queue)
	queue.SetFetchError(hlerrors.Permanent("ticket deleted", nil))
	id := mustCreate(t, f.m, CreateRequest{Kind: core.KindInformation, Channel: "queue", Timeout: time.Minute})

	_, err := f.m.Await(context.Background(), id, AwaitOptions{})
	if !errors.Is(err, hlerrors.ErrProviderError) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if got := status(t, f.m, id); got != core.StatusError {
		t.Errorf("expected error status, got %s", got)
	}
}

func TestPullRecoverableFetchErrorKeepsPolling(t *testing.T) {
	f := newFixture(t)
	queue := inproc.New("queue", provider.ModePull)
	_ = f.m.RegisterProvider(queue)
	queue.SetFetchError(hlerrors.Transient("gateway timeout", nil))
	ctx := context.Background()
	id := mustCreate(t, f.m, CreateRequest{Kind: core.KindInformation, Channel: "queue", Timeout: time.Minute})

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = queue.Respond(ctx, id, core.Response{Payload: map[string]any{"answer": "ok"}})
		queue.SetFetchError(nil)
	}()
	resp, err := f.m.Await(ctx, id, AwaitOptions{PollInterval: 2 * time.Millisecond})
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if resp.Payload["answer"] != "ok" {
		t.Errorf("unexpected answer %v", resp.Payload)
	}
}

func TestExpireOverdueAfterRestart(t *testing.T) {
	st := store.NewMemoryStore()
	first, err := New(st, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_ = first.RegisterProvider(inproc.New("mock", provider.ModePush))
	ctx := context.Background()
	overdue := mustCreate(t, first, CreateRequest{Kind: core.KindApproval, Timeout: 10 * time.Millisecond})
	waiting := mustCreate(t, first, CreateRequest{Kind: core.KindApproval, Timeout: time.Hour})
	first.Close()
	time.Sleep(30 * time.Millisecond)

	second, err := New(st, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(second.Close)
	_ = second.RegisterProvider(inproc.New("mock", provider.ModePush))

	if got := status(t, second, overdue); got != core.StatusPending {
		t.Fatalf("timer should have been stopped, got %s", got)
	}
	sweeper := scheduler.NewSweeper(scheduler.SweeperConfig{Interval: time.Hour, Logger: quietLogger()})
	sweeper.AddExpirer(second)
	expired, _ := sweeper.SweepOnce(ctx)
	if expired != 1 {
		t.Errorf("expected 1 expired, got %d", expired)
	}
	if got := status(t, second, overdue); got != core.StatusTimeout {
		t.Errorf("expected timeout, got %s", got)
	}
	if got := status(t, second, waiting); got != core.StatusPending {
		t.Errorf("expected pending, got %s", got)
	}
}

func TestRearm(t *testing.T) {
	st := store.NewMemoryStore()
	first, _ := New(st, WithLogger(quietLogger()))
	_ = first.RegisterProvider(inproc.New("mock", provider.ModePush))
	id := mustCreate(t, first, CreateRequest{Kind: core.KindApproval, Timeout: 30 * time.Millisecond})
	mustCreate(t, first, CreateRequest{Kind: core.KindApproval, Timeout: NoTimeout})
	first.Close()

	second, _ := New(st, WithLogger(quietLogger()))
	t.Cleanup(second.Close)
	_ = second.RegisterProvider(inproc.New("mock", provider.ModePush))
	armed, err := second.Rearm(context.Background())
	if err != nil {
		t.Fatalf("Rearm: %v", err)
	}
	if armed != 1 {
		t.Errorf("expected 1 armed timer, got %d", armed)
	}
	eventually(t, func() bool { return status(t, second, id) == core.StatusTimeout })
}

func TestReap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	done := mustCreate(t, f.m, CreateRequest{Kind: core.KindApproval})
	pending := mustCreate(t, f.m, CreateRequest{Kind: core.KindApproval})
	if err := f.m.Resolve(ctx, done, core.Response{}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	sweeper := scheduler.NewSweeper(scheduler.SweeperConfig{Interval: time.Hour, Retention: time.Millisecond, Logger: quietLogger()})
	sweeper.SetReaper(f.m)
	_, reaped := sweeper.SweepOnce(ctx)
	if reaped != 1 {
		t.Errorf("expected 1 reaped, got %d", reaped)
	}
	if _, err := f.m.Get(ctx, done); !errors.Is(err, hlerrors.ErrNotFound) {
		t.Errorf("expected reaped request to be gone, got %v", err)
	}
	if got := status(t, f.m, pending); got != core.StatusPending {
		t.Errorf("pending request must survive, got %s", got)
	}
	if _, err := f.m.Reap(ctx, -time.Second); !errors.Is(err, hlerrors.ErrInvalidInput) {
		t.Errorf("expected invalid input, got %v", err)
	}
}

func TestPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := mustCreate(t, f.m, CreateRequest{Kind: core.KindApproval, TaskID: "t1"})
	mustCreate(t, f.m, CreateRequest{Kind: core.KindApproval, TaskID: "t2"})
	b := mustCreate(t, f.m, CreateRequest{Kind: core.KindInformation, TaskID: "t1"})
	_ = f.m.Cancel(ctx, b, "")

	got, err := f.m.Pending(ctx, store.RequestFilter{Status: core.StatusCancelled, TaskID: "t1"})
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(got) != 1 || got[0].ID != a {
		t.Errorf("expected only %s, got %v", a, got)
	}
}
