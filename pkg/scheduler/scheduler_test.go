// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type firedSet struct {
	mu  sync.Mutex
	ids []string
	ch  chan string
}

func newFiredSet() *firedSet {
	return &firedSet{ch: make(chan string, 16)}
}

func (f *firedSet) expire(id string) {
	f.mu.Lock()
	f.ids = append(f.ids, id)
	f.mu.Unlock()
	f.ch <- id
}

func (f *firedSet) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ids)
}

func TestTimeoutsFire(t *testing.T) {
	fired := newFiredSet()
	timeouts := NewTimeouts(fired.expire)
	defer timeouts.Stop()

	timeouts.Schedule("req-1", time.Now().Add(10*time.Millisecond))
	if timeouts.Len() != 1 {
		t.Fatalf("expected 1 armed timer, got %d", timeouts.Len())
	}
	select {
	case id := <-fired.ch:
		if id != "req-1" {
			t.Fatalf("unexpected id %s", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("timer did not fire")
	}
	if timeouts.Len() != 0 {
		t.Fatalf("fired timer should be removed")
	}
}

func TestTimeoutsPastDeadlineFiresImmediately(t *testing.T) {
	fired := newFiredSet()
	timeouts := NewTimeouts(fired.expire)
	defer timeouts.Stop()

	timeouts.Schedule("late", time.Now().Add(-time.Minute))
	select {
	case <-fired.ch:
	case <-time.After(time.Second):
		t.Fatalf("past deadline should fire")
	}
}

func TestTimeoutsUseConfiguredClock(t *testing.T) {
	fired := newFiredSet()
	behind := func() time.Time { return time.Now().Add(-time.Hour) }
	timeouts := NewTimeouts(fired.expire, WithNow(behind))
	defer timeouts.Stop()

	start := time.Now()
	timeouts.Schedule("skewed", behind().Add(40*time.Millisecond))
	select {
	case <-fired.ch:
		if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
			t.Fatalf("timer fired after %v, deadline was measured on the wall clock", elapsed)
		}
	case <-time.After(time.Second):
		t.Fatalf("timer did not fire")
	}
}

func TestTimeoutsCancel(t *testing.T) {
	fired := newFiredSet()
	timeouts := NewTimeouts(fired.expire)
	defer timeouts.Stop()

	timeouts.Schedule("req-1", time.Now().Add(20*time.Millisecond))
	if !timeouts.Cancel("req-1") {
		t.Fatalf("expected armed timer to be cancelled")
	}
	if timeouts.Cancel("req-1") {
		t.Fatalf("second cancel should report false")
	}
	time.Sleep(50 * time.Millisecond)
	if fired.count() != 0 {
		t.Fatalf("cancelled timer fired")
	}
}

func TestTimeoutsRescheduleFiresOnce(t *testing.T) {
	fired := newFiredSet()
	timeouts := NewTimeouts(fired.expire)
	defer timeouts.Stop()

	timeouts.Schedule("req-1", time.Now().Add(10*time.Millisecond))
	deadline := time.Now().Add(30 * time.Millisecond)
	timeouts.Schedule("req-1", deadline)
	if got, ok := timeouts.Deadline("req-1"); !ok || !got.Equal(deadline) {
		t.Fatalf("expected re-armed deadline")
	}
	time.Sleep(80 * time.Millisecond)
	if fired.count() != 1 {
		t.Fatalf("expected one firing, got %d", fired.count())
	}
}

func TestTimeoutsStop(t *testing.T) {
	fired := newFiredSet()
	timeouts := NewTimeouts(fired.expire)
	timeouts.Schedule("a", time.Now().Add(10*time.Millisecond))
	timeouts.Stop()
	timeouts.Schedule("b", time.Now())
	time.Sleep(40 * time.Millisecond)
	if fired.count() != 0 || timeouts.Len() != 0 {
		t.Fatalf("stopped timeouts must not fire")
	}
}

type testExpirer struct {
	calls    int64
	deadline int64
	expired  int
	err      error
	ch       chan struct{}
}

func (e *testExpirer) ExpireOverdue(ctx context.Context) (int, error) {
	atomic.AddInt64(&e.calls, 1)
	if deadline, ok := ctx.Deadline(); ok {
		atomic.StoreInt64(&e.deadline, deadline.UnixNano())
	}
	if e.ch != nil {
		select {
		case e.ch <- struct{}{}:
		default:
		}
	}
	return e.expired, e.err
}

type testReaper struct {
	olderThan time.Duration
	reaped    int
}

func (r *testReaper) Reap(_ context.Context, olderThan time.Duration) (int, error) {
	r.olderThan = olderThan
	return r.reaped, nil
}

func TestSweeperTimeout(t *testing.T) {
	expirer := &testExpirer{ch: make(chan struct{}, 1)}
	sweeper := NewSweeper(SweeperConfig{
		Interval: 10 * time.Millisecond,
		Timeout:  50 * time.Millisecond,
	})
	sweeper.AddExpirer(expirer)
	sweeper.Start(context.Background())
	defer sweeper.Stop()

	select {
	case <-expirer.ch:
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("expected sweeper call")
	}
	if atomic.LoadInt64(&expirer.calls) == 0 {
		t.Fatalf("expected expirer to be called")
	}
	if atomic.LoadInt64(&expirer.deadline) == 0 {
		t.Fatalf("expected deadline to be set on sweep context")
	}
}

func TestSweepOnceAggregates(t *testing.T) {
	reaper := &testReaper{reaped: 4}
	sweeper := NewSweeper(SweeperConfig{Retention: time.Hour})
	sweeper.AddExpirer(&testExpirer{expired: 2})
	sweeper.AddExpirer(&testExpirer{expired: 3})
	sweeper.AddExpirer(&testExpirer{expired: 7, err: errors.New("store down")})
	sweeper.SetReaper(reaper)

	expired, reaped := sweeper.SweepOnce(context.Background())
	if expired != 5 {
		t.Fatalf("expected 5 expired, got %d", expired)
	}
	if reaped != 4 || reaper.olderThan != time.Hour {
		t.Fatalf("expected reaper to run with retention, got %d %v", reaped, reaper.olderThan)
	}
}

func TestSweeperDisabled(t *testing.T) {
	expirer := &testExpirer{}
	sweeper := NewSweeper(SweeperConfig{})
	sweeper.AddExpirer(expirer)
	sweeper.Start(context.Background())
	sweeper.Stop()
	if atomic.LoadInt64(&expirer.calls) != 0 {
		t.Fatalf("disabled sweeper must not run")
	}
}
