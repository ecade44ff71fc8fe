/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package entity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"

	"github.com/chainguard-dev/shardregion/pkg/sharding"
)

type stopped struct {
	rt          *Runtime
	err         error
	unprocessed []sharding.Envelope
}

type fakeOwner struct {
	idle    chan *Runtime
	stopped chan stopped
	failed  chan stopped
}

func newFakeOwner() *fakeOwner {
	return &fakeOwner{
		idle:    make(chan *Runtime, 10),
		stopped: make(chan stopped, 10),
		failed:  make(chan stopped, 10),
	}
}

func (o *fakeOwner) EntityIdle(rt *Runtime) { o.idle <- rt }
func (o *fakeOwner) EntityStopped(rt *Runtime, unprocessed []sharding.Envelope) {
	o.stopped <- stopped{rt: rt, unprocessed: unprocessed}
}
func (o *fakeOwner) EntityStartFailed(rt *Runtime, err error, unprocessed []sharding.Envelope) {
	o.failed <- stopped{rt: rt, err: err, unprocessed: unprocessed}
}

// recorder is a behavior that remembers the order messages were seen in.
type recorder struct {
	mu      sync.Mutex
	seen    []any
	gate    chan struct{}
	stopped bool
}

func (r *recorder) Receive(_ context.Context, msg any) (any, error) {
	if r.gate != nil {
		<-r.gate
	}
	if msg == "boom" {
		panic("boom")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, msg)
	return fmt.Sprintf("ack %v", msg), nil
}

func (r *recorder) Stop(context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
}

func (r *recorder) messages() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.seen...)
}

func factoryFor(b Behavior) Factory {
	return FactoryFunc(func(context.Context, Ref) (Behavior, error) { return b, nil })
}

func recv(t *testing.T, ch sharding.ReplyChan) sharding.Reply {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reply")
		return sharding.Reply{}
	}
}

func TestRuntime_fifo(t *testing.T) {
	owner := newFakeOwner()
	b := &recorder{}
	rt := New(context.Background(), Ref{ID: "a"}, factoryFor(b), owner, Config{})

	// Messages enqueued before the load completes are kept in order.
	replies := make(sharding.ReplyChan, 100)
	for i := range 50 {
		if !rt.Enqueue(sharding.Envelope{Message: i, Token: fmt.Sprint(i), ReplyTo: replies}) {
			t.Fatalf("Enqueue(%d) = false", i)
		}
	}
	rt.Start()

	var want []any
	for i := range 50 {
		r := recv(t, replies)
		if r.Token != fmt.Sprint(i) {
			t.Fatalf("reply %d has token %q", i, r.Token)
		}
		want = append(want, i)
	}
	if diff := cmp.Diff(want, b.messages()); diff != "" {
		t.Errorf("processing order (-want +got): %s", diff)
	}
	if got := rt.State(); got != StateActive {
		t.Errorf("State() = %v, wanted %v", got, StateActive)
	}
	if got := rt.Processed(); got != 50 {
		t.Errorf("Processed() = %d, wanted 50", got)
	}
}

func TestRuntime_stopHandsBackQueue(t *testing.T) {
	owner := newFakeOwner()
	b := &recorder{gate: make(chan struct{})}
	rt := New(context.Background(), Ref{ID: "a"}, factoryFor(b), owner, Config{})
	rt.Start()

	replies := make(sharding.ReplyChan, 10)
	for i := range 3 {
		rt.Enqueue(sharding.Envelope{Message: i, ReplyTo: replies})
	}

	// Let the first message start, then stop while it is in flight.
	b.gate <- struct{}{}
	r := recv(t, replies)
	if r.Value != "ack 0" {
		t.Fatalf("first reply = %v", r.Value)
	}
	b.gate <- struct{}{}
	rt.Stop()
	close(b.gate)

	if rt.Enqueue(sharding.Envelope{Message: "late"}) {
		t.Error("Enqueue() after Stop = true, wanted false")
	}

	var s stopped
	select {
	case s = <-owner.stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for stop")
	}
	<-rt.Done()

	// Message 1 was in flight when Stop was called and completes; 2 never runs.
	if got := recv(t, replies); got.Value != "ack 1" {
		t.Errorf("in-flight reply = %v, wanted ack 1", got.Value)
	}
	var left []any
	for _, env := range s.unprocessed {
		left = append(left, env.Message)
	}
	if diff := cmp.Diff([]any{2}, left); diff != "" {
		t.Errorf("unprocessed (-want +got): %s", diff)
	}
	if got := rt.State(); got != StateStopped {
		t.Errorf("State() = %v, wanted %v", got, StateStopped)
	}
	if !b.stopped {
		t.Error("behavior was not stopped")
	}
}

func TestRuntime_startFailure(t *testing.T) {
	owner := newFakeOwner()
	cause := errors.New("store unavailable")
	rt := New(context.Background(), Ref{ID: "a"}, FactoryFunc(func(context.Context, Ref) (Behavior, error) {
		return nil, cause
	}), owner, Config{})

	for i := range 3 {
		rt.Enqueue(sharding.Envelope{Message: i})
	}
	rt.Start()

	var s stopped
	select {
	case s = <-owner.failed:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for start failure")
	}
	if !errors.Is(s.err, ErrStartFailure) || !errors.Is(s.err, cause) {
		t.Errorf("start error = %v, wanted ErrStartFailure wrapping %v", s.err, cause)
	}
	if got := len(s.unprocessed); got != 3 {
		t.Errorf("unprocessed = %d, wanted 3", got)
	}
	if got := rt.State(); got != StateStopped {
		t.Errorf("State() = %v, wanted %v", got, StateStopped)
	}
}

func TestRuntime_panicIsAnswered(t *testing.T) {
	owner := newFakeOwner()
	b := &recorder{}
	rt := New(context.Background(), Ref{ID: "a"}, factoryFor(b), owner, Config{})
	rt.Start()

	replies := make(sharding.ReplyChan, 2)
	rt.Enqueue(sharding.Envelope{Message: "boom", ReplyTo: replies})
	rt.Enqueue(sharding.Envelope{Message: "after", ReplyTo: replies})

	if r := recv(t, replies); r.Err == nil {
		t.Error("panicking message got no error")
	}
	if r := recv(t, replies); r.Err != nil || r.Value != "ack after" {
		t.Errorf("reply after panic = %v, %v", r.Value, r.Err)
	}
}

func TestRuntime_stopWhileStarting(t *testing.T) {
	owner := newFakeOwner()
	release := make(chan struct{})
	rt := New(context.Background(), Ref{ID: "a"}, FactoryFunc(func(context.Context, Ref) (Behavior, error) {
		<-release
		return &recorder{}, nil
	}), owner, Config{})
	rt.Start()
	rt.Enqueue(sharding.Envelope{Message: "queued"})
	rt.Stop()
	close(release)

	select {
	case s := <-owner.stopped:
		if len(s.unprocessed) != 1 {
			t.Errorf("unprocessed = %d, wanted 1", len(s.unprocessed))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for stop")
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{
		StateStarting: "starting",
		StateActive:   "active",
		StateDraining: "draining",
		StateStopped:  "stopped",
		State(42):     "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, wanted %q", s, got, want)
		}
	}
}

// deadlineLog records every deadline a runtime asks for.
type deadlineLog struct {
	mu      sync.Mutex
	touched []time.Time
	removed bool
}

func (d *deadlineLog) Touch(_ *Runtime, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.touched = append(d.touched, at)
}

func (d *deadlineLog) Remove(*Runtime) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removed = true
}

func (d *deadlineLog) all() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.touched...)
}

func TestRuntime_deadlinesFollowActivity(t *testing.T) {
	clock := clockwork.NewFakeClock()
	start := clock.Now()
	d := &deadlineLog{}
	rt := New(context.Background(), Ref{ID: "a"}, factoryFor(&recorder{}), newFakeOwner(), Config{
		IdleTimeout: time.Minute,
		Clock:       clock,
		Deadlines:   d,
	})
	rt.Start()

	replies := make(sharding.ReplyChan, 10)
	for i := range 5 {
		clock.Advance(time.Second)
		rt.Enqueue(sharding.Envelope{Message: i, ReplyTo: replies})
	}
	for range 5 {
		recv(t, replies)
	}

	got := d.all()
	for i := 1; i < len(got); i++ {
		if got[i].Before(got[i-1]) {
			t.Fatalf("deadline %d moved backwards: %v", i, got)
		}
	}
	if want := start.Add(5*time.Second + time.Minute); !got[len(got)-1].Equal(want) {
		t.Errorf("last deadline = %v, wanted %v", got[len(got)-1], want)
	}
}

func TestRuntime_rearm(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := &deadlineLog{}
	b := &recorder{gate: make(chan struct{})}
	rt := New(context.Background(), Ref{ID: "a"}, factoryFor(b), newFakeOwner(), Config{
		IdleTimeout: time.Minute,
		Clock:       clock,
		Deadlines:   d,
	})
	rt.Start()

	replies := make(sharding.ReplyChan, 1)
	rt.Enqueue(sharding.Envelope{Message: "x", ReplyTo: replies})
	last := clock.Now()

	// Busy runtimes leave their deadline alone.
	for rt.State() != StateActive {
		time.Sleep(time.Millisecond)
	}
	n := len(d.all())
	rt.Rearm()
	if got := len(d.all()); got != n {
		t.Errorf("Rearm() while busy touched the deadline")
	}

	close(b.gate)
	recv(t, replies)

	clock.Advance(30 * time.Second)
	n = len(d.all())
	rt.Rearm()
	got := d.all()
	if len(got) != n+1 {
		t.Fatalf("Rearm() while idle did not touch the deadline")
	}
	if want := last.Add(time.Minute); !got[n].Equal(want) {
		t.Errorf("rearmed deadline = %v, wanted %v", got[n], want)
	}

	rt.Stop()
	<-rt.Done()
	d.mu.Lock()
	removed := d.removed
	d.mu.Unlock()
	if !removed {
		t.Error("deadline still tracked after Stop")
	}
	n = len(d.all())
	rt.Rearm()
	if got := len(d.all()); got != n {
		t.Error("Rearm() after Stop touched the deadline")
	}
}
