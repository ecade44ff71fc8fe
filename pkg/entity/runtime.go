/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package entity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/jonboulle/clockwork"

	"github.com/chainguard-dev/shardregion/pkg/sharding"
)

// DefaultIdleTimeout is how long an entity may go without messages before it
// asks to be passivated.
const DefaultIdleTimeout = 120 * time.Second

// Config holds the knobs shared by every runtime of a shard.
type Config struct {
	IdleTimeout time.Duration
	Clock       clockwork.Clock
	Deadlines   Deadlines
	Observer    Observer
}

// Runtime is one incarnation of an entity.
type Runtime struct {
	ref     Ref
	ctx     context.Context
	factory Factory
	owner   Owner
	cfg     Config

	// mu guards everything below.
	mu           sync.Mutex
	state        State
	stopping     bool
	inFlight     bool
	queue        []sharding.Envelope
	lastActivity time.Time
	processed    uint64

	wake chan struct{}
	done chan struct{}
}

// New creates a runtime in the Starting state. Messages may be enqueued
// before Start is called.
func New(ctx context.Context, ref Ref, factory Factory, owner Owner, cfg Config) *Runtime {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Deadlines == nil {
		cfg.Deadlines = nopDeadlines{}
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}

	log := clog.FromContext(ctx).With("entity", ref.ID, "shard", ref.Shard.String(), "incarnation", ref.Incarnation)
	return &Runtime{
		ref:          ref,
		ctx:          clog.WithLogger(ctx, log),
		factory:      factory,
		owner:        owner,
		cfg:          cfg,
		state:        StateStarting,
		lastActivity: cfg.Clock.Now(),
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Ref returns the incarnation this runtime serves.
func (r *Runtime) Ref() Ref {
	return r.ref
}

// State returns the current lifecycle state.
func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Processed returns the number of messages handled so far.
func (r *Runtime) Processed() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.processed
}

// Done is closed once the runtime has stopped and notified its owner.
func (r *Runtime) Done() <-chan struct{} {
	return r.done
}

// Start loads the entity and begins processing the mailbox.
func (r *Runtime) Start() {
	go r.run()
}

// Enqueue appends a message to the mailbox. It returns false once the runtime
// has been asked to stop; the caller keeps ownership of the message.
func (r *Runtime) Enqueue(env sharding.Envelope) bool {
	r.mu.Lock()
	if r.stopping || r.state == StateStopped {
		r.mu.Unlock()
		return false
	}
	r.queue = append(r.queue, env)
	r.touchLocked()
	r.mu.Unlock()

	r.signal()
	return true
}

// touchLocked records activity and moves the idle deadline. Deadlines are
// updated under r.mu so they land in the same order as lastActivity.
func (r *Runtime) touchLocked() {
	r.lastActivity = r.cfg.Clock.Now()
	r.cfg.Deadlines.Touch(r, r.lastActivity.Add(r.cfg.IdleTimeout))
}

// Rearm restores the idle deadline of an active runtime with nothing to do.
// Owners call it after refusing an idle request, since the deadline that
// fired is no longer tracked. Busy runtimes move their deadline themselves
// once the current work completes.
func (r *Runtime) Rearm() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateActive || r.stopping || r.inFlight || len(r.queue) > 0 {
		return
	}
	r.cfg.Deadlines.Touch(r, r.lastActivity.Add(r.cfg.IdleTimeout))
}

// Idle reports whether the runtime is active with an empty mailbox, nothing in
// flight, and no activity within the idle timeout.
func (r *Runtime) Idle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateActive || r.stopping || r.inFlight || len(r.queue) > 0 {
		return false
	}
	return !r.cfg.Clock.Now().Before(r.lastActivity.Add(r.cfg.IdleTimeout))
}

// Expire is called when the idle deadline passes.
func (r *Runtime) Expire() {
	r.owner.EntityIdle(r)
}

// Stop asks the runtime to finish the message in flight and stop. Messages
// still queued are handed back to the owner. Stop does not block.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if r.stopping || r.state == StateStopped {
		r.mu.Unlock()
		return
	}
	r.stopping = true
	if r.state == StateActive {
		r.state = StateDraining
	}
	r.mu.Unlock()
	r.signal()
}

func (r *Runtime) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Runtime) run() {
	defer close(r.done)
	log := clog.FromContext(r.ctx)

	behavior, err := r.factory.Start(r.ctx, r.ref)
	if err != nil {
		log.Warnf("Failed to start entity %s: %v", r.ref, err)
		unprocessed := r.finish()
		r.cfg.Observer.StartFailed(r.ctx, r.ref, err)
		r.owner.EntityStartFailed(r, &StartError{EntityID: r.ref.ID, Err: err}, unprocessed)
		return
	}

	r.activate()
	r.cfg.Observer.Started(r.ctx, r.ref)
	log.Debugf("Entity %s active", r.ref)

	for {
		env, ok := r.next()
		if !ok {
			break
		}
		r.process(behavior, env)
	}

	if s, ok := behavior.(Stopper); ok {
		s.Stop(r.ctx)
	}
	unprocessed := r.finish()
	log.Debugf("Entity %s stopped with %d unprocessed messages", r.ref, len(unprocessed))
	r.cfg.Observer.Stopped(r.ctx, r.ref)
	r.owner.EntityStopped(r, unprocessed)
}

func (r *Runtime) activate() {
	r.mu.Lock()
	if r.stopping {
		r.state = StateDraining
	} else {
		r.state = StateActive
	}
	r.touchLocked()
	r.mu.Unlock()
}

// next blocks until a message is available or the runtime is stopping.
func (r *Runtime) next() (sharding.Envelope, bool) {
	r.mu.Lock()
	for len(r.queue) == 0 && !r.stopping {
		r.mu.Unlock()
		<-r.wake
		r.mu.Lock()
	}
	defer r.mu.Unlock()
	if r.stopping {
		return sharding.Envelope{}, false
	}

	env := r.queue[0]
	r.queue[0] = sharding.Envelope{}
	r.queue = r.queue[1:]
	r.inFlight = true
	return env, true
}

func (r *Runtime) process(b Behavior, env sharding.Envelope) {
	reply, err := r.receive(b, env.Message)

	r.mu.Lock()
	r.inFlight = false
	r.processed++
	r.touchLocked()
	r.mu.Unlock()

	if env.ReplyTo != nil && !env.Respond(reply, err) {
		clog.FromContext(r.ctx).With(env.LogAttrs()...).Debug("Discarding reply nobody is waiting for")
	}
}

func (r *Runtime) receive(b Behavior, msg any) (reply any, err error) {
	defer func() {
		if p := recover(); p != nil {
			clog.FromContext(r.ctx).Errorf("Entity %s panicked handling %T: %v", r.ref, msg, p)
			reply, err = nil, fmt.Errorf("entity %s panicked: %v", r.ref, p)
		}
	}()
	return b.Receive(r.ctx, msg)
}

// finish moves the runtime to Stopped and returns what was left in the mailbox.
func (r *Runtime) finish() []sharding.Envelope {
	r.mu.Lock()
	r.state = StateStopped
	unprocessed := r.queue
	r.queue = nil
	r.cfg.Deadlines.Remove(r)
	r.mu.Unlock()
	return unprocessed
}
