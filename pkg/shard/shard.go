/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package shard hosts the entities whose keys hash to one shard and owns
// their start, passivation and replacement.
package shard

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/chainguard-dev/clog"

	"github.com/chainguard-dev/shardregion/pkg/entity"
	"github.com/chainguard-dev/shardregion/pkg/sharding"
)

// ErrShardClosing is returned for messages that arrive after Close began.
var ErrShardClosing = errors.New("shard is closing")

type entry struct {
	rt       *entity.Runtime
	draining bool
	// buffer holds messages that arrived while rt was stopping, in arrival order.
	buffer []sharding.Envelope
}

// Shard owns the entities of one shard id.
type Shard struct {
	id      sharding.ShardID
	ctx     context.Context
	factory entity.Factory
	cfg     entity.Config

	mu          sync.Mutex
	entries     map[string]*entry
	incarnation uint64
	closing     bool
	drained     chan struct{}
}

// New creates an empty shard. Entities run on ctx, not on the context of the
// request that started them.
func New(ctx context.Context, id sharding.ShardID, factory entity.Factory, cfg entity.Config) *Shard {
	return &Shard{
		id:      id,
		ctx:     clog.WithLogger(ctx, clog.FromContext(ctx).With("shard", id.String())),
		factory: factory,
		cfg:     cfg,
		entries: make(map[string]*entry),
		drained: make(chan struct{}),
	}
}

// ID returns the shard id.
func (s *Shard) ID() sharding.ShardID {
	return s.id
}

// Len returns the number of live entities.
func (s *Shard) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Entities returns the ids of the live entities, sorted.
func (s *Shard) Entities() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Route delivers env to the entity, starting it if needed.
func (s *Shard) Route(ctx context.Context, entityID string, env sharding.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[entityID]
	switch {
	case !ok && s.closing:
		return ErrShardClosing
	case !ok:
		s.spawnLocked(entityID, []sharding.Envelope{env})
	case e.draining:
		s.bufferLocked(e, env)
	case !e.rt.Enqueue(env):
		// The runtime stopped on its own (failed to load); the stop
		// notification will pick up the buffer.
		e.draining = true
		s.bufferLocked(e, env)
	default:
	}
	clog.FromContext(ctx).Debugf("Routed %T to %s/%s", env.Message, s.id, entityID)
	return nil
}

// Passivate asks the entity to stop once its in-flight message completes.
// It returns false if the entity is not running or already stopping.
func (s *Shard) Passivate(entityID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[entityID]
	if !ok || e.draining {
		return false
	}
	e.draining = true
	e.rt.Stop()
	return true
}

// EntityIdle implements entity.Owner.
func (s *Shard) EntityIdle(rt *entity.Runtime) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[rt.Ref().ID]
	if !ok || e.rt != rt || e.draining {
		return
	}
	// A message may have slipped in since the deadline fired.
	if !rt.Idle() {
		rt.Rearm()
		return
	}
	clog.FromContext(s.ctx).Infof("Passivating idle entity %s", rt.Ref())
	e.draining = true
	rt.Stop()
}

// EntityStopped implements entity.Owner.
func (s *Shard) EntityStopped(rt *entity.Runtime, unprocessed []sharding.Envelope) {
	mStops.With(labels()).Inc()
	mEntities.With(labels()).Dec()

	pending, closing := s.release(rt, unprocessed)
	if len(pending) == 0 {
		return
	}
	if !closing {
		// release already handed the messages to a new incarnation.
		return
	}
	for _, env := range pending {
		env.Fail(ErrShardClosing)
	}
}

// EntityStartFailed implements entity.Owner.
func (s *Shard) EntityStartFailed(rt *entity.Runtime, err error, unprocessed []sharding.Envelope) {
	mStartFailures.With(labels()).Inc()
	mEntities.With(labels()).Dec()

	s.mu.Lock()
	pending := unprocessed
	if e, ok := s.entries[rt.Ref().ID]; ok && e.rt == rt {
		pending = append(pending, e.buffer...)
		delete(s.entries, rt.Ref().ID)
	}
	s.maybeDrainedLocked()
	s.mu.Unlock()

	clog.FromContext(s.ctx).Warnf("Failing %d messages for %s: %v", len(pending), rt.Ref(), err)
	for _, env := range pending {
		env.Fail(err)
	}
}

// release removes a stopped runtime. Messages it never processed, followed by
// those buffered while it stopped, go to a fresh incarnation before the lock
// is released, unless the shard is closing.
func (s *Shard) release(rt *entity.Runtime, unprocessed []sharding.Envelope) ([]sharding.Envelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := rt.Ref().ID
	e, ok := s.entries[id]
	if !ok || e.rt != rt {
		clog.FromContext(s.ctx).Errorf("Stopped entity %s is not registered", rt.Ref())
		return unprocessed, true
	}
	delete(s.entries, id)

	pending := append(unprocessed, e.buffer...)
	if len(pending) > 0 && !s.closing {
		clog.FromContext(s.ctx).Infof("Restarting %s to deliver %d pending messages", id, len(pending))
		s.spawnLocked(id, pending)
	}
	s.maybeDrainedLocked()
	return pending, s.closing
}

func (s *Shard) spawnLocked(id string, envs []sharding.Envelope) {
	s.incarnation++
	ref := entity.Ref{ID: id, Shard: s.id, Incarnation: s.incarnation}
	rt := entity.New(s.ctx, ref, s.factory, s, s.cfg)
	for _, env := range envs {
		rt.Enqueue(env)
	}
	s.entries[id] = &entry{rt: rt}
	mStarts.With(labels()).Inc()
	mEntities.With(labels()).Inc()
	rt.Start()
}

func (s *Shard) bufferLocked(e *entry, env sharding.Envelope) {
	e.buffer = append(e.buffer, env)
	mBuffered.With(labels()).Inc()
}

func (s *Shard) maybeDrainedLocked() {
	if !s.closing || len(s.entries) > 0 {
		return
	}
	select {
	case <-s.drained:
	default:
		close(s.drained)
	}
}

// Close stops accepting new entities, passivates every running one and waits
// until they have all stopped or ctx is done.
func (s *Shard) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	for _, e := range s.entries {
		if !e.draining {
			e.draining = true
			e.rt.Stop()
		}
	}
	s.maybeDrainedLocked()
	s.mu.Unlock()

	select {
	case <-s.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
