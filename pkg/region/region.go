/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package region routes envelopes to the shard that owns their entity,
// creating shards on first use, and sweeps idle entities.
package region

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/jonboulle/clockwork"
	"github.com/zhangyunhao116/skipmap"
	"golang.org/x/sync/errgroup"

	"github.com/chainguard-dev/shardregion/pkg/entity"
	"github.com/chainguard-dev/shardregion/pkg/idle"
	"github.com/chainguard-dev/shardregion/pkg/shard"
	"github.com/chainguard-dev/shardregion/pkg/sharding"
)

// ErrClosed is returned when routing to a region that has been closed.
var ErrClosed = errors.New("region is closed")

// Options configures a Region.
type Options struct {
	// Name identifies the region in logs, typically its listen address.
	Name string

	NumberOfShards int
	IdleTimeout    time.Duration

	// Clock defaults to the real clock.
	Clock clockwork.Clock

	// Observer is told when entities start and stop.
	Observer entity.Observer
}

// Option customizes a Region beyond its Options.
type Option func(*settings)

type settings struct {
	resolverOpts []sharding.Option
}

// WithExtractor changes how entity keys are read from message payloads.
func WithExtractor(e sharding.Extractor) Option {
	return func(s *settings) {
		s.resolverOpts = append(s.resolverOpts, sharding.WithExtractor(e))
	}
}

// Region is the entry point for all entity traffic in a process.
type Region struct {
	ctx      context.Context
	cancel   context.CancelFunc
	resolver *sharding.Resolver
	factory  entity.Factory
	cfg      entity.Config
	tracker  *idle.Tracker[*entity.Runtime]
	shards   *skipmap.OrderedMap[sharding.ShardID, *shard.Shard]
	swept    chan struct{}

	// mu is held for reading while looking up shards and for writing while
	// closing.
	mu     sync.RWMutex
	closed bool
}

// New creates a region and starts its idle sweeper. Entities run on ctx.
func New(ctx context.Context, opts Options, factory entity.Factory, options ...Option) (*Region, error) {
	var s settings
	for _, o := range options {
		o(&s)
	}
	resolver, err := sharding.NewResolver(opts.NumberOfShards, s.resolverOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating resolver: %w", err)
	}
	if opts.IdleTimeout < 0 {
		return nil, fmt.Errorf("idle timeout must not be negative, got %v", opts.IdleTimeout)
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	if opts.Name != "" {
		ctx = clog.WithLogger(ctx, clog.FromContext(ctx).With("region", opts.Name))
	}
	ctx, cancel := context.WithCancel(ctx)
	tracker := idle.New(opts.Clock, func(rt *entity.Runtime) {
		rt.Expire()
	})

	r := &Region{
		ctx:      ctx,
		cancel:   cancel,
		resolver: resolver,
		factory:  factory,
		cfg: entity.Config{
			IdleTimeout: opts.IdleTimeout,
			Clock:       opts.Clock,
			Deadlines:   tracker,
			Observer:    opts.Observer,
		},
		tracker: tracker,
		shards:  skipmap.New[sharding.ShardID, *shard.Shard](),
		swept:   make(chan struct{}),
	}
	go func() {
		defer close(r.swept)
		tracker.Run(ctx)
	}()

	clog.FromContext(ctx).Infof("Region started with %d shards", resolver.NumberOfShards())
	return r, nil
}

// Route delivers env to its entity. The reply, if any, goes to env.ReplyTo.
func (r *Region) Route(ctx context.Context, env sharding.Envelope) error {
	entityID, shardID, err := r.resolver.Resolve(env)
	if err != nil {
		clog.FromContext(ctx).With(env.LogAttrs()...).Warnf("Rejecting %T: %v", env.Message, err)
		return err
	}

	s, err := r.shardFor(ctx, shardID)
	if err != nil {
		return err
	}
	if err := s.Route(ctx, entityID, env); err != nil {
		return fmt.Errorf("routing to %s: %w", shardID, err)
	}
	return nil
}

// shardFor returns the shard for id, creating it on first use. Shards are only
// created while the region is open, so Close sees every one of them. Late
// arrivals at an existing shard are turned away by the shard itself.
func (r *Region) shardFor(ctx context.Context, id sharding.ShardID) (*shard.Shard, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrClosed
	}
	s, _ := r.shards.LoadOrStoreLazy(id, func() *shard.Shard {
		clog.FromContext(ctx).Debugf("Creating %s", id)
		return shard.New(r.ctx, id, r.factory, r.cfg)
	})
	return s, nil
}

// Passivate asks the entity to stop after its current message. It returns
// false if the entity is not running.
func (r *Region) Passivate(entityID string) bool {
	s, ok := r.shards.Load(r.resolver.ShardFor(entityID))
	if !ok {
		return false
	}
	return s.Passivate(entityID)
}

// ShardStats describes the load of one shard.
type ShardStats struct {
	Shard    sharding.ShardID
	Entities int
}

// Stats returns the entity count of every shard created so far, ordered by
// shard id.
func (r *Region) Stats() []ShardStats {
	stats := make([]ShardStats, 0, r.shards.Len())
	r.shards.Range(func(id sharding.ShardID, s *shard.Shard) bool {
		stats = append(stats, ShardStats{Shard: id, Entities: s.Len()})
		return true
	})
	return stats
}

// Entities returns the number of live entities across all shards.
func (r *Region) Entities() int {
	n := 0
	r.shards.Range(func(_ sharding.ShardID, s *shard.Shard) bool {
		n += s.Len()
		return true
	})
	return n
}

// Close passivates every entity and stops the idle sweeper. Routing after
// Close returns ErrClosed.
func (r *Region) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	log := clog.FromContext(ctx)
	log.Infof("Closing region with %d entities", r.Entities())

	var eg errgroup.Group
	r.shards.Range(func(id sharding.ShardID, s *shard.Shard) bool {
		eg.Go(func() error {
			if err := s.Close(ctx); err != nil {
				return fmt.Errorf("closing %s: %w", id, err)
			}
			return nil
		})
		return true
	})
	err := eg.Wait()

	r.cancel()
	<-r.swept
	if err != nil {
		log.Errorf("Region did not drain cleanly: %v", err)
	}
	return err
}
