/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package sharding

import (
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
)

// ErrInvalidMessage is returned when no entity key can be extracted.
var ErrInvalidMessage = errors.New("invalid message")

// ShardID identifies a shard within a region.
type ShardID int

// String implements fmt.Stringer.
func (s ShardID) String() string {
	return "shard-" + strconv.Itoa(int(s))
}

// Extractor pulls the entity key out of a message payload.
// It returns false when the message shape is not recognized.
type Extractor func(msg any) (string, bool)

// Resolver maps envelopes to (entity, shard) pairs.
type Resolver struct {
	shards  int
	extract Extractor
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithExtractor overrides how keys are pulled from message payloads.
// The default understands messages implementing Keyed.
func WithExtractor(e Extractor) Option {
	return func(r *Resolver) {
		r.extract = e
	}
}

// NewResolver creates a resolver for the given number of shards.
// The shard count must stay fixed for the lifetime of the process, since it
// determines where every entity lives.
func NewResolver(numberOfShards int, opts ...Option) (*Resolver, error) {
	if numberOfShards <= 0 {
		return nil, fmt.Errorf("number of shards must be positive, got %d", numberOfShards)
	}
	r := &Resolver{
		shards:  numberOfShards,
		extract: keyedExtractor,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func keyedExtractor(msg any) (string, bool) {
	k, ok := msg.(Keyed)
	if !ok {
		return "", false
	}
	return k.EntityID(), true
}

// NumberOfShards returns the configured shard count.
func (r *Resolver) NumberOfShards() int {
	return r.shards
}

// Resolve returns the entity an envelope is addressed to and the shard that
// owns it.
func (r *Resolver) Resolve(env Envelope) (string, ShardID, error) {
	id, err := r.entityID(env)
	if err != nil {
		return "", 0, err
	}
	return id, r.ShardFor(id), nil
}

func (r *Resolver) entityID(env Envelope) (string, error) {
	var fromMsg string
	if env.Message != nil {
		if k, ok := r.extract(env.Message); ok {
			fromMsg = k
		} else if env.EntityID == "" {
			return "", fmt.Errorf("%w: unrecognized message type %T", ErrInvalidMessage, env.Message)
		}
	}

	switch {
	case env.EntityID == "" && fromMsg == "":
		return "", fmt.Errorf("%w: no entity id", ErrInvalidMessage)
	case env.EntityID == "":
		return fromMsg, nil
	case fromMsg != "" && fromMsg != env.EntityID:
		return "", fmt.Errorf("%w: envelope addressed to %q but message names %q",
			ErrInvalidMessage, env.EntityID, fromMsg)
	default:
		return env.EntityID, nil
	}
}

// ShardFor returns the shard owning the given entity.
func (r *Resolver) ShardFor(entityID string) ShardID {
	h := fnv.New32a()
	h.Write([]byte(entityID))
	return ShardID(h.Sum32() % uint32(r.shards))
}
