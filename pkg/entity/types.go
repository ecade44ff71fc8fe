/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package entity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chainguard-dev/shardregion/pkg/sharding"
)

// ErrStartFailure is matched by errors returned to requesters whose entity
// failed to load.
var ErrStartFailure = errors.New("entity start failure")

// StartError reports that an entity could not be started.
type StartError struct {
	EntityID string
	Err      error
}

// Error implements error.
func (e *StartError) Error() string {
	return fmt.Sprintf("starting entity %q: %v", e.EntityID, e.Err)
}

// Unwrap allows errors.Is to match both ErrStartFailure and the cause.
func (e *StartError) Unwrap() []error {
	return []error{ErrStartFailure, e.Err}
}

// State is the lifecycle state of a Runtime.
type State int32

const (
	StateStarting State = iota
	StateActive
	StateDraining
	StateStopped
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Ref identifies one incarnation of an entity.
type Ref struct {
	ID          string
	Shard       sharding.ShardID
	Incarnation uint64
}

// String implements fmt.Stringer.
func (r Ref) String() string {
	return fmt.Sprintf("%s/%s#%d", r.Shard, r.ID, r.Incarnation)
}

// Behavior handles the messages of a started entity.
// Receive is never called concurrently for the same entity.
type Behavior interface {
	Receive(ctx context.Context, msg any) (any, error)
}

// Stopper is implemented by behaviors holding resources that must be
// released when the entity stops.
type Stopper interface {
	Stop(ctx context.Context)
}

// Factory loads an entity's state and returns the behavior serving it.
type Factory interface {
	Start(ctx context.Context, ref Ref) (Behavior, error)
}

// FactoryFunc adapts a function into a Factory.
type FactoryFunc func(ctx context.Context, ref Ref) (Behavior, error)

// Start implements Factory.
func (f FactoryFunc) Start(ctx context.Context, ref Ref) (Behavior, error) {
	return f(ctx, ref)
}

// Owner is told about a runtime's lifecycle and makes every stop decision.
// Methods are invoked from the runtime's goroutine (or the idle sweeper) with
// no runtime lock held.
type Owner interface {
	// EntityIdle is a request to passivate; the owner may ignore it.
	EntityIdle(rt *Runtime)

	// EntityStopped hands back the messages that arrived but were not
	// processed, in arrival order.
	EntityStopped(rt *Runtime, unprocessed []sharding.Envelope)

	// EntityStartFailed reports a failed load along with every queued message.
	EntityStartFailed(rt *Runtime, err error, unprocessed []sharding.Envelope)
}

// Deadlines tracks idle deadlines on behalf of runtimes. Its methods are called
// with the runtime's lock held and must not call back into the runtime.
type Deadlines interface {
	Touch(rt *Runtime, deadline time.Time)
	Remove(rt *Runtime)
}

// Observer receives lifecycle notifications.
type Observer interface {
	Started(ctx context.Context, ref Ref)
	Stopped(ctx context.Context, ref Ref)
	StartFailed(ctx context.Context, ref Ref, err error)
}

type nopDeadlines struct{}

func (nopDeadlines) Touch(*Runtime, time.Time) {}
func (nopDeadlines) Remove(*Runtime)           {}

type nopObserver struct{}

func (nopObserver) Started(context.Context, Ref)            {}
func (nopObserver) Stopped(context.Context, Ref)            {}
func (nopObserver) StartFailed(context.Context, Ref, error) {}
