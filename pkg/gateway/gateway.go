/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package gateway turns request/response calls into envelopes routed to
// entities, correlating replies by token and bounding every wait.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chainguard-dev/shardregion/pkg/sharding"
)

var (
	// ErrTimedOut is returned when no reply arrives within the call timeout.
	ErrTimedOut = errors.New("request timed out")

	// ErrClosed is returned for calls made after Shutdown began.
	ErrClosed = errors.New("gateway is shut down")
)

// DefaultTimeout bounds calls that do not specify their own timeout.
const DefaultTimeout = 3000 * time.Millisecond

// Router delivers envelopes to entities.
type Router interface {
	Route(ctx context.Context, env sharding.Envelope) error
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithClock overrides the clock used for call timeouts.
func WithClock(c clockwork.Clock) Option {
	return func(g *Gateway) {
		g.clock = c
	}
}

// WithDefaultTimeout sets the timeout used when Call is given none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// Gateway issues calls to entities through a Router.
type Gateway struct {
	router  Router
	clock   clockwork.Clock
	timeout time.Duration
	tracer  trace.Tracer

	mu      sync.Mutex
	pending map[string]chan sharding.Reply
	closed  bool
	calls   sync.WaitGroup
}

var _ sharding.Replier = (*Gateway)(nil)

// New creates a gateway in front of router.
func New(router Router, opts ...Option) *Gateway {
	g := &Gateway{
		router:  router,
		clock:   clockwork.NewRealClock(),
		timeout: DefaultTimeout,
		tracer:  otel.Tracer("gateway"),
		pending: make(map[string]chan sharding.Reply),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Call sends request to the entity and waits for its reply. An empty entityID
// means the key is taken from the request itself. A timeout <= 0 uses the
// gateway default.
func (g *Gateway) Call(ctx context.Context, entityID string, request any, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = g.timeout
	}

	token, ch, err := g.register()
	if err != nil {
		return nil, err
	}
	defer g.calls.Done()

	ctx, span := g.tracer.Start(ctx, "gateway.Call", trace.WithAttributes(
		attribute.String("entity", entityID),
		attribute.String("token", token),
		attribute.String("request", fmt.Sprintf("%T", request)),
	))
	defer span.End()
	log := clog.FromContext(ctx).With("entity", entityID, "token", token)

	start := g.clock.Now()
	value, result, err := g.await(ctx, token, ch, sharding.Envelope{
		EntityID: entityID,
		Message:  request,
		Token:    token,
		ReplyTo:  g,
	}, timeout)

	mCalls.With(resultLabels(result)).Inc()
	mCallLatency.With(resultLabels(result)).Observe(g.clock.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, result)
		log.Debugf("Call for %T ended with %s: %v", request, result, err)
	}
	return value, err
}

func (g *Gateway) await(ctx context.Context, token string, ch <-chan sharding.Reply, env sharding.Envelope, timeout time.Duration) (any, string, error) {
	if err := g.router.Route(ctx, env); err != nil {
		g.abandon(token)
		return nil, "rejected", err
	}

	timer := g.clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return completed(r)
	case <-timer.Chan():
		if !g.abandon(token) {
			// The reply won the race with the timer.
			return completed(<-ch)
		}
		return nil, "timeout", fmt.Errorf("%w: no reply within %v", ErrTimedOut, timeout)
	case <-ctx.Done():
		if !g.abandon(token) {
			return completed(<-ch)
		}
		return nil, "canceled", ctx.Err()
	}
}

func completed(r sharding.Reply) (any, string, error) {
	if r.Err != nil {
		return r.Value, "error", r.Err
	}
	return r.Value, "ok", nil
}

func (g *Gateway) register() (string, chan sharding.Reply, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return "", nil, ErrClosed
	}
	token := uuid.NewString()
	ch := make(chan sharding.Reply, 1)
	g.pending[token] = ch
	g.calls.Add(1)
	mPending.With(labels()).Inc()
	return token, ch, nil
}

// abandon removes a pending call. It returns false if the call was already
// completed.
func (g *Gateway) abandon(token string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.pending[token]; !ok {
		return false
	}
	delete(g.pending, token)
	mPending.With(labels()).Dec()
	return true
}

// Reply implements sharding.Replier. Replies for calls that are no longer
// pending are discarded.
func (g *Gateway) Reply(r sharding.Reply) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.pending[r.Token]
	if !ok {
		mDuplicates.With(labels()).Inc()
		return false
	}
	delete(g.pending, r.Token)
	mPending.With(labels()).Dec()
	ch <- r
	return true
}

// Pending returns the number of calls waiting for a reply.
func (g *Gateway) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// Probe reports ErrClosed once the gateway has begun shutting down.
func (g *Gateway) Probe(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}
	return nil
}

// Shutdown rejects new calls and waits for the ones in flight, each of which
// is bounded by its own timeout, or until ctx is done.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	n := len(g.pending)
	g.mu.Unlock()
	clog.FromContext(ctx).Infof("Gateway shutting down with %d pending calls", n)

	done := make(chan struct{})
	go func() {
		g.calls.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
