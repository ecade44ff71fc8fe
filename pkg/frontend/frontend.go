/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package frontend exposes a region over HTTP.
package frontend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/go-chi/chi/v5"

	"github.com/chainguard-dev/shardregion/pkg/customer"
	"github.com/chainguard-dev/shardregion/pkg/gateway"
	"github.com/chainguard-dev/shardregion/pkg/httpmetrics"
	"github.com/chainguard-dev/shardregion/pkg/httpratelimit"
	"github.com/chainguard-dev/shardregion/pkg/prober"
	"github.com/chainguard-dev/shardregion/pkg/region"
	"github.com/chainguard-dev/shardregion/pkg/shard"
	"github.com/chainguard-dev/shardregion/pkg/sharding"
)

// Caller issues request/response calls to entities.
type Caller interface {
	Call(ctx context.Context, entityID string, request any, timeout time.Duration) (any, error)
}

// Options configures a Server.
type Options struct {
	// Address is how the server names itself in replies.
	Address string

	RequestTimeout time.Duration

	// RateLimit is the number of requests per second accepted; zero is
	// unlimited.
	RateLimit float64
	RateBurst int

	// Health backs /healthz; nil always reports healthy.
	Health prober.Interface
}

// Server serves the customer routes.
type Server struct {
	opts    Options
	caller  Caller
	handler http.Handler

	stopOnce sync.Once
	stopped  chan struct{}
}

// New creates a server that forwards lookups to caller.
func New(caller Caller, opts Options) *Server {
	s := &Server{
		opts:    opts,
		caller:  caller,
		stopped: make(chan struct{}),
	}

	r := chi.NewRouter()
	r.Use(httpratelimit.Middleware(opts.RateLimit, opts.RateBurst))
	r.Get("/customer/{id}/address", s.handleAddress)
	r.Get("/stop", s.handleStop)
	r.Method(http.MethodGet, "/healthz", prober.Handler(opts.Health, ""))

	s.handler = httpmetrics.Handler("frontend", r)
	return s
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Stopped is closed once a client has asked the server to stop.
func (s *Server) Stopped() <-chan struct{} {
	return s.stopped
}

func (s *Server) handleAddress(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.Atoi(raw)
	if err != nil {
		http.Error(w, fmt.Sprintf("customer id %q is not an integer", raw), http.StatusBadRequest)
		return
	}

	reply, err := s.caller.Call(r.Context(), "", customer.GetAddress{ID: id}, s.opts.RequestTimeout)
	if err != nil {
		code := statusFor(err)
		log := clog.FromContext(r.Context())
		if code >= http.StatusInternalServerError {
			log.Warnf("Looking up customer %d: %v", id, err)
		}
		http.Error(w, err.Error(), code)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "Server %s replying:\n%v", s.opts.Address, reply)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "Server %s is shutting down\n", s.opts.Address)
	s.stopOnce.Do(func() {
		clog.FromContext(r.Context()).Infof("Stop requested by %s", r.RemoteAddr)
		close(s.stopped)
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, gateway.ErrTimedOut):
		return http.StatusGatewayTimeout
	case errors.Is(err, sharding.ErrInvalidMessage):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrClosed),
		errors.Is(err, region.ErrClosed),
		errors.Is(err, shard.ErrShardClosing):
		return http.StatusServiceUnavailable
	case errors.Is(err, customer.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
