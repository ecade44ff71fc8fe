/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package httpratelimit limits inbound requests on servers and honors
// Retry-After on clients.
package httpratelimit

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"golang.org/x/time/rate"
)

// HeaderRetryAfter carries how many seconds a client should wait before retrying.
const HeaderRetryAfter = "Retry-After"

// Middleware rejects requests beyond perSecond (with the given burst) with
// 429 Too Many Requests and a Retry-After hint. A non-positive perSecond
// disables limiting.
func Middleware(perSecond float64, burst int) func(http.Handler) http.Handler {
	if perSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if burst <= 0 {
		burst = 1
	}
	l := rate.NewLimiter(rate.Limit(perSecond), burst)
	retryAfter := strconv.Itoa(int(math.Ceil(1 / perSecond)))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow() {
				clog.FromContext(r.Context()).Debugf("Rate limiting %s %s", r.Method, r.URL.Path)
				w.Header().Set(HeaderRetryAfter, retryAfter)
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Transport wraps an http.RoundTripper and, when a server answers 429 or
// 503 with a Retry-After header, pauses all requests for that long and retries.
type Transport struct {
	base       http.RoundTripper
	limiter    *limiter
	maxRetries int
}

// NewTransport creates a transport that retries a request at most maxRetries
// times. A nil base uses http.DefaultTransport.
func NewTransport(base http.RoundTripper, maxRetries int) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{
		base:       base,
		limiter:    &limiter{base: rate.NewLimiter(rate.Inf, 100)},
		maxRetries: maxRetries,
	}
}

// RoundTrip implements http.RoundTripper.
func (rt *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	for attempt := 0; ; attempt++ {
		if err := rt.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		resp, err := rt.base.RoundTrip(req)
		if err != nil || attempt >= rt.maxRetries || req.Body != nil && req.GetBody == nil {
			return resp, err
		}
		d, ok := retryAfter(ctx, resp)
		if !ok {
			return resp, nil
		}
		clog.FromContext(ctx).With("retry_after", d).Warnf("Server at %s asked us to back off", req.URL.Host)
		if resp.Body != nil {
			resp.Body.Close()
		}
		rt.limiter.PauseFor(d)
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			req.Body = body
		}
	}
}

func retryAfter(ctx context.Context, resp *http.Response) (time.Duration, bool) {
	if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusServiceUnavailable {
		return 0, false
	}
	v := resp.Header.Get(HeaderRetryAfter)
	if v == "" {
		return 0, false
	}
	seconds, err := strconv.Atoi(v)
	if err != nil || seconds < 0 {
		clog.FromContext(ctx).Warnf("Failed to parse retry-after header %q", v)
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}

// limiter is a rate limiter that can be paused for everyone at once.
type limiter struct {
	base       *rate.Limiter
	mu         sync.Mutex
	pauseUntil time.Time
	pauseCh    chan struct{}
}

// Wait blocks until any active pause ends and the rate limiter allows a
// request.
func (l *limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	pauseCh := l.pauseCh
	l.mu.Unlock()

	if pauseCh != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pauseCh:
		}
	}
	return l.base.Wait(ctx)
}

// PauseFor blocks requests for d, extending but never shortening a pause
// already in effect.
func (l *limiter) PauseFor(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	until := time.Now().Add(d)
	if !until.After(l.pauseUntil) {
		return
	}
	l.pauseUntil = until

	if l.pauseCh != nil {
		close(l.pauseCh)
	}
	ch := make(chan struct{})
	l.pauseCh = ch

	go func() {
		timer := time.NewTimer(d)
		defer timer.Stop()
		<-timer.C

		l.mu.Lock()
		defer l.mu.Unlock()
		if ch == l.pauseCh {
			close(ch)
			l.pauseCh = nil
			l.pauseUntil = time.Time{}
		}
	}()
}
