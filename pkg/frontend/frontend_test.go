/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package frontend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/chainguard-dev/shardregion/pkg/customer"
	"github.com/chainguard-dev/shardregion/pkg/entity"
	"github.com/chainguard-dev/shardregion/pkg/gateway"
	"github.com/chainguard-dev/shardregion/pkg/region"
	"github.com/chainguard-dev/shardregion/pkg/shard"
)

type callerFunc func(ctx context.Context, entityID string, request any, timeout time.Duration) (any, error)

func (f callerFunc) Call(ctx context.Context, entityID string, request any, timeout time.Duration) (any, error) {
	return f(ctx, entityID, request, timeout)
}

func get(t *testing.T, srv *httptest.Server, path string) (int, string) {
	t.Helper()
	resp, err := srv.Client().Get(srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s = %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestAddress_errors(t *testing.T) {
	tests := []struct {
		name string
		path string
		err  error
		want int
	}{
		{"not an integer", "/customer/abc/address", nil, http.StatusBadRequest},
		{"timeout", "/customer/1/address", fmt.Errorf("%w: no reply", gateway.ErrTimedOut), http.StatusGatewayTimeout},
		{"gateway closed", "/customer/1/address", gateway.ErrClosed, http.StatusServiceUnavailable},
		{"region closed", "/customer/1/address", region.ErrClosed, http.StatusServiceUnavailable},
		{"shard closing", "/customer/1/address", fmt.Errorf("routing: %w", shard.ErrShardClosing), http.StatusServiceUnavailable},
		{"unknown customer", "/customer/1/address", &entity.StartError{EntityID: "1", Err: customer.ErrNotFound}, http.StatusNotFound},
		{"start failure", "/customer/1/address", &entity.StartError{EntityID: "1", Err: errors.New("disk on fire")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(callerFunc(func(context.Context, string, any, time.Duration) (any, error) {
				return nil, tt.err
			}), Options{Address: "localhost:8080", RequestTimeout: time.Second})
			srv := httptest.NewServer(s.Handler())
			defer srv.Close()

			if code, body := get(t, srv, tt.path); code != tt.want {
				t.Errorf("GET %s = %d (%q), wanted %d", tt.path, code, body, tt.want)
			}
		})
	}
}

func TestAddress_passesRequest(t *testing.T) {
	var got []any
	s := New(callerFunc(func(_ context.Context, entityID string, request any, timeout time.Duration) (any, error) {
		got = append(got, entityID, request, timeout)
		return "hello\n", nil
	}), Options{Address: "localhost:8080", RequestTimeout: 3 * time.Second})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	code, body := get(t, srv, "/customer/42/address")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if diff := cmp.Diff("Server localhost:8080 replying:\nhello\n", body); diff != "" {
		t.Errorf("body (-want +got): %s", diff)
	}
	if diff := cmp.Diff([]any{"", customer.GetAddress{ID: 42}, 3 * time.Second}, got); diff != "" {
		t.Errorf("call (-want +got): %s", diff)
	}
}

func TestStop(t *testing.T) {
	s := New(callerFunc(func(context.Context, string, any, time.Duration) (any, error) {
		return nil, nil
	}), Options{Address: "localhost:8080"})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	select {
	case <-s.Stopped():
		t.Fatal("Stopped() closed before /stop")
	default:
	}

	for range 2 {
		code, body := get(t, srv, "/stop")
		if code != http.StatusOK || body != "Server localhost:8080 is shutting down\n" {
			t.Errorf("GET /stop = %d %q", code, body)
		}
	}
	select {
	case <-s.Stopped():
	case <-time.After(5 * time.Second):
		t.Fatal("Stopped() not closed after /stop")
	}

	if code, body := get(t, srv, "/healthz"); code != http.StatusOK || body != "ok" {
		t.Errorf("GET /healthz = %d %q", code, body)
	}
}

func TestRateLimit(t *testing.T) {
	s := New(callerFunc(func(context.Context, string, any, time.Duration) (any, error) {
		return "x", nil
	}), Options{Address: "localhost:8080", RateLimit: 0.001, RateBurst: 1})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	if code, _ := get(t, srv, "/customer/1/address"); code != http.StatusOK {
		t.Errorf("first request = %d, wanted 200", code)
	}
	if code, _ := get(t, srv, "/customer/1/address"); code != http.StatusTooManyRequests {
		t.Errorf("second request = %d, wanted 429", code)
	}
}

// End to end through a real region and gateway.
func TestCustomerAddress(t *testing.T) {
	r, err := region.New(context.Background(), region.Options{NumberOfShards: 100}, &customer.Factory{})
	if err != nil {
		t.Fatalf("region.New() = %v", err)
	}
	defer r.Close(context.Background())
	g := gateway.New(r)

	s := New(g, Options{Address: "localhost:8080", RequestTimeout: 3 * time.Second, Health: g})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	if code, body := get(t, srv, "/healthz"); code != http.StatusOK || body != "ok" {
		t.Errorf("GET /healthz = %d %q", code, body)
	}

	code, first := get(t, srv, "/customer/42/address")
	if code != http.StatusOK {
		t.Fatalf("status = %d: %s", code, first)
	}
	if !strings.HasPrefix(first, "Server localhost:8080 replying:\nCustomer: 42\nAddress: Some Street ") {
		t.Errorf("body = %q", first)
	}
	if _, second := get(t, srv, "/customer/42/address"); second != first {
		t.Errorf("second reply differs: %q vs %q", second, first)
	}

	if err := g.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() = %v", err)
	}
	if code, _ := get(t, srv, "/customer/42/address"); code != http.StatusServiceUnavailable {
		t.Errorf("status after shutdown = %d, wanted 503", code)
	}
	if code, _ := get(t, srv, "/healthz"); code != http.StatusServiceUnavailable {
		t.Errorf("GET /healthz after shutdown = %d, wanted 503", code)
	}
}
