/*
Copyright 2022 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package prober turns a health check into an HTTP handler.
package prober

import (
	"context"
	"fmt"
	"net/http"

	"github.com/chainguard-dev/clog"
)

// Interface encapsulates a health check.
type Interface interface {
	// Probe performs a single probe and is passed the HTTP request context.
	Probe(context.Context) error
}

// Func is a convenience wrapper for turning a function into an Interface.
type Func func(context.Context) error

// Probe implements Interface
func (pf Func) Probe(ctx context.Context) error {
	return pf(ctx)
}

// Handler answers 200 "ok" when the probe passes and 503 with the error
// otherwise. When authz is non-empty, requests must carry it in the
// Authorization header. A nil probe always passes.
func Handler(i Interface, authz string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := clog.FromContext(r.Context())
		if authz != "" && r.Header.Get("Authorization") != authz {
			log.Warn("Probe request was not authorized")
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return
		}
		if i != nil {
			if err := i.Probe(r.Context()); err != nil {
				log.Warnf("Probe failed: %v", err)
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, "ok")
	})
}
