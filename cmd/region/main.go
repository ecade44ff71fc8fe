/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chainguard-dev/clog"
	_ "github.com/chainguard-dev/clog/gcp/init"
	"github.com/sethvargo/go-envconfig"
	"golang.org/x/sync/errgroup"

	"github.com/chainguard-dev/shardregion/pkg/config"
	"github.com/chainguard-dev/shardregion/pkg/customer"
	"github.com/chainguard-dev/shardregion/pkg/entity"
	"github.com/chainguard-dev/shardregion/pkg/frontend"
	"github.com/chainguard-dev/shardregion/pkg/gateway"
	"github.com/chainguard-dev/shardregion/pkg/httpmetrics"
	mce "github.com/chainguard-dev/shardregion/pkg/httpmetrics/cloudevents"
	"github.com/chainguard-dev/shardregion/pkg/lifecycle"
	"github.com/chainguard-dev/shardregion/pkg/profiler"
	"github.com/chainguard-dev/shardregion/pkg/region"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(ctx, envconfig.OsLookuper())
	if err != nil {
		clog.FatalContextf(ctx, "failed to load config: %v", err)
	}
	if err := profiler.Setup(ctx); err != nil {
		clog.FatalContextf(ctx, "failed to set up profiler: %v", err)
	}
	go func() {
		if err := httpmetrics.ServeMetrics(ctx); err != nil {
			clog.ErrorContextf(ctx, "metrics server: %v", err)
		}
	}()
	defer httpmetrics.SetupTracer(ctx)()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		clog.FatalContextf(ctx, "failed to open store: %v", err)
	}

	// Lifecycle events outlive the signal context so the final stops are
	// still published.
	eventCtx, stopEvents := context.WithCancel(context.WithoutCancel(ctx))
	observer, runEvents, err := newObserver(ctx, cfg)
	if err != nil {
		clog.FatalContextf(ctx, "failed to create event publisher: %v", err)
	}
	eventsDone := make(chan struct{})
	go func() {
		defer close(eventsDone)
		runEvents(eventCtx)
	}()

	var eg errgroup.Group
	for _, port := range cfg.AllPorts() {
		eg.Go(func() error {
			return serve(ctx, cfg, port, store, observer)
		})
	}
	err = eg.Wait()

	stopEvents()
	<-eventsDone
	if err := closeStore(); err != nil {
		clog.WarnContextf(ctx, "failed to close store: %v", err)
	}
	if err != nil {
		clog.FatalContextf(ctx, "region failed: %v", err)
	}
	clog.InfoContext(ctx, "All regions stopped")
}

// openStore returns the customer store and a func releasing it.
func openStore(ctx context.Context, cfg config.Config) (customer.Store, func() error, error) {
	if cfg.StoreURL == "" {
		return customer.SeededStore{}, func() error { return nil }, nil
	}
	clog.InfoContextf(ctx, "Loading customers from %s%s", cfg.StoreURL, cfg.StorePrefix)
	bs, err := customer.OpenBlobStore(ctx, cfg.StoreURL, cfg.StorePrefix, customer.SeededStore{})
	if err != nil {
		return nil, nil, err
	}
	return bs, bs.Close, nil
}

func newObserver(ctx context.Context, cfg config.Config) (entity.Observer, func(context.Context), error) {
	if cfg.EventSink == "" {
		return lifecycle.Log{}, func(context.Context) {}, nil
	}
	opts, err := mce.WithAuthenticatedTarget(ctx, cfg.EventSink)
	if err != nil {
		return nil, nil, err
	}
	client, err := mce.NewClientHTTP(opts...)
	if err != nil {
		return nil, nil, err
	}
	pub := lifecycle.NewPublisher(client, "shardregion", lifecycle.DefaultQueueSize)
	return lifecycle.Multi{lifecycle.Log{}, pub}, func(ctx context.Context) {
		if err := pub.Run(ctx); err != nil {
			clog.ErrorContextf(ctx, "event publisher: %v", err)
		}
	}, nil
}

// serve runs one region behind its own listener until the process is
// signalled or a client calls /stop.
func serve(ctx context.Context, cfg config.Config, port int, store customer.Store, observer entity.Observer) error {
	name := cfg.DisplayAddress(port)
	log := clog.FromContext(ctx).With("region", name)
	ctx = clog.WithLogger(ctx, log)

	// Entities must keep running while the region drains after a signal.
	r, err := region.New(context.WithoutCancel(ctx), region.Options{
		Name:           name,
		NumberOfShards: cfg.NumberOfShards,
		IdleTimeout:    cfg.IdleTimeout,
		Observer:       observer,
	}, &customer.Factory{Store: store})
	if err != nil {
		return err
	}
	g := gateway.New(r, gateway.WithDefaultTimeout(cfg.RequestTimeout))
	fe := frontend.New(g, frontend.Options{
		Address:        name,
		RequestTimeout: cfg.RequestTimeout,
		RateLimit:      cfg.RateLimit,
		RateBurst:      cfg.RateBurst,
		Health:         g,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddress(port),
		Handler:           fe.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Infof("Server online at http://%s/", name)

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("Received signal, shutting down")
	case <-fe.Stopped():
		log.Info("Stop requested, shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()
	if err := g.Shutdown(sctx); err != nil {
		log.Warnf("Gateway did not drain: %v", err)
	}
	if err := srv.Shutdown(sctx); err != nil {
		log.Warnf("Failed to unbind %s: %v", srv.Addr, err)
	}
	if err := r.Close(sctx); err != nil {
		log.Warnf("Region did not close cleanly: %v", err)
	}
	return serveErr
}
