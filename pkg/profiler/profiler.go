/*
Copyright 2024 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package profiler starts the Cloud Profiler agent when ENABLE_PROFILER is set.
package profiler

import (
	"context"
	"fmt"

	"cloud.google.com/go/profiler"
	"github.com/chainguard-dev/clog"
	"github.com/sethvargo/go-envconfig"
	"google.golang.org/api/option"
)

type config struct {
	EnableProfiler bool   `env:"ENABLE_PROFILER, default=false"`
	Service        string `env:"K_SERVICE, default=shardregion"`
	Revision       string `env:"K_REVISION"`
}

// Setup reads the profiler settings from the environment and starts the
// agent if enabled.
func Setup(ctx context.Context) error {
	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return fmt.Errorf("processing profiler environment: %w", err)
	}
	return start(ctx, cfg, profiler.Start)
}

func start(ctx context.Context, cfg config, startFn func(profiler.Config, ...option.ClientOption) error) error {
	if !cfg.EnableProfiler {
		return nil
	}
	clog.FromContext(ctx).Infof("Starting profiler for %s", cfg.Service)
	if err := startFn(profiler.Config{
		Service:        cfg.Service,
		ServiceVersion: cfg.Revision,
	}); err != nil {
		return fmt.Errorf("starting profiler: %w", err)
	}
	return nil
}
