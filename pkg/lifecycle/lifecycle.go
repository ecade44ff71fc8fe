/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package lifecycle provides entity.Observer implementations that report
// entity starts and stops to logs and to a CloudEvents sink.
package lifecycle

import (
	"context"

	"github.com/chainguard-dev/clog"

	"github.com/chainguard-dev/shardregion/pkg/entity"
)

// Log writes lifecycle transitions to the context logger.
type Log struct{}

var _ entity.Observer = Log{}

// Started implements entity.Observer.
func (Log) Started(ctx context.Context, ref entity.Ref) {
	clog.FromContext(ctx).Infof("Entity %s started", ref)
}

// Stopped implements entity.Observer.
func (Log) Stopped(ctx context.Context, ref entity.Ref) {
	clog.FromContext(ctx).Infof("Entity %s stopped", ref)
}

// StartFailed implements entity.Observer.
func (Log) StartFailed(ctx context.Context, ref entity.Ref, err error) {
	clog.FromContext(ctx).Warnf("Entity %s failed to start: %v", ref, err)
}

// Multi fans notifications out to several observers, in order.
type Multi []entity.Observer

var _ entity.Observer = Multi{}

// Started implements entity.Observer.
func (m Multi) Started(ctx context.Context, ref entity.Ref) {
	for _, o := range m {
		o.Started(ctx, ref)
	}
}

// Stopped implements entity.Observer.
func (m Multi) Stopped(ctx context.Context, ref entity.Ref) {
	for _, o := range m {
		o.Stopped(ctx, ref)
	}
}

// StartFailed implements entity.Observer.
func (m Multi) StartFailed(ctx context.Context, ref entity.Ref, err error) {
	for _, o := range m {
		o.StartFailed(ctx, ref, err)
	}
}
