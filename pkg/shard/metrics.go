/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package shard

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sethvargo/go-envconfig"
)

var env = envconfig.MustProcess(context.Background(), &struct {
	// https://cloud.google.com/run/docs/container-contract#services-env-vars
	KnativeServiceName  string `env:"K_SERVICE, default=unknown"`
	KnativeRevisionName string `env:"K_REVISION, default=unknown"`
}{})

var (
	mEntities = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shard_entities",
			Help: "The number of entities currently hosted by shards of this region.",
		},
		[]string{"service_name", "revision_name"},
	)
	mStarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shard_entity_starts",
			Help: "The total number of entity incarnations started.",
		},
		[]string{"service_name", "revision_name"},
	)
	mStops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shard_entity_stops",
			Help: "The total number of entity incarnations that were passivated.",
		},
		[]string{"service_name", "revision_name"},
	)
	mStartFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shard_entity_start_failures",
			Help: "The total number of entity incarnations that failed to load.",
		},
		[]string{"service_name", "revision_name"},
	)
	mBuffered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shard_buffered_messages",
			Help: "The total number of messages held back while their entity was stopping.",
		},
		[]string{"service_name", "revision_name"},
	)
)

func labels() prometheus.Labels {
	return prometheus.Labels{
		"service_name":  env.KnativeServiceName,
		"revision_name": env.KnativeRevisionName,
	}
}
