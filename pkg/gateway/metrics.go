/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package gateway

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
	mCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_calls",
			Help: "The total number of gateway calls by result.",
		},
		[]string{"result", "service_name", "revision_name"},
	)
	mCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_call_latency_seconds",
			Help:    "The duration from issuing a call to its outcome.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"result", "service_name", "revision_name"},
	)
	mPending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_pending_calls",
			Help: "The number of calls currently waiting for a reply.",
		},
		[]string{"service_name", "revision_name"},
	)
	mDuplicates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_discarded_replies",
			Help: "The total number of replies that arrived after their call completed or timed out.",
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

func resultLabels(result string) prometheus.Labels {
	l := labels()
	l["result"] = result
	return l
}
