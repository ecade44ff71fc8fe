/*
Copyright 2022 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package httpmetrics

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
)

var (
	mReqCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_client_request_count",
			Help: "The total number of HTTP requests",
		},
		[]string{"code", "method", "host", "service_name", "revision_name"},
	)
	mReqInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "http_client_request_in_flight",
			Help: "The number of outgoing HTTP requests currently inflight",
		},
		[]string{"method", "host", "service_name", "revision_name"},
	)
	mReqDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_client_request_duration_seconds",
			Help:    "The duration of HTTP requests",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"code", "method", "host", "service_name", "revision_name"},
	)
	seenHosts sync.Map
)

var (
	bucketsMu      sync.RWMutex
	buckets        = map[string]string{"localhost": "localhost", "127.0.0.1": "localhost"}
	bucketSuffixes = map[string]string{}
)

// SetBuckets replaces the exact host to label mapping.
func SetBuckets(b map[string]string) {
	bucketsMu.Lock()
	defer bucketsMu.Unlock()
	buckets = b
}

// SetBucketSuffixes replaces the domain suffix to label mapping.
func SetBucketSuffixes(bs map[string]string) {
	bucketsMu.Lock()
	defer bucketsMu.Unlock()
	bucketSuffixes = bs
}

// Transport is an http.RoundTripper that records metrics for each request.
var Transport = WrapTransport(http.DefaultTransport)

// WrapTransport wraps t with metrics and a client span per request.
func WrapTransport(t http.RoundTripper) http.RoundTripper {
	return instrumentRoundTripperCounter(
		instrumentRoundTripperInFlight(
			instrumentRoundTripperDuration(
				otelhttp.NewTransport(t))))
}

func mapErrorToLabel(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"):
		return "connection-refused"
	case strings.Contains(msg, "no route to host"):
		return "no-route-to-host"
	case strings.Contains(msg, "i/o timeout"), strings.Contains(msg, "deadline exceeded"):
		return "io-timeout"
	case strings.Contains(msg, "unexpected EOF"):
		return "unexpected-eof"
	default:
		return "unknown-error"
	}
}

// hostOf strips the port so every region on a host shares a label.
func hostOf(r *http.Request) string {
	return bucketize(r.Context(), r.URL.Hostname())
}

func instrumentRoundTripperCounter(next http.RoundTripper) promhttp.RoundTripperFunc {
	return func(r *http.Request) (*http.Response, error) {
		host := hostOf(r)
		ctx, span := otel.Tracer("httpmetrics").Start(r.Context(), fmt.Sprintf("http-%s-%s", r.Method, host))
		defer span.End()
		r = r.WithContext(ctx)

		resp, err := next.RoundTrip(r)
		code := ""
		if err == nil {
			code = strconv.Itoa(resp.StatusCode)
		} else {
			code = mapErrorToLabel(err)
		}
		mReqCount.With(prometheus.Labels{
			"code":          code,
			"method":        r.Method,
			"host":          host,
			"service_name":  env.KnativeServiceName,
			"revision_name": env.KnativeRevisionName,
		}).Inc()
		return resp, err
	}
}

func instrumentRoundTripperInFlight(next http.RoundTripper) promhttp.RoundTripperFunc {
	return func(r *http.Request) (*http.Response, error) {
		g := mReqInFlight.With(prometheus.Labels{
			"method":        r.Method,
			"host":          hostOf(r),
			"service_name":  env.KnativeServiceName,
			"revision_name": env.KnativeRevisionName,
		})
		g.Inc()
		defer g.Dec()
		return next.RoundTrip(r)
	}
}

func instrumentRoundTripperDuration(next http.RoundTripper) promhttp.RoundTripperFunc {
	return func(r *http.Request) (*http.Response, error) {
		start := time.Now()
		resp, err := next.RoundTrip(r)
		if err == nil {
			mReqDuration.With(prometheus.Labels{
				"code":          strconv.Itoa(resp.StatusCode),
				"method":        r.Method,
				"host":          hostOf(r),
				"service_name":  env.KnativeServiceName,
				"revision_name": env.KnativeRevisionName,
			}).Observe(time.Since(start).Seconds())
		}
		return resp, err
	}
}

func bucketize(ctx context.Context, host string) string {
	bucketsMu.RLock()
	defer bucketsMu.RUnlock()

	if b, ok := buckets[host]; ok {
		return b
	}
	for k, v := range bucketSuffixes {
		if strings.HasSuffix(host, "."+k) {
			return v
		}
	}

	v, _ := seenHosts.LoadOrStore(host, &atomic.Int64{})
	if seen := v.(*atomic.Int64).Add(1); (seen-1)%10 == 0 {
		clog.FromContext(ctx).Warnf("Bucketing host %q as other (seen %d times), use httpmetrics.SetBuckets", host, seen)
	}
	return "other"
}
