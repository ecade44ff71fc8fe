/*
Copyright 2022 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package cloudevents builds CloudEvents HTTP clients whose requests are
// recorded by the httpmetrics transport.
package cloudevents

import (
	"net/http"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	cehttp "github.com/cloudevents/sdk-go/v2/protocol/http"

	"github.com/chainguard-dev/shardregion/pkg/httpmetrics"
)

// NewClientHTTP creates a CloudEvents client that sends through the metrics
// transport. Options are applied after the defaults, so a WithTarget client
// replaces the default one.
func NewClientHTTP(opts ...cehttp.Option) (cloudevents.Client, error) {
	// An explicit client keeps the SDK from installing its own transport on
	// http.DefaultClient.
	base := []cehttp.Option{
		cehttp.WithClient(http.Client{Transport: httpmetrics.Transport}),
	}
	return cloudevents.NewClientHTTP(append(base, opts...)...)
}
