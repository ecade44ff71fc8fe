/*
Copyright 2023 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package cloudevents

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	cehttp "github.com/cloudevents/sdk-go/v2/protocol/http"
	"google.golang.org/api/idtoken"

	"github.com/chainguard-dev/shardregion/pkg/httpmetrics"
)

// WithTarget points a client at url.
func WithTarget(url string) []cehttp.Option {
	return []cehttp.Option{cehttp.WithTarget(url)}
}

// WithAuthenticatedTarget points a client at url, authenticating with an
// identity token for that audience when url is HTTPS.
func WithAuthenticatedTarget(ctx context.Context, url string) ([]cehttp.Option, error) {
	if !strings.HasPrefix(url, "https://") {
		return WithTarget(url), nil
	}
	idc, err := idtoken.NewClient(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("creating identity token client for %s: %w", url, err)
	}
	return []cehttp.Option{
		cehttp.WithClient(http.Client{Transport: httpmetrics.WrapTransport(idc.Transport)}),
		cehttp.WithTarget(url),
	}, nil
}
