/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/chainguard-dev/shardregion/pkg/httpmetrics"
	"github.com/chainguard-dev/shardregion/pkg/httpratelimit"
)

type client struct {
	server string
	http   *http.Client
}

func (c *client) get(ctx context.Context, path string, out io.Writer) error {
	u, err := url.JoinPath(c.server, path)
	if err != nil {
		return fmt.Errorf("building URL: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", resp.Status, body)
	}
	_, err = out.Write(body)
	return err
}

func newRootCmd() *cobra.Command {
	c := &client{}
	var (
		timeout time.Duration
		retries int
	)

	root := &cobra.Command{
		Use:          "shardctl",
		Short:        "Query and stop a running region",
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			c.http = &http.Client{
				Timeout:   timeout,
				Transport: httpratelimit.NewTransport(httpmetrics.WrapTransport(http.DefaultTransport), retries),
			}
		},
	}
	root.PersistentFlags().StringVar(&c.server, "server", "http://localhost:8080", "base URL of the region")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "overall request timeout")
	root.PersistentFlags().IntVar(&retries, "retries", 3, "retries when the region asks us to back off")

	root.AddCommand(addressCmd(c), stopCmd(c))
	return root
}

func addressCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "address <customer-id>",
		Short: "Print a customer's address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("customer id %q is not an integer", args[0])
			}
			return c.get(cmd.Context(), fmt.Sprintf("/customer/%d/address", id), cmd.OutOrStdout())
		},
	}
}

func stopCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Ask the region to shut down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.get(cmd.Context(), "/stop", cmd.OutOrStdout())
		},
	}
}
