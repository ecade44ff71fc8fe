/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommands(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		switch r.URL.Path {
		case "/customer/42/address":
			w.Write([]byte("Server test replying:\nCustomer: 42\n"))
		case "/stop":
			w.Write([]byte("Server test is shutting down\n"))
		default:
			http.Error(w, "nope", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	out, err := run(t, "--server", srv.URL, "address", "42")
	if err != nil {
		t.Fatalf("address = %v", err)
	}
	if !strings.Contains(out, "Customer: 42") {
		t.Errorf("address output = %q", out)
	}

	out, err = run(t, "--server", srv.URL, "stop")
	if err != nil {
		t.Fatalf("stop = %v", err)
	}
	if out != "Server test is shutting down\n" {
		t.Errorf("stop output = %q", out)
	}

	if _, err := run(t, "--server", srv.URL, "address", "abc"); err == nil {
		t.Error("address abc succeeded")
	}
	if _, err := run(t, "--server", srv.URL, "address"); err == nil {
		t.Error("address without an id succeeded")
	}
	if len(paths) != 2 {
		t.Errorf("server saw %v, wanted two requests", paths)
	}
}

func TestCommands_serverError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "request timed out", http.StatusGatewayTimeout)
	}))
	defer srv.Close()

	_, err := run(t, "--server", srv.URL, "address", "1")
	if err == nil || !strings.Contains(err.Error(), "504") {
		t.Errorf("address = %v, wanted a 504 error", err)
	}
}
