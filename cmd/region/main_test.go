/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"context"
	"testing"

	"github.com/chainguard-dev/shardregion/pkg/config"
	"github.com/chainguard-dev/shardregion/pkg/customer"
)

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	store, closeStore, err := openStore(ctx, config.Config{})
	if err != nil {
		t.Fatalf("openStore() = %v", err)
	}
	if _, ok := store.(customer.SeededStore); !ok {
		t.Errorf("openStore() = %T, wanted the seeded store", store)
	}
	if err := closeStore(); err != nil {
		t.Errorf("close = %v", err)
	}

	store, closeStore, err = openStore(ctx, config.Config{StoreURL: "mem://", StorePrefix: "customers/"})
	if err != nil {
		t.Fatalf("openStore() = %v", err)
	}
	if _, err := store.Load(ctx, 42); err != nil {
		t.Errorf("Load(42) = %v", err)
	}
	if err := closeStore(); err != nil {
		t.Fatalf("close = %v", err)
	}
	// A closed bucket refuses reads.
	if _, err := store.Load(ctx, 42); err == nil {
		t.Error("Load() after close succeeded")
	}
}
