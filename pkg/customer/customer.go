/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package customer implements the customer entity: it loads a record once
// per incarnation and answers address lookups from memory.
package customer

import (
	"context"
	"fmt"
	"strconv"

	"github.com/chainguard-dev/clog"

	"github.com/chainguard-dev/shardregion/pkg/entity"
)

// Factory starts customer entities backed by a Store.
type Factory struct {
	Store Store
}

var _ entity.Factory = (*Factory)(nil)

// Start implements entity.Factory.
func (f *Factory) Start(ctx context.Context, ref entity.Ref) (entity.Behavior, error) {
	id, err := strconv.Atoi(ref.ID)
	if err != nil {
		return nil, fmt.Errorf("customer id %q is not an integer", ref.ID)
	}
	store := f.Store
	if store == nil {
		store = SeededStore{}
	}
	rec, err := store.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading customer %d: %w", id, err)
	}
	clog.FromContext(ctx).Infof("Started customer %d", id)
	return &Customer{ref: ref, record: rec}, nil
}

// Customer is one live customer entity.
type Customer struct {
	ref    entity.Ref
	record Record
}

// Receive implements entity.Behavior.
func (c *Customer) Receive(ctx context.Context, msg any) (any, error) {
	switch m := msg.(type) {
	case GetAddress:
		clog.FromContext(ctx).Infof("Returning address %s for customer %d", c.record.Address, m.ID)
		return fmt.Sprintf("Customer: %d\nAddress: %s\nEntity: %s\n", m.ID, c.record.Address, c.ref), nil
	default:
		return nil, fmt.Errorf("customer %d does not understand %T", c.record.ID, msg)
	}
}

// Stop implements entity.Stopper.
func (c *Customer) Stop(ctx context.Context) {
	clog.FromContext(ctx).Infof("Shutting down customer %d", c.record.ID)
}
