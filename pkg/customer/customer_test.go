/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package customer

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/chainguard-dev/clog"
	"github.com/google/go-cmp/cmp"
	"gocloud.dev/blob/memblob"

	"github.com/chainguard-dev/shardregion/pkg/entity"
	"github.com/chainguard-dev/shardregion/pkg/sharding"
)

func TestGetAddress_isKeyed(t *testing.T) {
	var k sharding.Keyed = GetAddress{ID: 42}
	if got := k.EntityID(); got != "42" {
		t.Errorf("EntityID() = %q, wanted 42", got)
	}
}

func TestSeededStore(t *testing.T) {
	ctx := context.Background()
	for _, id := range []int{0, 1, 42, 99, -7, 1 << 40} {
		first, err := SeededStore{}.Load(ctx, id)
		if err != nil {
			t.Fatalf("Load(%d) = %v", id, err)
		}
		second, err := SeededStore{}.Load(ctx, id)
		if err != nil {
			t.Fatalf("Load(%d) = %v", id, err)
		}
		if diff := cmp.Diff(first, second); diff != "" {
			t.Errorf("Load(%d) is not stable (-first +second): %s", id, diff)
		}
		if !strings.HasPrefix(first.Address, "Some Street ") {
			t.Errorf("Load(%d).Address = %q", id, first.Address)
		}
		if first.ID != id {
			t.Errorf("Load(%d).ID = %d", id, first.ID)
		}
	}
}

func TestSeededStore_addresses(t *testing.T) {
	for id, want := range map[int]string{
		0:  "Some Street 10",
		1:  "Some Street 35",
		42: "Some Street 30",
		99: "Some Street 37",
		-7: "Some Street 12",
	} {
		rec, err := SeededStore{}.Load(context.Background(), id)
		if err != nil {
			t.Fatalf("Load(%d) = %v", id, err)
		}
		if rec.Address != want {
			t.Errorf("Load(%d).Address = %q, wanted %q", id, rec.Address, want)
		}
	}
}

func TestLCG(t *testing.T) {
	// First int drawn from java.util.Random seeded with 42.
	if got := newLCG(42).next(32); got != -1170105035 {
		t.Errorf("next(32) = %d, wanted -1170105035", got)
	}
	g := newLCG(7)
	for range 1000 {
		if v := g.intN(16); v < 0 || v >= 16 {
			t.Fatalf("intN(16) = %d, out of range", v)
		}
		if v := g.intN(streets); v < 0 || v >= streets {
			t.Fatalf("intN(%d) = %d, out of range", streets, v)
		}
	}
}

func TestBlobStore(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()

	if err := bucket.WriteAll(ctx, "customers/7.yaml", []byte("address: 1 Infinite Loop\n"), nil); err != nil {
		t.Fatalf("WriteAll() = %v", err)
	}
	if err := bucket.WriteAll(ctx, "customers/8.yaml", []byte("address: [unterminated\n"), nil); err != nil {
		t.Fatalf("WriteAll() = %v", err)
	}

	strict := NewBlobStore(bucket, "customers/", nil)
	got, err := strict.Load(ctx, 7)
	if err != nil {
		t.Fatalf("Load(7) = %v", err)
	}
	if diff := cmp.Diff(Record{ID: 7, Address: "1 Infinite Loop"}, got); diff != "" {
		t.Errorf("Load(7) (-want +got): %s", diff)
	}

	if _, err := strict.Load(ctx, 8); err == nil {
		t.Error("Load(8) of a malformed record succeeded")
	}
	if _, err := strict.Load(ctx, 9); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load(9) = %v, wanted %v", err, ErrNotFound)
	}

	fallback := NewBlobStore(bucket, "customers/", SeededStore{})
	want, _ := SeededStore{}.Load(ctx, 9)
	got, err = fallback.Load(ctx, 9)
	if err != nil {
		t.Fatalf("Load(9) with fallback = %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Load(9) with fallback (-want +got): %s", diff)
	}

	// A stored record wins over the fallback.
	if err := bucket.WriteAll(ctx, "customers/9.yaml", []byte("id: 9\naddress: 2 Main St\n"), nil); err != nil {
		t.Fatalf("WriteAll() = %v", err)
	}
	got, err = fallback.Load(ctx, 9)
	if err != nil {
		t.Fatalf("Load(9) = %v", err)
	}
	if diff := cmp.Diff(Record{ID: 9, Address: "2 Main St"}, got); diff != "" {
		t.Errorf("Load(9) (-want +got): %s", diff)
	}
}

func TestOpenBlobStore(t *testing.T) {
	ctx := context.Background()
	s, err := OpenBlobStore(ctx, "mem://", "customers/", SeededStore{})
	if err != nil {
		t.Fatalf("OpenBlobStore() = %v", err)
	}
	defer s.Close()
	if _, err := s.Load(ctx, 1); err != nil {
		t.Errorf("Load(1) = %v", err)
	}
	if _, err := OpenBlobStore(ctx, "nope://bucket", "", nil); err == nil {
		t.Error("OpenBlobStore() with an unknown scheme succeeded")
	}
}

func TestFactory(t *testing.T) {
	ctx := context.Background()
	f := &Factory{Store: SeededStore{}}
	ref := entity.Ref{ID: "42", Shard: 42, Incarnation: 3}

	b, err := f.Start(ctx, ref)
	if err != nil {
		t.Fatalf("Start() = %v", err)
	}
	rec, _ := SeededStore{}.Load(ctx, 42)
	got, err := b.Receive(ctx, GetAddress{ID: 42})
	if err != nil {
		t.Fatalf("Receive() = %v", err)
	}
	want := "Customer: 42\nAddress: " + rec.Address + "\nEntity: shard-42/42#3\n"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Receive() (-want +got): %s", diff)
	}

	if _, err := b.Receive(ctx, "hello"); err == nil {
		t.Error("Receive() of an unknown message succeeded")
	}
	b.(entity.Stopper).Stop(ctx)

	if _, err := f.Start(ctx, entity.Ref{ID: "abc"}); err == nil {
		t.Error("Start() with a non-integer id succeeded")
	}
	failing := &Factory{Store: NewBlobStore(memblob.OpenBucket(nil), "", nil)}
	if _, err := failing.Start(ctx, ref); !errors.Is(err, ErrNotFound) {
		t.Errorf("Start() = %v, wanted %v", err, ErrNotFound)
	}
}

func TestReceive_logsLookup(t *testing.T) {
	var buf bytes.Buffer
	ctx := clog.WithLogger(context.Background(), clog.New(slog.NewTextHandler(&buf, nil)))

	b, err := (&Factory{}).Start(ctx, entity.Ref{ID: "42"})
	if err != nil {
		t.Fatalf("Start() = %v", err)
	}
	if _, err := b.Receive(ctx, GetAddress{ID: 42}); err != nil {
		t.Fatalf("Receive() = %v", err)
	}
	for _, want := range []string{"Started customer 42", "Returning address Some Street 30 for customer 42"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("log %q does not contain %q", buf.String(), want)
		}
	}
}
