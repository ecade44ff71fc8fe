/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package customer

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"

	"github.com/chainguard-dev/clog"
	"github.com/goccy/go-yaml"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	// Bucket URL schemes accepted by OpenBlobStore.
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
)

// ErrNotFound is returned by stores that have no record for a customer.
var ErrNotFound = errors.New("customer not found")

// Record is the persisted state of a customer.
type Record struct {
	ID      int    `yaml:"id"`
	Address string `yaml:"address"`
}

// Store loads customer records. It is called once per entity start.
type Store interface {
	Load(ctx context.Context, id int) (Record, error)
}

// streets bounds the street numbers handed out by SeededStore.
const streets = 50

// SeededStore derives a stable address from the customer id, so every
// incarnation of a customer reports the same address.
type SeededStore struct{}

// Load implements Store.
func (SeededStore) Load(_ context.Context, id int) (Record, error) {
	return Record{
		ID:      id,
		Address: "Some Street " + strconv.Itoa(int(newLCG(int64(id)).intN(streets))),
	}, nil
}

// lcg is the 48-bit linear congruential generator of java.util.Random, so
// seeded addresses match the ones other implementations of this demo hand out.
type lcg struct {
	seed uint64
}

const (
	lcgMultiplier = 0x5DEECE66D
	lcgAddend     = 0xB
	lcgMask       = 1<<48 - 1
)

func newLCG(seed int64) *lcg {
	return &lcg{seed: (uint64(seed) ^ lcgMultiplier) & lcgMask}
}

func (g *lcg) next(bits uint) int32 {
	g.seed = (g.seed*lcgMultiplier + lcgAddend) & lcgMask
	return int32(g.seed >> (48 - bits))
}

// intN returns a value in [0, n). n must be positive.
func (g *lcg) intN(n int32) int32 {
	if n&-n == n {
		return int32((int64(n) * int64(g.next(31))) >> 31)
	}
	for {
		bits := g.next(31)
		val := bits % n
		// Reject the partial range at the top; the sum wraps negative there.
		if bits-val+(n-1) >= 0 {
			return val
		}
	}
}

// BlobStore reads records from <prefix><id>.yaml objects in a bucket.
type BlobStore struct {
	bucket   *blob.Bucket
	prefix   string
	fallback Store
}

// NewBlobStore reads records from bucket. Missing records are loaded from
// fallback when it is non-nil, and fail with ErrNotFound otherwise.
func NewBlobStore(bucket *blob.Bucket, prefix string, fallback Store) *BlobStore {
	return &BlobStore{
		bucket:   bucket,
		prefix:   prefix,
		fallback: fallback,
	}
}

// OpenBlobStore opens the bucket at url (mem://, file:// or gs://).
func OpenBlobStore(ctx context.Context, url, prefix string, fallback Store) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("opening bucket %q: %w", url, err)
	}
	return NewBlobStore(bucket, prefix, fallback), nil
}

func (s *BlobStore) key(id int) string {
	return path.Clean(s.prefix + strconv.Itoa(id) + ".yaml")
}

// Load implements Store.
func (s *BlobStore) Load(ctx context.Context, id int) (Record, error) {
	key := s.key(id)
	b, err := s.bucket.ReadAll(ctx, key)
	if gcerrors.Code(err) == gcerrors.NotFound {
		if s.fallback == nil {
			return Record{}, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		clog.FromContext(ctx).Debugf("No record at %s, using fallback", key)
		return s.fallback.Load(ctx, id)
	} else if err != nil {
		return Record{}, fmt.Errorf("reading %s: %w", key, err)
	}

	var rec Record
	if err := yaml.Unmarshal(b, &rec); err != nil {
		return Record{}, fmt.Errorf("decoding %s: %w", key, err)
	}
	if rec.Address == "" {
		return Record{}, fmt.Errorf("%s has no address", key)
	}
	rec.ID = id
	return rec, nil
}

// Close releases the bucket.
func (s *BlobStore) Close() error {
	return s.bucket.Close()
}
