/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package idle tracks per-key deadlines in a min-heap and reports keys whose
// deadline has passed. Expiry is driven by a single sweeper goroutine, so
// nothing has to be delivered to a key for its deadline to be noticed.
package idle

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Tracker holds one deadline per key.
type Tracker[K comparable] struct {
	clock    clockwork.Clock
	onExpire func(K)

	// mu guards items and index.
	mu    sync.Mutex
	items deadlines[K]
	index map[K]*item[K]

	// wake is signalled when the earliest deadline moves.
	wake chan struct{}
}

// New creates a tracker that calls onExpire for each key whose deadline has
// passed. onExpire is invoked from the goroutine running Run, without any
// tracker lock held, and the key is no longer tracked when it is called.
func New[K comparable](clock clockwork.Clock, onExpire func(K)) *Tracker[K] {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker[K]{
		clock:    clock,
		onExpire: onExpire,
		index:    make(map[K]*item[K]),
		wake:     make(chan struct{}, 1),
	}
}

// Touch sets the deadline for key, adding it if absent.
func (t *Tracker[K]) Touch(key K, deadline time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if it, ok := t.index[key]; ok {
		it.deadline = deadline
		heap.Fix(&t.items, it.pos)
	} else {
		it := &item[K]{key: key, deadline: deadline}
		heap.Push(&t.items, it)
		t.index[key] = it
	}
	if t.items[0].key == key {
		t.signal()
	}
}

// Remove stops tracking key.
func (t *Tracker[K]) Remove(key K) {
	t.mu.Lock()
	defer t.mu.Unlock()

	it, ok := t.index[key]
	if !ok {
		return
	}
	heap.Remove(&t.items, it.pos)
	delete(t.index, key)
}

// Len returns the number of tracked keys.
func (t *Tracker[K]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

func (t *Tracker[K]) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Run sweeps expired deadlines until ctx is cancelled.
func (t *Tracker[K]) Run(ctx context.Context) {
	for {
		expired, next, ok := t.sweep()
		for _, k := range expired {
			t.onExpire(k)
		}
		if len(expired) > 0 {
			continue
		}

		if !ok {
			// Nothing tracked, sleep until something is.
			select {
			case <-ctx.Done():
				return
			case <-t.wake:
			}
			continue
		}

		timer := t.clock.NewTimer(next.Sub(t.clock.Now()))
		if !t.clock.Now().Before(next) {
			// The clock moved past the deadline while arming.
			timer.Stop()
			continue
		}
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-t.wake:
			timer.Stop()
		case <-timer.Chan():
		}
	}
}

// sweep pops every expired key. When nothing expired it returns the earliest
// deadline, and false when nothing is tracked.
func (t *Tracker[K]) sweep() ([]K, time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	var expired []K
	for len(t.items) > 0 && !t.items[0].deadline.After(now) {
		it := heap.Pop(&t.items).(*item[K])
		delete(t.index, it.key)
		expired = append(expired, it.key)
	}
	if len(expired) > 0 || len(t.items) == 0 {
		return expired, time.Time{}, len(expired) > 0
	}
	return nil, t.items[0].deadline, true
}

type item[K comparable] struct {
	key      K
	deadline time.Time
	pos      int
}

// deadlines implements heap.Interface ordered by deadline.
type deadlines[K comparable] []*item[K]

func (d deadlines[K]) Len() int           { return len(d) }
func (d deadlines[K]) Less(i, j int) bool { return d[i].deadline.Before(d[j].deadline) }
func (d deadlines[K]) Swap(i, j int) {
	d[i], d[j] = d[j], d[i]
	d[i].pos = i
	d[j].pos = j
}

func (d *deadlines[K]) Push(x any) {
	it := x.(*item[K])
	it.pos = len(*d)
	*d = append(*d, it)
}

func (d *deadlines[K]) Pop() any {
	old := *d
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*d = old[:n-1]
	return it
}
