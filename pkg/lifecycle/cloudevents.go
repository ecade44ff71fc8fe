/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package lifecycle

import (
	"context"
	"time"

	"github.com/chainguard-dev/clog"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"

	"github.com/chainguard-dev/shardregion/pkg/entity"
)

// Event types published by Publisher.
const (
	TypeStarted     = "dev.chainguard.shardregion.entity.started"
	TypeStopped     = "dev.chainguard.shardregion.entity.stopped"
	TypeStartFailed = "dev.chainguard.shardregion.entity.start_failed"
)

// DefaultQueueSize is the number of events buffered before new ones are
// dropped.
const DefaultQueueSize = 1000

// flushTimeout bounds how long Run spends sending queued events at exit.
const flushTimeout = 5 * time.Second

// Payload is the data of every lifecycle event.
type Payload struct {
	Entity      string `json:"entity"`
	Shard       int    `json:"shard"`
	Incarnation uint64 `json:"incarnation"`
	Error       string `json:"error,omitempty"`
}

// Publisher sends lifecycle transitions as CloudEvents. Notifications never
// block the entity: they are queued and sent by Run.
type Publisher struct {
	client cloudevents.Client
	source string
	queue  chan cloudevents.Event
}

var _ entity.Observer = (*Publisher)(nil)

// NewPublisher creates a publisher that stamps events with source.
func NewPublisher(client cloudevents.Client, source string, size int) *Publisher {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Publisher{
		client: client,
		source: source,
		queue:  make(chan cloudevents.Event, size),
	}
}

// Started implements entity.Observer.
func (p *Publisher) Started(ctx context.Context, ref entity.Ref) {
	p.enqueue(ctx, TypeStarted, ref, nil)
}

// Stopped implements entity.Observer.
func (p *Publisher) Stopped(ctx context.Context, ref entity.Ref) {
	p.enqueue(ctx, TypeStopped, ref, nil)
}

// StartFailed implements entity.Observer.
func (p *Publisher) StartFailed(ctx context.Context, ref entity.Ref, err error) {
	p.enqueue(ctx, TypeStartFailed, ref, err)
}

func (p *Publisher) enqueue(ctx context.Context, typ string, ref entity.Ref, cause error) {
	event := cloudevents.NewEvent()
	event.SetID(uuid.NewString())
	event.SetType(typ)
	event.SetSource(p.source)
	event.SetSubject(ref.ID)
	event.SetTime(time.Now())

	payload := Payload{
		Entity:      ref.ID,
		Shard:       int(ref.Shard),
		Incarnation: ref.Incarnation,
	}
	if cause != nil {
		payload.Error = cause.Error()
	}
	if err := event.SetData(cloudevents.ApplicationJSON, payload); err != nil {
		clog.FromContext(ctx).Errorf("Failed to encode %s event: %v", typ, err)
		return
	}

	select {
	case p.queue <- event:
	default:
		clog.FromContext(ctx).Warnf("Dropping %s event for %s, queue is full", typ, ref)
	}
}

// Run sends queued events until ctx is done, then makes one bounded attempt
// to flush what is left.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case event := <-p.queue:
			p.send(ctx, event)
		case <-ctx.Done():
			p.flush(context.WithoutCancel(ctx))
			return nil
		}
	}
}

func (p *Publisher) flush(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()
	for {
		select {
		case event := <-p.queue:
			p.send(ctx, event)
		default:
			return
		}
	}
}

func (p *Publisher) send(ctx context.Context, event cloudevents.Event) {
	ctx = cloudevents.ContextWithRetriesExponentialBackoff(ctx, 10*time.Millisecond, 3)
	if result := p.client.Send(ctx, event); cloudevents.IsUndelivered(result) {
		clog.FromContext(ctx).Warnf("Failed to deliver %s event for %s: %v", event.Type(), event.Subject(), result)
	}
}
