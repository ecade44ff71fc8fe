/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package sharding

import (
	"log/slog"
)

// Keyed is implemented by messages that name the entity they are addressed to.
type Keyed interface {
	EntityID() string
}

// Reply is the answer to a request-style envelope.
type Reply struct {
	// Token is the correlation token copied from the request.
	Token string
	Value any
	Err   error
}

// Replier receives the reply for an envelope.
// Reply reports whether the reply was accepted; a replier that has already
// been answered (or abandoned) discards the reply and returns false.
type Replier interface {
	Reply(Reply) bool
}

// Envelope wraps a message on its way to an entity.
// The ReplyTo is captured by the originator and passed through every hop
// unchanged, so the entity answers the originator directly.
type Envelope struct {
	// EntityID optionally names the target entity. When empty the key is
	// extracted from Message.
	EntityID string

	// Message is the opaque payload delivered to the entity.
	Message any

	// Token correlates the reply with the pending request.
	Token string

	// ReplyTo is nil for fire-and-forget messages.
	ReplyTo Replier
}

// Respond delivers a reply for the envelope, if anyone is waiting for one.
func (e Envelope) Respond(value any, err error) bool {
	if e.ReplyTo == nil {
		return false
	}
	return e.ReplyTo.Reply(Reply{Token: e.Token, Value: value, Err: err})
}

// Fail is shorthand for Respond(nil, err).
func (e Envelope) Fail(err error) bool {
	return e.Respond(nil, err)
}

// LogAttrs returns a slice of attributes for logging purposes.
func (e Envelope) LogAttrs() []any {
	return []any{
		slog.String("entity", e.EntityID),
		slog.String("token", e.Token),
		slog.Bool("request", e.ReplyTo != nil),
	}
}

// ReplyChan adapts a channel into a Replier. The send never blocks: when the
// channel is full the reply is discarded.
type ReplyChan chan Reply

var _ Replier = (ReplyChan)(nil)

// Reply implements Replier.
func (c ReplyChan) Reply(r Reply) bool {
	select {
	case c <- r:
		return true
	default:
		return false
	}
}
