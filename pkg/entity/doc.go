/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package entity runs a single incarnation of a keyed entity: it loads the
// entity's state, processes its mailbox one message at a time, and tells its
// owner when it has been idle long enough to be passivated.
//
// A Runtime never decides to stop on its own. The owner (a shard) calls Stop,
// the runtime finishes the message in flight, and then hands every message it
// did not get to back to the owner so they can be replayed on a replacement.
package entity
