/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package sharding holds the envelope that travels through every routing
// hop, and the resolver that maps it to an entity and the shard owning it.
//
// Entities are assigned to shards using FNV-1a hashing:
//
//	fnv32a(entityID) % numberOfShards -> shard id
//
// This ensures:
//   - Deterministic routing: the same entity always lands in the same shard,
//     across restarts, for a given shard count
//   - Every layer agrees: the region and any forwarding hop share one Resolver
//   - Fast computation: FNV-1a is a fast non-cryptographic hash
package sharding
