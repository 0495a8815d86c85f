// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package memory implements tiered memory retrieval: candidate collection
// from per-tier stores, relevance/recency scoring, privacy filtering, and
// assembly of a bounded context for prompt construction.
//
// The persistent stores behind each tier are external collaborators behind
// the TierStore interface; this package ships an in-memory reference store
// and the retrieval engine that ranks whatever the stores return. Retrieval
// never mutates item content; selecting an item only touches its access
// bookkeeping through the store.
//
// A TTL cache with push-based invalidation sits in front of the engine so
// repeated identical retrievals inside the TTL window are free; any write
// to a tier invalidates every cached context built from that tier.
package memory
