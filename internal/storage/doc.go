// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides a SQLite-backed memory tier store.
//
// It is a reference implementation of memory.TierStore for deployments
// that want memories to survive process restarts; the routing subsystem
// itself owns no persisted state and treats this store exactly like any
// other external tier store.
package storage
