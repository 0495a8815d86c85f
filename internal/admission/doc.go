// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package admission bounds concurrent invocations per provider.
//
// Each provider gets an independent slot pool with a runtime-adjustable
// ceiling. Requests that arrive while the pool is full wait in strict
// FIFO order; a released slot always goes to the longest-waiting request.
// Lowering a ceiling never evicts in-flight work, it only stops new
// admissions until enough slots drain.
package admission
