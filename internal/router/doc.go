// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package router scores registered providers against a request and
// produces a routing decision: one primary plus an ordered fallback chain.
//
// Scoring combines four normalized sub-scores — privacy compatibility,
// content compatibility, performance fit, and availability — under
// optimizer-tunable weights.
//
// SECURITY CRITICAL: privacy compatibility is an exclusion, not a score.
// A request requiring on-device processing removes every off-device
// provider from the candidate set before any other scoring runs; such a
// provider can never appear as primary or fallback. When the exclusion
// empties the candidate set the router returns ErrNoEligibleProvider
// rather than guessing.
package router
