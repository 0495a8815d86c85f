// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package coordinator runs the full request pipeline: classify the query,
// assemble a memory context, score providers, then invoke the primary and
// walk the fallback chain under admission control.
//
// Privacy failures surface immediately: when classification leaves no
// eligible provider there is nothing to fall back to. Transient failures
// walk the chain, and only when every candidate fails does the caller see
// an AllProvidersFailedError listing what went wrong per provider.
package coordinator
