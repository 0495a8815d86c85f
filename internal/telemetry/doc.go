// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telemetry collects per-provider performance metrics and feeds
// them back into routing and admission.
//
// The Monitor keeps a sliding window of recent invocation outcomes per
// provider and aggregates them on demand. The Optimizer periodically
// reads those aggregates and nudges routing bonuses and admission
// ceilings in small bounded steps, so no single cycle can swing behavior
// sharply.
package telemetry
