// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package privacy classifies query text into an ordered privacy level that
// gates provider routing.
//
// Classification runs a fixed set of independent signal detectors (pronoun
// patterns, health/financial/identity lexicons, explicit user markers) and
// takes the maximum severity any detector reports. It is pure, performs no
// I/O, and is cheap enough to run once per request and once per candidate
// memory item.
//
// Levels are ordered Public < Contextual < Personal < Sensitive. Personal
// and above force on-device routing; the router treats that constraint as
// an exclusion, never a penalty.
package privacy
