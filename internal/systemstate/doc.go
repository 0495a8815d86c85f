// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package systemstate exposes the device telemetry read interface consumed
// by routing: battery level, thermal state, and memory pressure.
//
// Collection is owned elsewhere; this package defines the Probe interface
// plus two reference probes — a static probe for tests and servers, and a
// best-effort Linux probe that reads memory pressure from the kernel.
package systemstate
