// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build !linux

package systemstate

// NewProbe returns the platform probe. Without kernel telemetry the state
// is a static unconstrained device.
func NewProbe() Probe {
	return NewStaticProbe()
}
