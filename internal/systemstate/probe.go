// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package systemstate

import (
	"fmt"
	"sync"
)

// =============================================================================
// SYSTEM STATE
// =============================================================================

// ThermalState is the coarse device thermal condition.
type ThermalState int

const (
	ThermalNominal ThermalState = iota
	ThermalFair
	ThermalSerious
	ThermalCritical
)

// String returns the human-readable name of the thermal state.
func (t ThermalState) String() string {
	switch t {
	case ThermalNominal:
		return "Nominal"
	case ThermalFair:
		return "Fair"
	case ThermalSerious:
		return "Serious"
	case ThermalCritical:
		return "Critical"
	default:
		return fmt.Sprintf("ThermalState(%d)", t)
	}
}

// State is a point-in-time snapshot of device conditions.
type State struct {
	// BatteryLevel in [0,1]; 1 when on mains power or unknown.
	BatteryLevel float64
	// Thermal is the coarse thermal condition.
	Thermal ThermalState
	// MemoryPressure in [0,1]: fraction of memory in use.
	MemoryPressure float64
}

// Constrained reports whether the device is under enough pressure that
// routing should prefer lighter providers. Thresholds are tunable
// configuration surfaced by the caller; these are the defaults.
func (s State) Constrained() bool {
	return s.BatteryLevel < 0.2 || s.Thermal >= ThermalSerious || s.MemoryPressure > 0.85
}

// Probe supplies the current device state. Implementations must be safe
// for concurrent use and cheap to call once per routed request.
type Probe interface {
	CurrentState() State
}

// =============================================================================
// STATIC PROBE
// =============================================================================

// StaticProbe returns a fixed, settable state. Used on hosts without
// device telemetry and throughout the tests.
type StaticProbe struct {
	mu    sync.RWMutex
	state State
}

// NewStaticProbe creates a probe reporting an unconstrained device.
func NewStaticProbe() *StaticProbe {
	return &StaticProbe{state: State{
		BatteryLevel:   1.0,
		Thermal:        ThermalNominal,
		MemoryPressure: 0.0,
	}}
}

// CurrentState returns the configured state.
func (p *StaticProbe) CurrentState() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Set replaces the reported state.
func (p *StaticProbe) Set(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}
