// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package systemstate

import "testing"

func TestStaticProbeDefaults(t *testing.T) {
	p := NewStaticProbe()
	s := p.CurrentState()
	if s.Constrained() {
		t.Errorf("default static state must be unconstrained: %+v", s)
	}
}

func TestConstrained(t *testing.T) {
	cases := []struct {
		name  string
		state State
		want  bool
	}{
		{"healthy", State{BatteryLevel: 0.9, Thermal: ThermalNominal, MemoryPressure: 0.3}, false},
		{"low battery", State{BatteryLevel: 0.1, Thermal: ThermalNominal, MemoryPressure: 0.3}, true},
		{"thermal serious", State{BatteryLevel: 0.9, Thermal: ThermalSerious, MemoryPressure: 0.3}, true},
		{"memory pressure", State{BatteryLevel: 0.9, Thermal: ThermalNominal, MemoryPressure: 0.95}, true},
		{"thermal fair is fine", State{BatteryLevel: 0.9, Thermal: ThermalFair, MemoryPressure: 0.3}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.state.Constrained(); got != tc.want {
				t.Errorf("Constrained(%+v) = %v, want %v", tc.state, got, tc.want)
			}
		})
	}
}

func TestStaticProbeSet(t *testing.T) {
	p := NewStaticProbe()
	p.Set(State{BatteryLevel: 0.05, Thermal: ThermalCritical, MemoryPressure: 0.99})
	if !p.CurrentState().Constrained() {
		t.Error("updated state must be visible")
	}
}
