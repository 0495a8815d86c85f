// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build linux

package systemstate

import (
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// =============================================================================
// LINUX PROBE
// =============================================================================

// LinuxProbe reads memory pressure from sysinfo and battery level from
// the power-supply class. Every read is best-effort: missing telemetry
// degrades to the unconstrained default rather than failing.
type LinuxProbe struct {
	// batteryPath overrides the default sysfs battery capacity file
	// (tests point it at a fixture).
	batteryPath string
}

// NewLinuxProbe creates a probe reading live kernel state.
func NewLinuxProbe() *LinuxProbe {
	return &LinuxProbe{batteryPath: "/sys/class/power_supply/BAT0/capacity"}
}

// NewProbe returns the platform probe: live kernel state on Linux.
func NewProbe() Probe {
	return NewLinuxProbe()
}

// CurrentState samples the kernel. Never blocks on I/O beyond two small
// file reads.
func (p *LinuxProbe) CurrentState() State {
	state := State{
		BatteryLevel:   1.0,
		Thermal:        ThermalNominal,
		MemoryPressure: 0.0,
	}

	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err == nil && info.Totalram > 0 {
		unit := uint64(info.Unit)
		if unit == 0 {
			unit = 1
		}
		total := uint64(info.Totalram) * unit
		free := (uint64(info.Freeram) + uint64(info.Bufferram)) * unit
		if total > 0 {
			state.MemoryPressure = 1.0 - float64(free)/float64(total)
		}
	}

	if data, err := os.ReadFile(p.batteryPath); err == nil {
		if pct, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil {
			state.BatteryLevel = float64(pct) / 100.0
		}
	}

	return state
}
