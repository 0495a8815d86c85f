// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jeranaias/rigroute/internal/admission"
)

type fakeRouter struct {
	bonuses map[string]float64
}

func newFakeRouter() *fakeRouter { return &fakeRouter{bonuses: make(map[string]float64)} }

func (f *fakeRouter) AdjustBonus(id string, delta, maxBonus float64) {
	b := f.bonuses[id] + delta
	if b > maxBonus {
		b = maxBonus
	}
	if b < -maxBonus {
		b = -maxBonus
	}
	f.bonuses[id] = b
}

func (f *fakeRouter) Bonus(id string) float64 { return f.bonuses[id] }

type fakeAdmission struct {
	ceilings map[string]int
	stats    map[string]admission.QueueStats
}

func newFakeAdmission() *fakeAdmission {
	return &fakeAdmission{
		ceilings: make(map[string]int),
		stats:    make(map[string]admission.QueueStats),
	}
}

func (f *fakeAdmission) SetCeiling(id string, n int) {
	if n < 1 {
		n = 1
	}
	f.ceilings[id] = n
}
func (f *fakeAdmission) Ceiling(id string) int                  { return f.ceilings[id] }
func (f *fakeAdmission) Stats() map[string]admission.QueueStats { return f.stats }

func fill(m *Monitor, id string, n int, success bool) {
	for i := 0; i < n; i++ {
		m.Record(id, Sample{Latency: 100 * time.Millisecond, Success: success, Confidence: 0.9})
	}
}

func testTunables() Tunables {
	t := DefaultTunables()
	t.MinSamples = 5
	return t
}

func TestCycleDemotesFailingProvider(t *testing.T) {
	m := NewMonitor(0)
	r := newFakeRouter()
	a := newFakeAdmission()
	a.ceilings["flaky"] = 4

	fill(m, "flaky", 10, false)
	o := NewOptimizer(m, r, a, testTunables())
	o.Cycle()

	assert.InDelta(t, -0.1, r.Bonus("flaky"), 1e-9)
	assert.Equal(t, 3, a.Ceiling("flaky"))
}

// TestCycleDemotesSlowProvider demotes on latency alone: every request
// succeeds but the mean sits above the high-latency watermark.
func TestCycleDemotesSlowProvider(t *testing.T) {
	m := NewMonitor(0)
	r := newFakeRouter()
	a := newFakeAdmission()
	a.ceilings["molasses"] = 4

	for i := 0; i < 10; i++ {
		m.Record("molasses", Sample{Latency: 15 * time.Second, Success: true, Confidence: 0.9})
	}
	o := NewOptimizer(m, r, a, testTunables())
	o.Cycle()

	assert.InDelta(t, -0.1, r.Bonus("molasses"), 1e-9)
	assert.Equal(t, 3, a.Ceiling("molasses"))
}

// TestCycleBoundedSteps runs many cycles over an unchanging failure window
// and checks the per-cycle step size and the bonus clamp.
func TestCycleBoundedSteps(t *testing.T) {
	m := NewMonitor(0)
	r := newFakeRouter()
	a := newFakeAdmission()
	a.ceilings["flaky"] = 8

	fill(m, "flaky", 10, false)
	o := NewOptimizer(m, r, a, testTunables())

	o.Cycle()
	assert.InDelta(t, -0.1, r.Bonus("flaky"), 1e-9, "one step per cycle")
	assert.Equal(t, 7, a.Ceiling("flaky"), "one slot per cycle")

	for i := 0; i < 20; i++ {
		o.Cycle()
	}
	assert.InDelta(t, -0.5, r.Bonus("flaky"), 1e-9, "bonus clamps at -MaxBonus")
	assert.Equal(t, 1, a.Ceiling("flaky"), "ceiling clamps at its floor")
}

func TestCycleRecoversHealthyProvider(t *testing.T) {
	m := NewMonitor(0)
	r := newFakeRouter()
	r.bonuses["local"] = -0.3
	a := newFakeAdmission()
	a.ceilings["local"] = 2

	fill(m, "local", 10, true)
	o := NewOptimizer(m, r, a, testTunables())
	o.Cycle()

	assert.InDelta(t, -0.2, r.Bonus("local"), 1e-9)
	assert.Equal(t, 2, a.Ceiling("local"), "no queue pressure, no ceiling change")
}

func TestCycleRaisesCeilingUnderQueuePressure(t *testing.T) {
	m := NewMonitor(0)
	r := newFakeRouter()
	a := newFakeAdmission()
	a.ceilings["local"] = 2
	a.stats["local"] = admission.QueueStats{
		InFlight: 2, Waiting: 3, Ceiling: 2, OldestWait: 5 * time.Second,
	}

	fill(m, "local", 10, true)
	o := NewOptimizer(m, r, a, testTunables())
	o.Cycle()

	assert.Equal(t, 3, a.Ceiling("local"))
}

func TestCycleIgnoresThinWindows(t *testing.T) {
	m := NewMonitor(0)
	r := newFakeRouter()
	a := newFakeAdmission()
	a.ceilings["new"] = 2

	fill(m, "new", 3, false)
	o := NewOptimizer(m, r, a, testTunables())
	o.Cycle()

	assert.Zero(t, r.Bonus("new"), "too few samples to act on")
	assert.Equal(t, 2, a.Ceiling("new"))
}
