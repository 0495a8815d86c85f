// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"sync"
	"time"
)

// =============================================================================
// SAMPLES
// =============================================================================

// DefaultWindow is how many recent samples each provider retains.
const DefaultWindow = 100

// Sample is one completed invocation outcome.
type Sample struct {
	Timestamp time.Time
	Latency   time.Duration
	Success   bool
	// Confidence is the routing confidence behind the invocation, in
	// [0,1].
	Confidence float64
	// FallbackUsed marks that the provider served as a fallback after the
	// primary failed.
	FallbackUsed bool
}

// Aggregate is the sliding-window summary for one provider.
type Aggregate struct {
	Samples        int
	MeanLatency    time.Duration
	SuccessRate    float64
	MeanConfidence float64
	FallbackRate   float64
}

// =============================================================================
// MONITOR
// =============================================================================

// ring is a fixed-capacity sample buffer. Old samples are overwritten in
// place.
type ring struct {
	buf  []Sample
	next int
	full bool
}

func (r *ring) add(s Sample) {
	r.buf[r.next] = s
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// Monitor records invocation outcomes per provider. Safe for concurrent
// use; Record never blocks on anything but the mutex.
type Monitor struct {
	window int

	mu    sync.RWMutex
	rings map[string]*ring
}

// NewMonitor creates a monitor. A window of 0 uses DefaultWindow.
func NewMonitor(window int) *Monitor {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Monitor{window: window, rings: make(map[string]*ring)}
}

// Record stores one outcome for a provider.
func (m *Monitor) Record(providerID string, s Sample) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rings[providerID]
	if !ok {
		r = &ring{buf: make([]Sample, m.window)}
		m.rings[providerID] = r
	}
	r.add(s)
}

// Snapshot aggregates the current window for one provider. The bool is
// false when no samples exist.
func (m *Monitor) Snapshot(providerID string) (Aggregate, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rings[providerID]
	if !ok || r.len() == 0 {
		return Aggregate{}, false
	}

	n := r.len()
	var latencySum time.Duration
	var confidenceSum float64
	var successes, fallbacks int
	for i := 0; i < n; i++ {
		s := r.buf[i]
		latencySum += s.Latency
		confidenceSum += s.Confidence
		if s.Success {
			successes++
		}
		if s.FallbackUsed {
			fallbacks++
		}
	}
	return Aggregate{
		Samples:        n,
		MeanLatency:    latencySum / time.Duration(n),
		SuccessRate:    float64(successes) / float64(n),
		MeanConfidence: confidenceSum / float64(n),
		FallbackRate:   float64(fallbacks) / float64(n),
	}, true
}

// Providers returns the ids with at least one recorded sample.
func (m *Monitor) Providers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.rings))
	for id, r := range m.rings {
		if r.len() > 0 {
			out = append(out, id)
		}
	}
	return out
}

// =============================================================================
// ROUTER INTEGRATION
// =============================================================================

// MeanLatency satisfies the router's performance reader.
func (m *Monitor) MeanLatency(providerID string) (time.Duration, bool) {
	agg, ok := m.Snapshot(providerID)
	if !ok {
		return 0, false
	}
	return agg.MeanLatency, true
}

// SuccessRate satisfies the router's performance reader.
func (m *Monitor) SuccessRate(providerID string) (float64, bool) {
	agg, ok := m.Snapshot(providerID)
	if !ok {
		return 0, false
	}
	return agg.SuccessRate, true
}
