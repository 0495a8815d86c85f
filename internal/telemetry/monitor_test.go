// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotEmpty(t *testing.T) {
	m := NewMonitor(0)
	_, ok := m.Snapshot("local")
	assert.False(t, ok)
	_, ok = m.MeanLatency("local")
	assert.False(t, ok)
	_, ok = m.SuccessRate("local")
	assert.False(t, ok)
}

func TestSnapshotAggregates(t *testing.T) {
	m := NewMonitor(10)
	m.Record("local", Sample{Latency: 100 * time.Millisecond, Success: true, Confidence: 0.8})
	m.Record("local", Sample{Latency: 300 * time.Millisecond, Success: false, Confidence: 0.6, FallbackUsed: true})

	agg, ok := m.Snapshot("local")
	require.True(t, ok)
	assert.Equal(t, 2, agg.Samples)
	assert.Equal(t, 200*time.Millisecond, agg.MeanLatency)
	assert.InDelta(t, 0.5, agg.SuccessRate, 1e-9)
	assert.InDelta(t, 0.7, agg.MeanConfidence, 1e-9)
	assert.InDelta(t, 0.5, agg.FallbackRate, 1e-9)
}

// TestWindowEvictsOldest fills the window with failures then overwrites it
// with successes; the aggregate must forget the failures.
func TestWindowEvictsOldest(t *testing.T) {
	m := NewMonitor(4)
	for i := 0; i < 4; i++ {
		m.Record("local", Sample{Latency: time.Second, Success: false})
	}
	for i := 0; i < 4; i++ {
		m.Record("local", Sample{Latency: 100 * time.Millisecond, Success: true})
	}

	agg, ok := m.Snapshot("local")
	require.True(t, ok)
	assert.Equal(t, 4, agg.Samples)
	assert.InDelta(t, 1.0, agg.SuccessRate, 1e-9)
	assert.Equal(t, 100*time.Millisecond, agg.MeanLatency)
}

func TestProvidersIsolated(t *testing.T) {
	m := NewMonitor(0)
	m.Record("a", Sample{Success: true})
	m.Record("b", Sample{Success: false})

	ra, _ := m.SuccessRate("a")
	rb, _ := m.SuccessRate("b")
	assert.InDelta(t, 1.0, ra, 1e-9)
	assert.InDelta(t, 0.0, rb, 1e-9)
	assert.ElementsMatch(t, []string{"a", "b"}, m.Providers())
}
