// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Race detection tests for the full pipeline under concurrent load.
//
// Run with: go test -race ./internal/coordinator/...

package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigroute/internal/memory"
	"github.com/jeranaias/rigroute/internal/router"
	"github.com/jeranaias/rigroute/internal/telemetry"
)

const (
	// Number of concurrent goroutines for race tests
	raceConcurrency = 25
	// Number of iterations per goroutine
	raceIterations = 10
	// Timeout for race tests
	raceTimeout = 30 * time.Second
)

// TestConcurrency_PipelineMixedTraffic drives the pipeline with public and
// sensitive prompts, memory writes, and health reads, all at once. The
// assertions are loose; the value is what -race finds.
func TestConcurrency_PipelineMixedTraffic(t *testing.T) {
	p := newPipeline(t)
	seedHealthMemory(p.store)

	ctx, cancel := context.WithTimeout(context.Background(), raceTimeout)
	defer cancel()

	prompts := []string{
		"what is the capital of France",
		"My recent lab results show elevated cholesterol",
		"list the planets",
	}

	var wg sync.WaitGroup
	for i := 0; i < raceConcurrency; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < raceIterations; j++ {
				_, err := p.coord.Process(ctx, router.Request{Prompt: prompts[(i+j)%len(prompts)]})
				if err != nil && ctx.Err() == nil {
					t.Errorf("process: %v", err)
					return
				}
			}
		}()
	}

	// Concurrent memory writes churn both caches.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < raceIterations*4; j++ {
			p.store.Put(memory.Item{
				ID: fmt.Sprintf("churn-%d", j), Tier: memory.TierWorking,
				Content: "scratch note", Timestamp: time.Now(),
				Importance: 0.1, Confidence: 1.0,
			})
		}
	}()

	// Concurrent health and stats reads.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < raceIterations*4; j++ {
			_ = p.coord.Health(ctx)
			_ = p.cache.Stats()
		}
	}()

	wg.Wait()
	require.NoError(t, ctx.Err(), "race test timed out")

	// The sensitive prompt appeared in the mix; the cloud mock must have
	// served only public traffic at Contextual or below.
	health := p.coord.Health(context.Background())
	assert.Len(t, health, 2)
}

// TestConcurrency_OptimizerAgainstTraffic runs optimizer cycles while
// requests flow, exercising the weight/bonus/ceiling locks.
func TestConcurrency_OptimizerAgainstTraffic(t *testing.T) {
	p := newPipeline(t)

	tunables := telemetry.DefaultTunables()
	tunables.MinSamples = 1
	opt := telemetry.NewOptimizer(p.coord.monitor, p.coord.router, p.coord.admission, tunables)

	ctx, cancel := context.WithTimeout(context.Background(), raceTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < raceConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < raceIterations; j++ {
				_, err := p.coord.Process(ctx, router.Request{Prompt: "what is the capital of France"})
				if err != nil && ctx.Err() == nil {
					t.Errorf("process: %v", err)
					return
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < raceIterations*2; j++ {
			opt.Cycle()
		}
	}()

	wg.Wait()
	require.NoError(t, ctx.Err(), "race test timed out")
}
