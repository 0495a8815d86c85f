// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"github.com/jeranaias/rigroute/internal/admission"
)

// =============================================================================
// TUNABLES
// =============================================================================

// Tunables bounds how far a single optimization cycle may move anything.
type Tunables struct {
	// Interval is the cycle period.
	Interval time.Duration
	// MinSamples is how many window samples a provider needs before the
	// optimizer will act on its aggregates.
	MinSamples int
	// BonusStep is the per-cycle routing-bonus increment.
	BonusStep float64
	// MaxBonus clamps the accumulated bonus to [-MaxBonus, +MaxBonus].
	MaxBonus float64
	// LowSuccess is the success rate below which a provider is demoted.
	LowSuccess float64
	// HighSuccess is the success rate above which a demoted provider
	// recovers.
	HighSuccess float64
	// HighLatency is the mean latency above which a provider is demoted
	// even when its requests succeed. Zero disables the check.
	HighLatency time.Duration
	// WaitThreshold is the head-of-queue wait that triggers a ceiling
	// raise on a healthy provider.
	WaitThreshold time.Duration
}

// DefaultTunables returns the standard optimization bounds.
func DefaultTunables() Tunables {
	return Tunables{
		Interval:      30 * time.Second,
		MinSamples:    10,
		BonusStep:     0.1,
		MaxBonus:      0.5,
		LowSuccess:    0.8,
		HighSuccess:   0.95,
		HighLatency:   10 * time.Second,
		WaitThreshold: 2 * time.Second,
	}
}

// =============================================================================
// OPTIMIZER
// =============================================================================

// BonusAdjuster is the routing surface the optimizer tunes. The routing
// engine implements it.
type BonusAdjuster interface {
	AdjustBonus(providerID string, delta, maxBonus float64)
	Bonus(providerID string) float64
}

// CeilingController is the admission surface the optimizer tunes. The
// admission controller implements it.
type CeilingController interface {
	SetCeiling(providerID string, ceiling int)
	Ceiling(providerID string) int
	Stats() map[string]admission.QueueStats
}

// Optimizer periodically converts window aggregates into bounded routing
// and admission adjustments. Each cycle moves a provider's bonus by at
// most one BonusStep and its ceiling by at most one slot.
type Optimizer struct {
	monitor   *Monitor
	router    BonusAdjuster
	admission CeilingController
	tunables  Tunables
	logger    *log.Logger
}

// NewOptimizer wires an optimizer over its three surfaces.
func NewOptimizer(m *Monitor, r BonusAdjuster, a CeilingController, t Tunables) *Optimizer {
	if t.Interval <= 0 {
		t.Interval = DefaultTunables().Interval
	}
	return &Optimizer{
		monitor:   m,
		router:    r,
		admission: a,
		tunables:  t,
		logger:    log.WithPrefix("optimizer"),
	}
}

// Run cycles until ctx ends.
func (o *Optimizer) Run(ctx context.Context) {
	ticker := time.NewTicker(o.tunables.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Cycle()
		}
	}
}

// Cycle runs one optimization pass. Exported so tests and diagnostics can
// drive it without the ticker.
func (o *Optimizer) Cycle() {
	queueStats := o.admission.Stats()

	for _, id := range o.monitor.Providers() {
		agg, ok := o.monitor.Snapshot(id)
		if !ok || agg.Samples < o.tunables.MinSamples {
			continue
		}

		slow := o.tunables.HighLatency > 0 && agg.MeanLatency > o.tunables.HighLatency

		switch {
		case agg.SuccessRate < o.tunables.LowSuccess || slow:
			// Failing or crawling backend: steer traffic away and shrink
			// its pool so fewer requests queue behind it.
			o.router.AdjustBonus(id, -o.tunables.BonusStep, o.tunables.MaxBonus)
			o.admission.SetCeiling(id, o.admission.Ceiling(id)-1)
			o.logger.Info("demoted provider",
				"provider", id,
				"success_rate", agg.SuccessRate,
				"mean_latency", agg.MeanLatency,
				"bonus", o.router.Bonus(id))

		case agg.SuccessRate >= o.tunables.HighSuccess && o.router.Bonus(id) < 0:
			o.router.AdjustBonus(id, o.tunables.BonusStep, o.tunables.MaxBonus)
			o.logger.Info("recovering provider",
				"provider", id,
				"bonus", o.router.Bonus(id))
		}

		// A healthy provider with requests stuck in its queue earns one
		// more slot.
		if qs, ok := queueStats[id]; ok &&
			agg.SuccessRate >= o.tunables.HighSuccess &&
			qs.Waiting > 0 && qs.OldestWait >= o.tunables.WaitThreshold {
			o.admission.SetCeiling(id, qs.Ceiling+1)
			o.logger.Info("raised ceiling",
				"provider", id,
				"ceiling", o.admission.Ceiling(id),
				"waiting", qs.Waiting)
		}
	}
}
