// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/jeranaias/rigroute/internal/memory"
	"github.com/jeranaias/rigroute/internal/privacy"
	"github.com/jeranaias/rigroute/internal/provider"
	"github.com/jeranaias/rigroute/internal/systemstate"
)

// =============================================================================
// PERFORMANCE HISTORY
// =============================================================================

// PerfReader supplies recent per-provider performance aggregates. The
// telemetry monitor implements it; routing works without one (baseline
// latencies only).
type PerfReader interface {
	// MeanLatency returns the sliding-window mean latency, false when no
	// samples exist.
	MeanLatency(providerID string) (time.Duration, bool)
	// SuccessRate returns the sliding-window success rate, false when no
	// samples exist.
	SuccessRate(providerID string) (float64, bool)
}

// =============================================================================
// ENGINE
// =============================================================================

// maxPrivacyHeadroom is the widest possible gap between a provider's
// privacy ceiling and a request's level, used to normalize the privacy
// sub-score.
const maxPrivacyHeadroom = float64(privacy.LevelSensitive - privacy.LevelPublic)

// structuredMismatchPenalty is the content score for a degradeable
// structured-output mismatch outside strict mode.
const structuredMismatchPenalty = 0.4

// Engine scores providers for requests. Safe for concurrent use; weights
// and bonuses are tuned at runtime by the optimizer.
type Engine struct {
	registry *provider.Registry
	perf     PerfReader
	logger   *log.Logger

	mu      sync.RWMutex
	weights Weights
	bonuses map[string]float64
}

// Option configures an Engine.
type Option func(*Engine)

// WithPerfReader wires the telemetry monitor into performance scoring.
func WithPerfReader(p PerfReader) Option {
	return func(e *Engine) { e.perf = p }
}

// WithWeights overrides the default equal weights.
func WithWeights(w Weights) Option {
	return func(e *Engine) { e.weights = w }
}

// WithLogger sets the engine logger.
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates a routing engine over a registry.
func New(registry *provider.Registry, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		weights:  DefaultWeights(),
		bonuses:  make(map[string]float64),
		logger:   log.WithPrefix("router"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Weights returns the current weights.
func (e *Engine) Weights() Weights {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.weights
}

// SetWeights replaces the scoring weights.
func (e *Engine) SetWeights(w Weights) {
	e.mu.Lock()
	e.weights = w
	e.mu.Unlock()
}

// Bonus returns the optimizer-applied score bonus for a provider.
func (e *Engine) Bonus(providerID string) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.bonuses[providerID]
}

// AdjustBonus shifts a provider's bonus by delta, clamped to
// [-maxBonus, +maxBonus]. Called by the optimizer in bounded steps.
func (e *Engine) AdjustBonus(providerID string, delta, maxBonus float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.bonuses[providerID] + delta
	if b > maxBonus {
		b = maxBonus
	}
	if b < -maxBonus {
		b = -maxBonus
	}
	e.bonuses[providerID] = b
}

// =============================================================================
// ROUTING
// =============================================================================

// Route scores every registered provider and returns a decision.
//
// SECURITY CRITICAL: the privacy eligibility check runs FIRST and is an
// exclusion. An on-device-only request never routes to an off-device
// provider, regardless of every other sub-score.
func (e *Engine) Route(ctx context.Context, req Request, mc *memory.Context, analysis privacy.Analysis, state systemstate.State) (Decision, error) {
	descriptors := e.registry.List()
	if len(descriptors) == 0 {
		return Decision{}, fmt.Errorf("%w: registry is empty", ErrNoEligibleProvider)
	}

	// Context carrying restricted data tightens the effective level: a
	// Public query over Personal memories still must not leave the
	// device.
	effective := analysis.Level
	onDeviceOnly := analysis.RequiresOnDevice
	if mc != nil && mc.ContainsRestrictedData && effective < privacy.LevelPersonal {
		effective = privacy.LevelPersonal
		onDeviceOnly = true
	}

	weights := e.Weights()

	scores := make([]Score, 0, len(descriptors))
	excluded := make([]string, 0)
	for _, desc := range descriptors {
		// CRITICAL CHECK #1: privacy eligibility (must be first).
		if onDeviceOnly && !desc.OnDevice {
			excluded = append(excluded, desc.ID+" (off-device)")
			continue
		}
		if effective > desc.MaxPrivacy {
			excluded = append(excluded, desc.ID+" (privacy ceiling)")
			continue
		}

		// CHECK #2: content eligibility.
		content, eligible := e.contentScore(req, desc)
		if !eligible {
			excluded = append(excluded, desc.ID+" (content)")
			continue
		}

		s := Score{
			ProviderID:   desc.ID,
			Privacy:      float64(desc.MaxPrivacy-effective) / maxPrivacyHeadroom,
			Content:      content,
			Performance:  e.performanceScore(req, desc, state),
			Availability: e.availabilityScore(ctx, desc),
			Bonus:        e.Bonus(desc.ID),
		}
		s.Composite = weights.Privacy*s.Privacy +
			weights.Content*s.Content +
			weights.Performance*s.Performance +
			weights.Availability*s.Availability +
			s.Bonus
		scores = append(scores, s)
	}

	if len(scores) == 0 {
		return Decision{}, fmt.Errorf("%w: excluded %s",
			ErrNoEligibleProvider, strings.Join(excluded, ", "))
	}

	// Stable sort: equal composites fall back to lower current load, then
	// registration order (the iteration order above).
	loads := make(map[string]int, len(descriptors))
	for _, d := range descriptors {
		loads[d.ID] = d.CurrentLoad
	}
	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].Composite != scores[j].Composite {
			return scores[i].Composite > scores[j].Composite
		}
		return loads[scores[i].ProviderID] < loads[scores[j].ProviderID]
	})

	fallbacks := make([]string, 0, len(scores)-1)
	for _, s := range scores[1:] {
		fallbacks = append(fallbacks, s.ProviderID)
	}

	decision := Decision{
		Primary:    scores[0].ProviderID,
		Fallbacks:  fallbacks,
		Confidence: confidence(scores),
		Rationale:  rationale(effective, onDeviceOnly, scores, excluded),
		Scores:     scores,
	}

	e.logger.Debug("routed",
		"request", req.ID,
		"level", effective.String(),
		"primary", decision.Primary,
		"fallbacks", len(decision.Fallbacks),
		"confidence", fmt.Sprintf("%.2f", decision.Confidence))
	return decision, nil
}

// contentScore rates modality/output fit. The bool is false when the
// mismatch cannot be degraded (attachments without multimodal support, or
// a strict-mode structured mismatch).
func (e *Engine) contentScore(req Request, desc provider.Descriptor) (float64, bool) {
	if len(req.Attachments) > 0 && !desc.SupportsMultimodal {
		return 0, false
	}
	if req.Expected == OutputStructured && !desc.SupportsStructuredOutput {
		if req.StrictOutput {
			return 0, false
		}
		return structuredMismatchPenalty, true
	}
	return 1.0, true
}

// performanceScore rates expected latency against the budget and applies
// device-pressure throttling to on-device providers.
func (e *Engine) performanceScore(req Request, desc provider.Descriptor, state systemstate.State) float64 {
	expected := desc.BaselineLatency
	if e.perf != nil {
		if mean, ok := e.perf.MeanLatency(desc.ID); ok {
			expected = mean
		}
	}

	score := 1.0
	if req.LatencyBudget > 0 && expected > 0 {
		score = float64(req.LatencyBudget) / float64(expected)
		if score > 1 {
			score = 1
		}
	}

	// Constrained devices throttle local compute; remote providers only
	// cost a radio.
	if desc.OnDevice && state.Constrained() {
		score *= 0.5
	}
	return score
}

// availabilityScore is 0 for an unreachable backend, otherwise 1 scaled
// down by queue depth relative to capacity.
func (e *Engine) availabilityScore(ctx context.Context, desc provider.Descriptor) float64 {
	invoker, err := e.registry.Invoker(desc.ID)
	if err != nil || !invoker.Available(ctx) {
		return 0
	}
	if desc.MaxConcurrent <= 0 {
		return 1
	}
	load := float64(desc.CurrentLoad) / float64(desc.MaxConcurrent)
	if load > 1 {
		load = 1
	}
	return 1 - load
}

// confidence maps the winner's margin over the runner-up into [0,1].
// A lone candidate scores its own composite, clamped.
func confidence(scores []Score) float64 {
	top := scores[0].Composite
	if top < 0 {
		return 0
	}
	if len(scores) == 1 {
		if top > 1 {
			return 1
		}
		return top
	}
	margin := top - scores[1].Composite
	c := 0.5 + margin
	if c > 1 {
		c = 1
	}
	if c < 0 {
		c = 0
	}
	return c
}

// rationale builds the human-readable decision explanation.
func rationale(level privacy.Level, onDeviceOnly bool, scores []Score, excluded []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "privacy=%s", level)
	if onDeviceOnly {
		b.WriteString(" (on-device required)")
	}
	fmt.Fprintf(&b, "; selected %s (score %.3f)", scores[0].ProviderID, scores[0].Composite)
	if len(excluded) > 0 {
		fmt.Fprintf(&b, "; excluded: %s", strings.Join(excluded, ", "))
	}
	return b.String()
}
