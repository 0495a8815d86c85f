// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/jeranaias/rigroute/internal/admission"
	"github.com/jeranaias/rigroute/internal/memory"
	"github.com/jeranaias/rigroute/internal/privacy"
	"github.com/jeranaias/rigroute/internal/provider"
	"github.com/jeranaias/rigroute/internal/router"
	"github.com/jeranaias/rigroute/internal/systemstate"
	"github.com/jeranaias/rigroute/internal/telemetry"
)

// =============================================================================
// RESPONSE
// =============================================================================

// Response is one completed request.
type Response struct {
	RequestID string
	Text      string
	// Provider and Model identify what served the request.
	Provider string
	Model    string
	// FallbackUsed is true when a fallback served after the primary
	// failed; OriginalPrimary then names the provider that was tried
	// first.
	FallbackUsed    bool
	OriginalPrimary string
	// Privacy is the classification the request was routed under.
	Privacy privacy.Analysis
	// Confidence is the routing confidence behind the decision.
	Confidence float64
	// ContextItems counts memories included in the prompt context;
	// RestrictedContext marks that some of them were Personal or above.
	ContextItems      int
	RestrictedContext bool
	// Cached is true when the response came from the response cache.
	Cached bool
	// Latency is the end-to-end pipeline time.
	Latency time.Duration

	InputTokens  int
	OutputTokens int
}

// =============================================================================
// COORDINATOR
// =============================================================================

// Retriever assembles memory contexts. Both the retrieval engine and its
// caching wrapper satisfy it.
type Retriever interface {
	Retrieve(ctx context.Context, query string, cfg memory.RetrievalConfiguration, target *privacy.Level) (*memory.Context, error)
}

// Coordinator owns the request pipeline end to end.
type Coordinator struct {
	classifier *privacy.Classifier
	retriever  Retriever
	router     *router.Engine
	registry   *provider.Registry
	admission  *admission.Controller
	monitor    *telemetry.Monitor
	probe      systemstate.Probe
	cache      *ResponseCache
	logger     *log.Logger

	retrievalCfg  memory.RetrievalConfiguration
	invokeTimeout time.Duration
	options       map[string]provider.Options
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithResponseCache enables the response cache.
func WithResponseCache(rc *ResponseCache) Option {
	return func(c *Coordinator) { c.cache = rc }
}

// WithRetrievalConfiguration overrides the default retrieval tuning.
func WithRetrievalConfiguration(cfg memory.RetrievalConfiguration) Option {
	return func(c *Coordinator) { c.retrievalCfg = cfg }
}

// WithInvokeTimeout bounds each provider invocation.
func WithInvokeTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.invokeTimeout = d }
}

// WithProviderOptions sets per-invocation options (model, temperature) for
// one provider.
func WithProviderOptions(providerID string, opts provider.Options) Option {
	return func(c *Coordinator) { c.options[providerID] = opts }
}

// WithLogger sets the coordinator logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// New wires a coordinator over its collaborators.
func New(
	classifier *privacy.Classifier,
	retriever Retriever,
	routingEngine *router.Engine,
	registry *provider.Registry,
	controller *admission.Controller,
	monitor *telemetry.Monitor,
	probe systemstate.Probe,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		classifier:    classifier,
		retriever:     retriever,
		router:        routingEngine,
		registry:      registry,
		admission:     controller,
		monitor:       monitor,
		probe:         probe,
		logger:        log.WithPrefix("coordinator"),
		retrievalCfg:  memory.DefaultRetrievalConfiguration(),
		invokeTimeout: 2 * time.Minute,
		options:       make(map[string]provider.Options),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Process runs one request through the full pipeline.
func (c *Coordinator) Process(ctx context.Context, req router.Request) (*Response, error) {
	start := time.Now()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	// An attachment with no prompt text cannot be scored, and an
	// unscorable request must not default to a permissive level.
	if strings.TrimSpace(req.Prompt) == "" && len(req.Attachments) > 0 {
		return nil, fmt.Errorf("request %s: %w", req.ID, privacy.ErrClassification)
	}

	// CANCELLATION: the latency budget bounds everything downstream of
	// classification: retrieval, queue waits, and the invocation itself.
	if req.LatencyBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.LatencyBudget)
		defer cancel()
	}

	// 1. Classify. Pure, no I/O.
	analysis := c.classifier.Classify(req.Prompt)

	// 2. Response cache. A hit is the fastest path and must stay that
	// way: no tier store, no routing. An on-device-only request reads
	// only the on-device partition.
	target := c.retrievalTarget()
	if c.cache != nil {
		for _, class := range cacheClasses(analysis) {
			cached, ok := c.cache.Get(responseKey(req.Prompt, target, class))
			if !ok {
				continue
			}
			cached.RequestID = req.ID
			cached.Cached = true
			cached.Latency = time.Since(start)
			c.logger.Debug("response cache hit", "request", req.ID, "provider", cached.Provider)
			return &cached, nil
		}
	}

	// 3. Assemble the memory context, up to the highest level a capable
	// candidate could see; the router narrows the provider set afterward
	// when the context turns out restricted. Retrieval trouble degrades
	// to an empty context rather than failing the request.
	mc, err := c.retriever.Retrieve(ctx, req.Prompt, c.retrievalCfg, &target)
	if err != nil {
		c.logger.Warn("retrieval degraded to empty context", "request", req.ID, "err", err)
		mc = nil
	}

	// 4. Route.
	decision, err := c.router.Route(ctx, req, mc, analysis, c.probe.CurrentState())
	if err != nil {
		// Privacy exclusions have no fallback; surface immediately.
		return nil, fmt.Errorf("request %s: %w", req.ID, err)
	}

	// 5. Invoke the primary, then walk the fallback chain.
	inv := provider.Invocation{Prompt: req.Prompt, Context: mc.Render()}
	var failures []ProviderFailure
	for i, id := range decision.Candidates() {
		inv.Options = c.options[id]
		resp, failure := c.attempt(ctx, id, inv, decision, i > 0)
		if failure != nil {
			failures = append(failures, *failure)
			c.logger.Warn("provider attempt failed",
				"request", req.ID,
				"provider", id,
				"kind", failure.Kind.String(),
				"err", failure.Err)
			continue
		}

		resp.RequestID = req.ID
		resp.Privacy = analysis
		resp.Confidence = decision.Confidence
		resp.OriginalPrimary = decision.Primary
		if mc != nil {
			resp.ContextItems = len(mc.Items)
			resp.RestrictedContext = mc.ContainsRestrictedData
		}
		resp.Latency = time.Since(start)

		if c.cache != nil {
			c.cache.Put(responseKey(req.Prompt, target, c.providerClass(id)), *resp)
		}
		return resp, nil
	}

	return nil, &AllProvidersFailedError{RequestID: req.ID, Failures: failures}
}

// attempt runs one provider: acquire a slot, invoke, release, record.
func (c *Coordinator) attempt(ctx context.Context, id string, inv provider.Invocation, decision router.Decision, isFallback bool) (*Response, *ProviderFailure) {
	invoker, err := c.registry.Invoker(id)
	if err != nil {
		return nil, &ProviderFailure{ProviderID: id, Kind: FailureUnavailable, Err: err}
	}

	// Failure samples carry the full attempt duration (queue wait plus
	// invocation) so a backend that burns its timeout reads as slow, not
	// instant.
	attemptStart := time.Now()
	slot, err := c.admission.Acquire(ctx, id)
	if err != nil {
		c.monitor.Record(id, telemetry.Sample{Latency: time.Since(attemptStart), Success: false, Confidence: decision.Confidence, FallbackUsed: isFallback})
		return nil, &ProviderFailure{ProviderID: id, Kind: FailureAdmission, Err: err}
	}

	// Invoke honors ctx, so cancellation stops the call first; the slot is
	// released after, and only then is the failure recorded.
	res, err := invoker.Invoke(ctx, inv, c.invokeTimeout)
	slot.Release()
	if err != nil {
		c.monitor.Record(id, telemetry.Sample{Latency: time.Since(attemptStart), Success: false, Confidence: decision.Confidence, FallbackUsed: isFallback})
		return nil, &ProviderFailure{ProviderID: id, Kind: classifyFailure(err), Err: err}
	}

	c.monitor.Record(id, telemetry.Sample{
		Latency:      res.Latency,
		Success:      true,
		Confidence:   decision.Confidence,
		FallbackUsed: isFallback,
	})
	return &Response{
		Text:         res.Text,
		Provider:     id,
		Model:        res.Model,
		FallbackUsed: isFallback,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
	}, nil
}

func classifyFailure(err error) FailureKind {
	switch {
	case errors.Is(err, provider.ErrInvocationTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, admission.ErrQueueTimeout):
		return FailureTimeout
	case errors.Is(err, provider.ErrUnavailable):
		return FailureUnavailable
	default:
		return FailureInvocation
	}
}

func (c *Coordinator) providerClass(id string) ProviderClass {
	if desc, ok := c.registry.Get(id); ok && desc.OnDevice {
		return ClassOnDevice
	}
	return ClassCloud
}

// retrievalTarget is the highest privacy level any registered provider
// can process. Retrieval keeps everything a capable candidate could
// legitimately see; dropping to the query's own level would starve
// on-device providers of restricted context.
func (c *Coordinator) retrievalTarget() privacy.Level {
	target := privacy.LevelPublic
	for _, desc := range c.registry.List() {
		if desc.MaxPrivacy > target {
			target = desc.MaxPrivacy
		}
	}
	return target
}

// cacheClasses lists the partitions a request may read, most restrictive
// first. On-device answers are safe for any repeat of the same prompt; a
// cloud answer is off limits once the request demands on-device handling.
func cacheClasses(a privacy.Analysis) []ProviderClass {
	if a.RequiresOnDevice {
		return []ProviderClass{ClassOnDevice}
	}
	return []ProviderClass{ClassOnDevice, ClassCloud}
}

// =============================================================================
// HEALTH
// =============================================================================

// ProviderHealth is one provider's live status for diagnostics.
type ProviderHealth struct {
	ID        string
	OnDevice  bool
	Available bool
	InFlight  int
	Waiting   int
	Ceiling   int
	// Metrics holds the sliding-window aggregates; HasMetrics is false
	// until the provider has served at least one request.
	Metrics    telemetry.Aggregate
	HasMetrics bool
}

// Health reports every registered provider's status in registration order.
func (c *Coordinator) Health(ctx context.Context) []ProviderHealth {
	queueStats := c.admission.Stats()
	descriptors := c.registry.List()
	out := make([]ProviderHealth, 0, len(descriptors))
	for _, desc := range descriptors {
		h := ProviderHealth{ID: desc.ID, OnDevice: desc.OnDevice}
		if invoker, err := c.registry.Invoker(desc.ID); err == nil {
			h.Available = invoker.Available(ctx)
		}
		if qs, ok := queueStats[desc.ID]; ok {
			h.InFlight = qs.InFlight
			h.Waiting = qs.Waiting
			h.Ceiling = qs.Ceiling
		}
		h.Metrics, h.HasMetrics = c.monitor.Snapshot(desc.ID)
		out = append(out, h)
	}
	return out
}
