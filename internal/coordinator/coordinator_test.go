// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigroute/internal/admission"
	"github.com/jeranaias/rigroute/internal/memory"
	"github.com/jeranaias/rigroute/internal/privacy"
	"github.com/jeranaias/rigroute/internal/provider"
	"github.com/jeranaias/rigroute/internal/router"
	"github.com/jeranaias/rigroute/internal/systemstate"
	"github.com/jeranaias/rigroute/internal/telemetry"
)

// pipeline bundles everything a coordinator test needs to poke at.
type pipeline struct {
	coord *Coordinator
	store *memory.Store
	local *provider.Mock
	cloud *provider.Mock
	cache *ResponseCache
}

func newPipeline(t *testing.T, opts ...Option) *pipeline {
	t.Helper()

	store := memory.NewStore()
	reg := provider.NewRegistry()
	local := provider.NewMock()
	cloud := provider.NewMock()
	require.NoError(t, reg.Register(provider.Descriptor{
		ID: "local", OnDevice: true,
		MaxPrivacy:    privacy.LevelSensitive,
		MaxConcurrent: 2, BaselineLatency: 500 * time.Millisecond,
	}, local))
	require.NoError(t, reg.Register(provider.Descriptor{
		ID: "cloud", OnDevice: false,
		MaxPrivacy:    privacy.LevelContextual,
		MaxConcurrent: 4, BaselineLatency: 200 * time.Millisecond,
	}, cloud))

	rc := NewResponseCache(time.Minute, store)
	t.Cleanup(rc.Close)

	p := &pipeline{
		store: store,
		local: local,
		cloud: cloud,
		cache: rc,
	}
	p.coord = New(
		privacy.NewClassifier(),
		memory.NewEngine(store),
		router.New(reg),
		reg,
		admission.NewController(reg),
		telemetry.NewMonitor(0),
		systemstate.NewStaticProbe(),
		append([]Option{WithResponseCache(rc), WithInvokeTimeout(2 * time.Second)}, opts...)...,
	)
	return p
}

func seedHealthMemory(store *memory.Store) {
	now := time.Now()
	store.Put(memory.Item{
		ID: "m1", Tier: memory.TierEpisodic,
		Content:   "annual checkup lab results: cholesterol slightly elevated",
		Timestamp: now.Add(-2 * time.Hour), Importance: 0.9, Confidence: 0.9,
	})
	store.Put(memory.Item{
		ID: "m2", Tier: memory.TierLongTerm,
		Content:   "prefers metric units in answers",
		Timestamp: now.Add(-40 * 24 * time.Hour), Importance: 0.5, Confidence: 0.9,
	})
}

// TestProcessSensitiveQueryStaysOnDevice runs the full pipeline for a
// health query: classified Sensitive, served locally with the matching
// memory in context, and the cloud backend never touched.
func TestProcessSensitiveQueryStaysOnDevice(t *testing.T) {
	p := newPipeline(t)
	seedHealthMemory(p.store)

	var seenContext string
	p.local.Respond = func(inv provider.Invocation) string {
		seenContext = inv.Context
		return "your cholesterol trend looks stable"
	}

	resp, err := p.coord.Process(context.Background(),
		router.Request{Prompt: "My recent lab results show elevated cholesterol, should I be worried?"})
	require.NoError(t, err)

	assert.Equal(t, "local", resp.Provider)
	assert.Equal(t, privacy.LevelSensitive, resp.Privacy.Level)
	assert.True(t, resp.Privacy.RequiresOnDevice)
	assert.False(t, resp.FallbackUsed)
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, 0, p.cloud.Invocations(), "cloud must never see a sensitive prompt")

	assert.Contains(t, seenContext, "cholesterol slightly elevated")
	assert.True(t, resp.RestrictedContext)
	assert.GreaterOrEqual(t, resp.ContextItems, 1)
}

func TestProcessFallbackTagging(t *testing.T) {
	p := newPipeline(t)
	p.local.SetErr(errors.New("model crashed"))
	p.cloud.Respond = func(provider.Invocation) string { return "served by fallback" }

	resp, err := p.coord.Process(context.Background(),
		router.Request{Prompt: "what is the capital of France"})
	require.NoError(t, err)

	// The local provider wins the public-query routing, fails, and the
	// chain falls through to the cloud.
	assert.Equal(t, "local", resp.OriginalPrimary)
	assert.Equal(t, "cloud", resp.Provider)
	assert.True(t, resp.FallbackUsed)
	assert.Equal(t, "served by fallback", resp.Text)
}

func TestProcessAllProvidersFailed(t *testing.T) {
	p := newPipeline(t)
	p.local.SetErr(provider.ErrInvocationTimeout)
	p.cloud.SetErr(errors.New("upstream rejected"))

	_, err := p.coord.Process(context.Background(),
		router.Request{Prompt: "what is the capital of France"})

	var all *AllProvidersFailedError
	require.ErrorAs(t, err, &all)
	require.Len(t, all.Failures, 2)
	assert.Equal(t, "local", all.Failures[0].ProviderID)
	assert.Equal(t, FailureTimeout, all.Failures[0].Kind)
	assert.Equal(t, "cloud", all.Failures[1].ProviderID)
	assert.Equal(t, FailureInvocation, all.Failures[1].Kind)
	assert.Contains(t, err.Error(), "all 2 providers failed")
}

func TestProcessRejectsAttachmentOnlyRequest(t *testing.T) {
	p := newPipeline(t)

	_, err := p.coord.Process(context.Background(), router.Request{
		Prompt:      "   ",
		Attachments: []router.Attachment{{Name: "scan.png", MIME: "image/png"}},
	})
	assert.ErrorIs(t, err, privacy.ErrClassification)
	assert.Equal(t, 0, p.local.Invocations())
	assert.Equal(t, 0, p.cloud.Invocations())
}

func TestProcessNoEligibleProviderSurfacesImmediately(t *testing.T) {
	store := memory.NewStore()
	reg := provider.NewRegistry()
	cloud := provider.NewMock()
	require.NoError(t, reg.Register(provider.Descriptor{
		ID: "cloud", OnDevice: false, MaxPrivacy: privacy.LevelContextual, MaxConcurrent: 2,
	}, cloud))

	coord := New(
		privacy.NewClassifier(),
		memory.NewEngine(store),
		router.New(reg),
		reg,
		admission.NewController(reg),
		telemetry.NewMonitor(0),
		systemstate.NewStaticProbe(),
	)

	_, err := coord.Process(context.Background(),
		router.Request{Prompt: "My recent lab results show elevated cholesterol"})
	assert.ErrorIs(t, err, router.ErrNoEligibleProvider)
	assert.Equal(t, 0, cloud.Invocations())
}

// TestResponseCacheRoundTrip serves a repeat prompt from cache, then
// verifies a memory write invalidates it.
func TestResponseCacheRoundTrip(t *testing.T) {
	p := newPipeline(t)

	req := router.Request{Prompt: "what is the capital of France"}
	first, err := p.coord.Process(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	invocations := p.local.Invocations()

	second, err := p.coord.Process(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Text, second.Text)
	assert.NotEqual(t, first.RequestID, second.RequestID)
	assert.Equal(t, invocations, p.local.Invocations(), "cache hit must not invoke")

	// Any memory write flushes the response cache.
	p.store.Put(memory.Item{
		ID: "new", Tier: memory.TierWorking,
		Content: "currently planning the Paris trip", Timestamp: time.Now(),
		Importance: 0.5, Confidence: 0.9,
	})
	third, err := p.coord.Process(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, third.Cached)
	assert.Equal(t, invocations+1, p.local.Invocations())
}

// TestResponseCacheHitSkipsRetrievalAndRouting pins the fast path: a
// repeat prompt must be answered without touching the tier store again.
func TestResponseCacheHitSkipsRetrievalAndRouting(t *testing.T) {
	store := &countingTierStore{Store: memory.NewStore()}
	reg := provider.NewRegistry()
	local := provider.NewMock()
	require.NoError(t, reg.Register(provider.Descriptor{
		ID: "local", OnDevice: true,
		MaxPrivacy:    privacy.LevelSensitive,
		MaxConcurrent: 2, BaselineLatency: 500 * time.Millisecond,
	}, local))

	rc := NewResponseCache(time.Minute, store)
	t.Cleanup(rc.Close)
	coord := New(
		privacy.NewClassifier(),
		memory.NewEngine(store),
		router.New(reg),
		reg,
		admission.NewController(reg),
		telemetry.NewMonitor(0),
		systemstate.NewStaticProbe(),
		WithResponseCache(rc),
	)

	req := router.Request{Prompt: "what is the capital of France"}
	first, err := coord.Process(context.Background(), req)
	require.NoError(t, err)
	require.False(t, first.Cached)
	afterMiss := store.queryCount()
	require.Greater(t, afterMiss, 0)

	second, err := coord.Process(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, afterMiss, store.queryCount(), "cache hit must not re-run retrieval")
	assert.Equal(t, 1, local.Invocations(), "cache hit must not invoke")
}

// countingTierStore wraps the in-memory store and counts tier queries.
type countingTierStore struct {
	*memory.Store
	mu      sync.Mutex
	queries int
}

func (cs *countingTierStore) Query(ctx context.Context, tier memory.Tier, filter memory.Filter) ([]memory.Item, error) {
	cs.mu.Lock()
	cs.queries++
	cs.mu.Unlock()
	return cs.Store.Query(ctx, tier, filter)
}

func (cs *countingTierStore) queryCount() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.queries
}

// TestResponseCacheCloudPartitionClosedToOnDeviceRequests plants a
// cloud-class entry under a sensitive prompt's key and checks the request
// is served fresh on-device instead.
func TestResponseCacheCloudPartitionClosedToOnDeviceRequests(t *testing.T) {
	p := newPipeline(t)

	prompt := "My recent lab results show elevated cholesterol"
	p.cache.Put(responseKey(prompt, p.coord.retrievalTarget(), ClassCloud),
		Response{Text: "stale cloud answer", Provider: "cloud"})

	resp, err := p.coord.Process(context.Background(), router.Request{Prompt: prompt})
	require.NoError(t, err)
	assert.False(t, resp.Cached)
	assert.Equal(t, "local", resp.Provider)
	assert.Equal(t, 1, p.local.Invocations())
}

// TestResponseCacheCloudAnswerReused serves a repeat public prompt from
// the cloud partition when the cloud produced the first answer.
func TestResponseCacheCloudAnswerReused(t *testing.T) {
	p := newPipeline(t)
	p.local.SetDown(true)
	p.cloud.Respond = func(provider.Invocation) string { return "served from the cloud" }

	req := router.Request{Prompt: "what is the capital of France"}
	first, err := p.coord.Process(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "cloud", first.Provider)
	assert.False(t, first.Cached)

	second, err := p.coord.Process(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, "cloud", second.Provider)
	assert.Equal(t, 1, p.cloud.Invocations())
}

// TestProcessLatencyBudgetCancelsSlowProviders: the budget acts as the
// pipeline deadline, cutting slow invocations short and recording them
// as timeouts.
func TestProcessLatencyBudgetCancelsSlowProviders(t *testing.T) {
	p := newPipeline(t)
	p.local.Delay = 5 * time.Second
	p.cloud.Delay = 5 * time.Second

	start := time.Now()
	_, err := p.coord.Process(context.Background(), router.Request{
		Prompt:        "what is the capital of France",
		LatencyBudget: 100 * time.Millisecond,
	})
	elapsed := time.Since(start)

	var all *AllProvidersFailedError
	require.ErrorAs(t, err, &all)
	require.Len(t, all.Failures, 2)
	for _, f := range all.Failures {
		assert.Equal(t, FailureTimeout, f.Kind, f.ProviderID)
	}
	assert.Less(t, elapsed, 2*time.Second, "budget expiry must cut the invocation short")

	agg, ok := p.coord.monitor.Snapshot("local")
	require.True(t, ok)
	assert.Zero(t, agg.SuccessRate)
}

// TestFailureSamplesCarryAttemptLatency: a failed attempt records how
// long it burned, so a slow failing backend cannot read as fast.
func TestFailureSamplesCarryAttemptLatency(t *testing.T) {
	p := newPipeline(t)
	p.local.Delay = 50 * time.Millisecond
	p.local.SetErr(errors.New("model crashed"))
	p.cloud.Respond = func(provider.Invocation) string { return "served by fallback" }

	_, err := p.coord.Process(context.Background(),
		router.Request{Prompt: "what is the capital of France"})
	require.NoError(t, err)

	agg, ok := p.coord.monitor.Snapshot("local")
	require.True(t, ok)
	assert.Zero(t, agg.SuccessRate)
	assert.GreaterOrEqual(t, agg.MeanLatency, 50*time.Millisecond)
}

// TestProcessRetrievalKeepsRestrictedContext: a public query still sees a
// Personal memory when an on-device provider can process it, and the
// restricted context then keeps the request on-device.
func TestProcessRetrievalKeepsRestrictedContext(t *testing.T) {
	p := newPipeline(t)
	p.store.Put(memory.Item{
		ID: "addr", Tier: memory.TierLongTerm,
		Content:   "home address is 14 elm street",
		Timestamp: time.Now().Add(-time.Hour), Importance: 0.8, Confidence: 1.0,
	})

	var seenContext string
	p.local.Respond = func(inv provider.Invocation) string {
		seenContext = inv.Context
		return "it is on elm street"
	}

	resp, err := p.coord.Process(context.Background(),
		router.Request{Prompt: "what is the street address for the office"})
	require.NoError(t, err)

	assert.Equal(t, privacy.LevelPublic, resp.Privacy.Level)
	assert.True(t, resp.RestrictedContext)
	assert.Contains(t, seenContext, "elm street")
	assert.Equal(t, "local", resp.Provider)
	assert.Equal(t, 0, p.cloud.Invocations(), "restricted context must keep the request on-device")
}

// TestProcessDegradesOnRetrievalFailure routes with an empty context when
// retrieval fails instead of failing the request.
func TestProcessDegradesOnRetrievalFailure(t *testing.T) {
	p := newPipeline(t)
	coord := New(
		p.coord.classifier,
		failingRetriever{},
		p.coord.router,
		p.coord.registry,
		p.coord.admission,
		p.coord.monitor,
		p.coord.probe,
	)

	resp, err := coord.Process(context.Background(),
		router.Request{Prompt: "what is the capital of France"})
	require.NoError(t, err)
	assert.Equal(t, 0, resp.ContextItems)
	assert.NotEmpty(t, resp.Text)
}

type failingRetriever struct{}

func (failingRetriever) Retrieve(context.Context, string, memory.RetrievalConfiguration, *privacy.Level) (*memory.Context, error) {
	return nil, memory.ErrRetrievalTimeout
}

func TestHealthReportsAllProviders(t *testing.T) {
	p := newPipeline(t)
	p.cloud.SetDown(true)

	_, err := p.coord.Process(context.Background(),
		router.Request{Prompt: "what is the capital of France"})
	require.NoError(t, err)

	health := p.coord.Health(context.Background())
	require.Len(t, health, 2)
	assert.Equal(t, "local", health[0].ID)
	assert.True(t, health[0].Available)
	assert.True(t, health[0].HasMetrics)
	assert.InDelta(t, 1.0, health[0].Metrics.SuccessRate, 1e-9)
	assert.Equal(t, "cloud", health[1].ID)
	assert.False(t, health[1].Available)
	assert.False(t, health[1].HasMetrics)
}

func TestResponseKeyStableAndPartitioned(t *testing.T) {
	a := responseKey("  What is   GO? ", privacy.LevelPublic, ClassOnDevice)
	b := responseKey("what is go?", privacy.LevelPublic, ClassOnDevice)
	assert.Equal(t, a, b, "normalization must collapse whitespace and case")

	assert.NotEqual(t, a, responseKey("what is go?", privacy.LevelPersonal, ClassOnDevice))
	assert.NotEqual(t, a, responseKey("what is go?", privacy.LevelPublic, ClassCloud))
	assert.Len(t, a, 64)
}
