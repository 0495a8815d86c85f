// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigroute/internal/privacy"
)

func privacyLevelForTest(t *testing.T) privacy.Level {
	t.Helper()
	return privacy.LevelContextual
}

// countingStore wraps Store and counts Query calls.
type countingStore struct {
	*Store
	mu      sync.Mutex
	queries int
}

func (cs *countingStore) Query(ctx context.Context, tier Tier, filter Filter) ([]Item, error) {
	cs.mu.Lock()
	cs.queries++
	cs.mu.Unlock()
	return cs.Store.Query(ctx, tier, filter)
}

func (cs *countingStore) queryCount() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.queries
}

func newCachedFixture(t *testing.T, ttl time.Duration) (*countingStore, *CachingEngine) {
	t.Helper()
	store := &countingStore{Store: NewStore()}
	now := testClock()()
	store.Put(Item{ID: "note", Tier: TierLongTerm, Content: "grocery list apples oats coffee", Timestamp: now.Add(-time.Hour)})

	engine := NewEngine(store, WithClock(testClock()))
	ce := NewCachingEngine(engine, ttl)
	t.Cleanup(ce.Close)
	return store, ce
}

func TestCacheHitSkipsStore(t *testing.T) {
	store, ce := newCachedFixture(t, time.Minute)
	cfg := testConfig()
	ctx := context.Background()

	first, err := ce.Retrieve(ctx, "grocery list", cfg, nil)
	require.NoError(t, err)
	queriesAfterMiss := store.queryCount()

	second, err := ce.Retrieve(ctx, "grocery list", cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, queriesAfterMiss, store.queryCount(), "cache hit must not touch the store")
	assert.Equal(t, first.Items, second.Items)

	stats := ce.Stats()
	assert.Equal(t, 1, stats.Hits)
	assert.Equal(t, 1, stats.Misses)
}

// TestCachePushInvalidation verifies a write to a cached tier forces the
// next identical retrieval back to the store.
func TestCachePushInvalidation(t *testing.T) {
	store, ce := newCachedFixture(t, time.Minute)
	cfg := testConfig()
	ctx := context.Background()

	_, err := ce.Retrieve(ctx, "grocery list", cfg, nil)
	require.NoError(t, err)
	baseline := store.queryCount()

	// Write to a tier present in the cached config.
	store.Put(Item{ID: "new", Tier: TierLongTerm, Content: "grocery list lentils", Timestamp: testClock()().Add(-time.Minute)})

	mc, err := ce.Retrieve(ctx, "grocery list", cfg, nil)
	require.NoError(t, err)
	assert.Greater(t, store.queryCount(), baseline, "write must invalidate the cached context")
	assert.Len(t, mc.Items, 2)
}

func TestCacheWriteToExcludedTierKeepsEntry(t *testing.T) {
	store, ce := newCachedFixture(t, time.Minute)
	cfg := testConfig()
	cfg.Tiers = []Tier{TierLongTerm}
	ctx := context.Background()

	_, err := ce.Retrieve(ctx, "grocery list", cfg, nil)
	require.NoError(t, err)
	baseline := store.queryCount()

	// Working-tier write does not touch a LongTerm-only context.
	store.Put(Item{ID: "scratch", Tier: TierWorking, Content: "scratch buffer", Timestamp: testClock()()})

	_, err = ce.Retrieve(ctx, "grocery list", cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, baseline, store.queryCount())
}

// TestCacheDropsInconsistentEntry corrupts a cached entry in place and
// checks the hit path bypasses it instead of serving or failing.
func TestCacheDropsInconsistentEntry(t *testing.T) {
	store, ce := newCachedFixture(t, time.Minute)
	cfg := testConfig()
	ctx := context.Background()

	_, err := ce.Retrieve(ctx, "grocery list", cfg, nil)
	require.NoError(t, err)
	baseline := store.queryCount()

	ce.mu.Lock()
	for _, entry := range ce.entries {
		entry.ctx = nil
	}
	ce.mu.Unlock()

	mc, err := ce.Retrieve(ctx, "grocery list", cfg, nil)
	require.NoError(t, err, "inconsistency is never surfaced")
	require.NotNil(t, mc)
	assert.Greater(t, store.queryCount(), baseline, "bad entry must be retrieved fresh")
}

func TestCacheEntryValidate(t *testing.T) {
	cfg := testConfig()
	good := &cacheEntry{ctx: &Context{SourceQuery: "Grocery  list", Items: []Item{{ID: "a"}}}}
	assert.NoError(t, good.validate("grocery list", cfg))

	mismatch := &cacheEntry{ctx: &Context{SourceQuery: "other query"}}
	assert.ErrorIs(t, mismatch.validate("grocery list", cfg), ErrCacheInconsistent)

	over := &cacheEntry{ctx: &Context{SourceQuery: "grocery list", Items: make([]Item, cfg.MaxTotalResults+1)}}
	assert.ErrorIs(t, over.validate("grocery list", cfg), ErrCacheInconsistent)
}

func TestCacheKeyIncludesTargetLevel(t *testing.T) {
	cfg := testConfig()
	a := cacheKey("query", cfg, nil)
	lvl := privacyLevelForTest(t)
	b := cacheKey("query", cfg, &lvl)
	assert.NotEqual(t, a, b, "target privacy level must partition the cache")
}

func TestCacheKeyNormalizesWhitespace(t *testing.T) {
	cfg := testConfig()
	a := cacheKey("grocery   list", cfg, nil)
	b := cacheKey("  Grocery list ", cfg, nil)
	assert.Equal(t, a, b)
}
