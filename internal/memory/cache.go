// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/jeranaias/rigroute/internal/privacy"
)

// =============================================================================
// RETRIEVAL CACHE
// =============================================================================

// CachingEngine fronts an Engine with a TTL-bounded cache keyed on
// (normalized query, config, target privacy level).
//
// Invalidation is push-based: the cache subscribes to the tier store and
// drops every entry whose configuration included a written tier. There is
// no polling.
type CachingEngine struct {
	engine *Engine
	ttl    time.Duration

	mu      sync.Mutex
	entries map[string]*cacheEntry

	// group collapses concurrent identical misses into one retrieval.
	group singleflight.Group

	// Statistics
	hits   int
	misses int

	unsubscribe func()
	now         func() time.Time
	logger      *log.Logger
}

// cacheEntry is one cached context plus its expiry and tier footprint.
type cacheEntry struct {
	ctx       *Context
	expiresAt time.Time
	tiers     map[Tier]struct{}
}

// validate checks a cached context still answers the key it is filed
// under. A mismatch means store state and cache state diverged.
func (e *cacheEntry) validate(query string, cfg RetrievalConfiguration) error {
	if e.ctx == nil {
		return fmt.Errorf("%w: nil context", ErrCacheInconsistent)
	}
	if normalizeQuery(e.ctx.SourceQuery) != normalizeQuery(query) {
		return fmt.Errorf("%w: query mismatch", ErrCacheInconsistent)
	}
	if cfg.MaxTotalResults > 0 && len(e.ctx.Items) > cfg.MaxTotalResults {
		return fmt.Errorf("%w: %d items exceed cap %d",
			ErrCacheInconsistent, len(e.ctx.Items), cfg.MaxTotalResults)
	}
	return nil
}

// CacheStats reports hit/miss counts.
type CacheStats struct {
	Hits    int
	Misses  int
	Entries int
}

// NewCachingEngine wraps a retrieval engine with a cache. The cache
// subscribes to store writes through the engine's store; Close releases
// the subscription.
func NewCachingEngine(engine *Engine, ttl time.Duration) *CachingEngine {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	ce := &CachingEngine{
		engine:  engine,
		ttl:     ttl,
		entries: make(map[string]*cacheEntry),
		now:     engine.now,
		logger:  log.WithPrefix("memcache"),
	}
	ce.unsubscribe = engine.store.Subscribe(ce.InvalidateTier)
	return ce
}

// Retrieve returns a cached context when fresh, otherwise delegates to the
// engine. Concurrent identical misses execute one underlying retrieval.
func (ce *CachingEngine) Retrieve(ctx context.Context, query string, cfg RetrievalConfiguration, target *privacy.Level) (*Context, error) {
	key := cacheKey(query, cfg, target)

	ce.mu.Lock()
	if entry, ok := ce.entries[key]; ok && ce.now().Before(entry.expiresAt) {
		if err := entry.validate(query, cfg); err != nil {
			// Never surfaced: drop the entry and retrieve fresh.
			ce.logger.Warn("dropping bad cache entry", "err", err)
			delete(ce.entries, key)
		} else {
			ce.hits++
			ce.mu.Unlock()
			return entry.ctx, nil
		}
	}
	ce.misses++
	ce.mu.Unlock()

	v, err, _ := ce.group.Do(key, func() (interface{}, error) {
		mc, err := ce.engine.Retrieve(ctx, query, cfg, target)
		if err != nil {
			return nil, err
		}

		tiers := make(map[Tier]struct{}, len(mc.Tiers))
		for _, t := range mc.Tiers {
			tiers[t] = struct{}{}
		}
		ce.mu.Lock()
		ce.entries[key] = &cacheEntry{
			ctx:       mc,
			expiresAt: ce.now().Add(ce.ttl),
			tiers:     tiers,
		}
		ce.mu.Unlock()
		return mc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Context), nil
}

// InvalidateTier drops every cached context built from the given tier.
// Wired to the store's write notifications.
func (ce *CachingEngine) InvalidateTier(tier Tier) {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	for key, entry := range ce.entries {
		if _, ok := entry.tiers[tier]; ok {
			delete(ce.entries, key)
		}
	}
}

// Clear drops all entries.
func (ce *CachingEngine) Clear() {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	ce.entries = make(map[string]*cacheEntry)
}

// Stats returns cache statistics.
func (ce *CachingEngine) Stats() CacheStats {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	return CacheStats{Hits: ce.hits, Misses: ce.misses, Entries: len(ce.entries)}
}

// Close cancels the store subscription.
func (ce *CachingEngine) Close() {
	if ce.unsubscribe != nil {
		ce.unsubscribe()
	}
}

// normalizeQuery collapses case and whitespace so trivially different
// spellings share a cache entry.
func normalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// cacheKey hashes the normalized query, the full configuration, and the
// target level into a stable key.
func cacheKey(query string, cfg RetrievalConfiguration, target *privacy.Level) string {
	h := sha256.New()
	fmt.Fprintln(h, normalizeQuery(query))
	for _, t := range cfg.Tiers {
		fmt.Fprintf(h, "%d,", t)
	}
	fmt.Fprintf(h, "|%d|%d|%g|%g|%g|%d",
		cfg.MaxResultsPerTier, cfg.MaxTotalResults,
		cfg.RecencyWeight, cfg.RelevanceWeight, cfg.SemanticThreshold,
		cfg.RecencyHalfLife)
	if target != nil {
		fmt.Fprintf(h, "|t=%d", *target)
	}
	return hex.EncodeToString(h.Sum(nil))
}
