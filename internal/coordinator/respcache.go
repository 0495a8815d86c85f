// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package coordinator

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/rigroute/internal/memory"
	"github.com/jeranaias/rigroute/internal/privacy"
)

// =============================================================================
// RESPONSE CACHE
// =============================================================================

// ProviderClass partitions cached responses by where the answer was
// produced. On-device answers may serve any repeat of the same prompt; a
// cloud-produced answer never serves a request that requires on-device
// handling.
type ProviderClass int

const (
	ClassOnDevice ProviderClass = iota
	ClassCloud
)

// String returns the human-readable name of the class.
func (c ProviderClass) String() string {
	if c == ClassOnDevice {
		return "OnDevice"
	}
	return "Cloud"
}

// ResponseCache holds recent completed responses keyed by prompt,
// retrieval target level, and provider class. The lookup runs before
// classification-adjacent I/O, so a hit skips retrieval and routing
// entirely.
//
// Any memory write invalidates everything: a new item may change the
// context a repeat of the same prompt would see, and checking entry by
// entry costs more than recomputing a handful of responses.
type ResponseCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]respEntry
	hits    int
	misses  int

	unsubscribe func()
	now         func() time.Time
}

type respEntry struct {
	resp      Response
	expiresAt time.Time
}

// NewResponseCache creates a cache with the given TTL and subscribes to
// store writes when a store is provided. Close releases the subscription.
func NewResponseCache(ttl time.Duration, store memory.TierStore) *ResponseCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	rc := &ResponseCache{
		ttl:     ttl,
		entries: make(map[string]respEntry),
		now:     time.Now,
	}
	if store != nil {
		rc.unsubscribe = store.Subscribe(func(memory.Tier) { rc.Clear() })
	}
	return rc
}

// Get returns a cached response for the key, if fresh.
func (rc *ResponseCache) Get(key string) (Response, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	entry, ok := rc.entries[key]
	if !ok || rc.now().After(entry.expiresAt) {
		rc.misses++
		delete(rc.entries, key)
		return Response{}, false
	}
	rc.hits++
	return entry.resp, true
}

// Put stores a response under the key.
func (rc *ResponseCache) Put(key string, resp Response) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.entries[key] = respEntry{resp: resp, expiresAt: rc.now().Add(rc.ttl)}
}

// Clear drops all entries.
func (rc *ResponseCache) Clear() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.entries = make(map[string]respEntry)
}

// Stats returns hit/miss counts and the live entry count.
func (rc *ResponseCache) Stats() memory.CacheStats {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return memory.CacheStats{Hits: rc.hits, Misses: rc.misses, Entries: len(rc.entries)}
}

// Close cancels the store subscription.
func (rc *ResponseCache) Close() {
	if rc.unsubscribe != nil {
		rc.unsubscribe()
	}
}

// responseKey hashes the normalized prompt, the retrieval target level,
// and the provider class into a stable cache key.
func responseKey(prompt string, level privacy.Level, class ProviderClass) string {
	h := sha256.New()
	fmt.Fprintln(h, strings.Join(strings.Fields(strings.ToLower(prompt)), " "))
	fmt.Fprintf(h, "|%d|%d", level, class)
	return hex.EncodeToString(h.Sum(nil))
}
