// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package memory

import (
	"context"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// IN-MEMORY TIER STORE
// =============================================================================

// Store is the in-memory reference TierStore. It keeps insertion order per
// tier so query snapshots are stable, which retrieval relies on for
// deterministic tie-breaking.
type Store struct {
	mu    sync.RWMutex
	items map[Tier][]Item
	byID  map[string]location

	subMu sync.Mutex
	subs  map[int]func(Tier)
	nextS int
}

// location addresses an item inside the per-tier slices.
type location struct {
	tier Tier
	idx  int
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		items: make(map[Tier][]Item),
		byID:  make(map[string]location),
		subs:  make(map[int]func(Tier)),
	}
}

// Put inserts or replaces an item and notifies subscribers of a write to
// the item's tier.
func (s *Store) Put(item Item) {
	s.mu.Lock()
	if loc, ok := s.byID[item.ID]; ok {
		// Replace in place, moving tiers if needed.
		if loc.tier == item.Tier {
			s.items[loc.tier][loc.idx] = item
			s.mu.Unlock()
			s.notify(item.Tier)
			return
		}
		s.removeLocked(item.ID)
	}
	s.items[item.Tier] = append(s.items[item.Tier], item)
	s.byID[item.ID] = location{tier: item.Tier, idx: len(s.items[item.Tier]) - 1}
	s.mu.Unlock()
	s.notify(item.Tier)
}

// Delete removes an item by id. Unknown ids are a no-op.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	loc, ok := s.byID[id]
	if ok {
		s.removeLocked(id)
	}
	s.mu.Unlock()
	if ok {
		s.notify(loc.tier)
	}
}

// removeLocked deletes an item and reindexes its tier (must hold mu).
func (s *Store) removeLocked(id string) {
	loc := s.byID[id]
	tierItems := s.items[loc.tier]
	s.items[loc.tier] = append(tierItems[:loc.idx], tierItems[loc.idx+1:]...)
	delete(s.byID, id)
	for i := loc.idx; i < len(s.items[loc.tier]); i++ {
		s.byID[s.items[loc.tier][i].ID] = location{tier: loc.tier, idx: i}
	}
}

// Query returns a snapshot of matching items in insertion order.
func (s *Store) Query(ctx context.Context, tier Tier, filter Filter) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.items[tier]
	out := make([]Item, 0, len(src))
	for _, item := range src {
		if !filter.Since.IsZero() && item.Timestamp.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && item.Timestamp.After(filter.Until) {
			continue
		}
		if filter.Entity != "" &&
			!strings.Contains(strings.ToLower(item.Content), strings.ToLower(filter.Entity)) {
			continue
		}
		out = append(out, item)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Touch bumps access bookkeeping for the given ids. Touch is not a content
// write and does not notify subscribers.
func (s *Store) Touch(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		loc, ok := s.byID[id]
		if !ok {
			continue
		}
		item := &s.items[loc.tier][loc.idx]
		item.AccessCount++
		item.LastAccess = now
	}
	return nil
}

// Subscribe registers a write callback. The returned cancel is idempotent.
func (s *Store) Subscribe(fn func(Tier)) (cancel func()) {
	s.subMu.Lock()
	id := s.nextS
	s.nextS++
	s.subs[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

// notify invokes subscribers outside the store lock.
func (s *Store) notify(tier Tier) {
	s.subMu.Lock()
	fns := make([]func(Tier), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(tier)
	}
}

// Len returns the number of items in a tier.
func (s *Store) Len(tier Tier) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items[tier])
}

// Get returns an item by id.
func (s *Store) Get(id string) (Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	loc, ok := s.byID[id]
	if !ok {
		return Item{}, false
	}
	return s.items[loc.tier][loc.idx], true
}
