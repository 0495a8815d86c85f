// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package memory

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// TIERS
// =============================================================================

// Tier identifies one of the four memory tiers. Retention semantics are
// owned by the external store; retrieval only cares about which tiers to
// query.
type Tier int

const (
	// TierWorking holds the immediate task state.
	TierWorking Tier = iota
	// TierShortTerm holds the recent session window.
	TierShortTerm
	// TierLongTerm holds durable facts and preferences.
	TierLongTerm
	// TierEpisodic holds timestamped event records.
	TierEpisodic
)

// AllTiers lists every tier in query order.
var AllTiers = []Tier{TierWorking, TierShortTerm, TierLongTerm, TierEpisodic}

// String returns the human-readable name of the tier.
func (t Tier) String() string {
	switch t {
	case TierWorking:
		return "Working"
	case TierShortTerm:
		return "ShortTerm"
	case TierLongTerm:
		return "LongTerm"
	case TierEpisodic:
		return "Episodic"
	default:
		return fmt.Sprintf("Tier(%d)", t)
	}
}

// =============================================================================
// ITEMS
// =============================================================================

// Item is one stored memory entry. Owned by its tier store; retrieval
// reads and ranks, never mutates, except for the access bookkeeping the
// store applies on Touch.
type Item struct {
	ID          string    `json:"id"`
	Tier        Tier      `json:"tier"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
	Importance  float64   `json:"importance"` // [0,1]
	Confidence  float64   `json:"confidence"` // [0,1]
	LastAccess  time.Time `json:"last_accessed,omitempty"`
	AccessCount int       `json:"access_count,omitempty"`
}

// Filter narrows a tier-store query. Zero values mean "no constraint".
type Filter struct {
	// Since/Until bound item timestamps.
	Since time.Time
	Until time.Time
	// Entity restricts to items mentioning the given entity (store-defined
	// matching; the bundled stores use a case-insensitive substring).
	Entity string
	// Limit caps the number of returned candidates (0 = store default).
	Limit int
}

// =============================================================================
// TIER STORE INTERFACE
// =============================================================================

// TierStore is the external storage collaborator. Implementations must be
// safe for concurrent use.
type TierStore interface {
	// Query returns candidate items for a tier. The returned slice is a
	// snapshot the caller may retain; its order must be stable for an
	// unchanged store.
	Query(ctx context.Context, tier Tier, filter Filter) ([]Item, error)

	// Touch records that the given items were selected into a context,
	// bumping access counts and last-access times. Not a content mutation.
	Touch(ctx context.Context, ids []string) error

	// Subscribe registers a callback invoked after any write affecting a
	// tier. The returned function cancels the subscription. Callbacks must
	// be fast and must not call back into the store.
	Subscribe(fn func(Tier)) (cancel func())
}

// =============================================================================
// RETRIEVAL CONFIGURATION
// =============================================================================

// RetrievalConfiguration controls one retrieval. Caller-supplied and
// treated as immutable.
type RetrievalConfiguration struct {
	// Tiers to include, queried in the given order.
	Tiers []Tier
	// MaxResultsPerTier caps survivors per tier before the merge.
	MaxResultsPerTier int
	// MaxTotalResults caps the merged context.
	MaxTotalResults int
	// RecencyWeight and RelevanceWeight scale the two score components.
	// Both in [0,1]; they need not sum to 1.
	RecencyWeight   float64
	RelevanceWeight float64
	// SemanticThreshold discards candidates whose similarity to the query
	// falls below it.
	SemanticThreshold float64
	// RecencyHalfLife controls exponential recency decay (default 6h).
	RecencyHalfLife time.Duration
	// Deadline bounds the whole retrieval (default 5s); exceeding it
	// fails with ErrRetrievalTimeout.
	Deadline time.Duration
}

// DefaultRetrievalConfiguration returns a retrieval config with all tiers
// enabled and conservative caps.
func DefaultRetrievalConfiguration() RetrievalConfiguration {
	return RetrievalConfiguration{
		Tiers:             AllTiers,
		MaxResultsPerTier: 10,
		MaxTotalResults:   20,
		RecencyWeight:     0.3,
		RelevanceWeight:   0.7,
		SemanticThreshold: 0.15,
		RecencyHalfLife:   6 * time.Hour,
		Deadline:          5 * time.Second,
	}
}

// =============================================================================
// MEMORY CONTEXT
// =============================================================================

// Context is the assembled, bounded slice of memory most relevant to one
// query. Built once per request and never mutated after construction;
// privacy narrowing produces a copy.
type Context struct {
	// Items are ordered best-first, len <= MaxTotalResults.
	Items []Item
	// ContainsRestrictedData is true when any included item classified at
	// Personal or above.
	ContainsRestrictedData bool
	// SourceQuery is the query this context was built for.
	SourceQuery string
	// BuiltAt is when assembly finished.
	BuiltAt time.Time
	// Tiers records which tiers contributed candidates (for cache
	// invalidation).
	Tiers []Tier
}

// Empty reports whether the context carries no items.
func (c *Context) Empty() bool {
	return c == nil || len(c.Items) == 0
}

// Render flattens the context into prompt text, oldest-scored-last, for
// providers that accept a plain context block.
func (c *Context) Render() string {
	if c.Empty() {
		return ""
	}
	var b []byte
	for _, item := range c.Items {
		b = append(b, "- ["...)
		b = append(b, item.Tier.String()...)
		b = append(b, "] "...)
		b = append(b, item.Content...)
		b = append(b, '\n')
	}
	return string(b)
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrRetrievalTimeout is returned when retrieval exceeds its deadline.
	ErrRetrievalTimeout = errors.New("memory retrieval timed out")

	// ErrCacheInconsistent marks a cache entry that no longer matches the
	// store state. Non-fatal: callers bypass the cache and log.
	ErrCacheInconsistent = errors.New("retrieval cache inconsistent")
)
