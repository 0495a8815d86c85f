// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/rigroute/internal/embedding"
	"github.com/jeranaias/rigroute/internal/privacy"
)

// =============================================================================
// RETRIEVAL ENGINE
// =============================================================================

// Engine queries tier stores, scores candidates against the query, applies
// privacy filtering, and assembles a bounded Context.
//
// Scoring: score = RelevanceWeight*similarity + RecencyWeight*decay, where
// decay halves every RecencyHalfLife. Candidates whose similarity falls
// below SemanticThreshold are discarded before ranking.
type Engine struct {
	store      TierStore
	similarity embedding.Similarity
	lexical    *embedding.LexicalSimilarity
	index      *embedding.Index
	classifier *privacy.Classifier
	logger     *log.Logger

	// now is swappable for deterministic tests.
	now func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithSimilarity sets the semantic similarity collaborator. Without it the
// engine scores lexically.
func WithSimilarity(s embedding.Similarity) EngineOption {
	return func(e *Engine) { e.similarity = s }
}

// WithIndex sets a nearest-neighbor index used to pre-select candidates by
// item ID before scoring, so retrieval does not score every stored item.
// Index trouble degrades to a full scan.
func WithIndex(idx *embedding.Index) EngineOption {
	return func(e *Engine) { e.index = idx }
}

// WithLogger sets the engine logger.
func WithLogger(l *log.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the engine clock.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a retrieval engine over a tier store.
func NewEngine(store TierStore, opts ...EngineOption) *Engine {
	e := &Engine{
		store:      store,
		lexical:    embedding.NewLexicalSimilarity(),
		classifier: privacy.NewClassifier(),
		logger:     log.WithPrefix("memory"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// scored pairs an item with its rank inputs. tierPos/snapIdx preserve the
// stable insertion order used for final tie-breaking.
type scored struct {
	item    Item
	score   float64
	tierPos int
	snapIdx int
}

// Retrieve assembles a context for the query.
//
// target, when non-nil, is the highest item privacy level the eventual
// provider may see; items classifying above it are dropped. Identical
// (query, config, store snapshot) inputs yield an identical ordered
// context.
func (e *Engine) Retrieve(ctx context.Context, query string, cfg RetrievalConfiguration, target *privacy.Level) (*Context, error) {
	deadline := cfg.Deadline
	if deadline <= 0 {
		deadline = DefaultRetrievalConfiguration().Deadline
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	tiers := cfg.Tiers
	if len(tiers) == 0 {
		tiers = AllTiers
	}

	keep := e.preselect(ctx, query, cfg)

	// Fan out one store query per tier; results stay slotted by tier
	// position so merge order is deterministic.
	perTier := make([][]scored, len(tiers))
	g, gctx := errgroup.WithContext(ctx)
	for pos, tier := range tiers {
		g.Go(func() error {
			candidates, err := e.store.Query(gctx, tier, Filter{})
			if err != nil {
				return fmt.Errorf("query tier %s: %w", tier, err)
			}
			perTier[pos] = e.scoreTier(gctx, query, cfg, pos, candidates, keep)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrRetrievalTimeout, err)
		}
		return nil, err
	}

	// Per-tier cap, then global merge and cap.
	merged := make([]scored, 0, len(tiers)*cfg.MaxResultsPerTier)
	for _, tierScored := range perTier {
		sortScored(tierScored)
		if cfg.MaxResultsPerTier > 0 && len(tierScored) > cfg.MaxResultsPerTier {
			tierScored = tierScored[:cfg.MaxResultsPerTier]
		}
		merged = append(merged, tierScored...)
	}
	sortScored(merged)
	if cfg.MaxTotalResults > 0 && len(merged) > cfg.MaxTotalResults {
		merged = merged[:cfg.MaxTotalResults]
	}

	// Privacy narrowing and restricted-data marking.
	restricted := false
	items := make([]Item, 0, len(merged))
	ids := make([]string, 0, len(merged))
	for _, sc := range merged {
		level := e.classifier.Classify(sc.item.Content).Level
		if target != nil && level > *target {
			continue
		}
		if level >= privacy.LevelPersonal {
			restricted = true
		}
		items = append(items, sc.item)
		ids = append(ids, sc.item.ID)
	}

	// Selection counts as a touch, not a mutation. Failures here must not
	// fail retrieval.
	if len(ids) > 0 {
		if err := e.store.Touch(ctx, ids); err != nil {
			e.logger.Warn("touch failed", "items", len(ids), "err", err)
		}
	}

	return &Context{
		Items:                  items,
		ContainsRestrictedData: restricted,
		SourceQuery:            query,
		BuiltAt:                e.now(),
		Tiers:                  append([]Tier(nil), tiers...),
	}, nil
}

// preselect asks the index for the query's nearest item IDs and returns
// them as a keep set for scoring. A nil return means no narrowing: no
// index, an empty index, or a failed search all fall back to scoring every
// candidate.
func (e *Engine) preselect(ctx context.Context, query string, cfg RetrievalConfiguration) map[string]struct{} {
	if e.index == nil || e.index.Len() == 0 {
		return nil
	}
	// Overfetch past the final cap so per-tier caps and privacy narrowing
	// still have candidates to choose from.
	k := cfg.MaxTotalResults * 4
	if k < 64 {
		k = 64
	}
	matches, err := e.index.Search(ctx, query, k, cfg.SemanticThreshold)
	if err != nil {
		e.logger.Debug("index pre-selection unavailable, scanning all candidates", "err", err)
		return nil
	}
	keep := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		keep[m.Key] = struct{}{}
	}
	return keep
}

// scoreTier scores one tier's candidate snapshot, dropping items below the
// semantic threshold. A non-nil keep set restricts scoring to pre-selected
// item IDs.
func (e *Engine) scoreTier(ctx context.Context, query string, cfg RetrievalConfiguration, tierPos int, candidates []Item, keep map[string]struct{}) []scored {
	now := e.now()
	halfLife := cfg.RecencyHalfLife
	if halfLife <= 0 {
		halfLife = DefaultRetrievalConfiguration().RecencyHalfLife
	}

	out := make([]scored, 0, len(candidates))
	for idx, item := range candidates {
		if keep != nil {
			if _, ok := keep[item.ID]; !ok {
				continue
			}
		}
		sim := e.similarityScore(ctx, query, item.Content)
		if sim < cfg.SemanticThreshold {
			continue
		}
		out = append(out, scored{
			item:    item,
			score:   cfg.RelevanceWeight*sim + cfg.RecencyWeight*recencyDecay(now.Sub(item.Timestamp), halfLife),
			tierPos: tierPos,
			snapIdx: idx,
		})
	}
	return out
}

// similarityScore delegates to the configured similarity collaborator and
// falls back to lexical overlap on absence or error. Never fails hard.
func (e *Engine) similarityScore(ctx context.Context, query, content string) float64 {
	if e.similarity != nil {
		sim, err := e.similarity.Similarity(ctx, query, content)
		if err == nil {
			return sim
		}
		e.logger.Debug("semantic similarity unavailable, using lexical fallback", "err", err)
	}
	sim, _ := e.lexical.Similarity(ctx, query, content)
	return sim
}

// recencyDecay maps elapsed time to (0,1], halving every halfLife.
// Future-dated items clamp to 1.
func recencyDecay(elapsed, halfLife time.Duration) float64 {
	if elapsed <= 0 {
		return 1.0
	}
	return math.Exp2(-float64(elapsed) / float64(halfLife))
}

// sortScored orders by score descending, then more-recent-first, then
// stable insertion order (tier position, snapshot index).
func sortScored(s []scored) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].score != s[j].score {
			return s[i].score > s[j].score
		}
		if !s[i].item.Timestamp.Equal(s[j].item.Timestamp) {
			return s[i].item.Timestamp.After(s[j].item.Timestamp)
		}
		if s[i].tierPos != s[j].tierPos {
			return s[i].tierPos < s[j].tierPos
		}
		return s[i].snapIdx < s[j].snapIdx
	})
}
