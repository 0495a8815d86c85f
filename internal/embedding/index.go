// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package embedding

import (
	"context"
	"errors"
	"sync"

	"github.com/coder/hnsw"
)

// =============================================================================
// HNSW INDEX
// =============================================================================

// ErrDimensionMismatch is returned when a vector does not match the
// index dimensionality.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Match is one nearest-neighbor hit.
type Match struct {
	Key        string
	Similarity float64
}

// Index is an HNSW-backed nearest-neighbor index over item embeddings.
// The retrieval engine uses it for candidate pre-selection so scoring does
// not touch every stored item. Safe for concurrent use.
type Index struct {
	mu       sync.Mutex
	graph    *hnsw.Graph[string]
	embedder Embedder
	dims     int
}

// NewIndex creates an index bound to an embedder.
func NewIndex(e Embedder) *Index {
	return &Index{
		graph:    hnsw.NewGraph[string](),
		embedder: e,
		dims:     e.Dims(),
	}
}

// Add embeds the text and inserts it under key. Re-adding a key replaces
// its vector.
func (ix *Index) Add(ctx context.Context, key, text string) error {
	vec, err := ix.embedder.Embed(ctx, text)
	if err != nil {
		return err
	}
	if len(vec) != ix.dims {
		return ErrDimensionMismatch
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.graph.Add(hnsw.MakeNode(key, vec))
	return nil
}

// Remove deletes a key from the index. Unknown keys are a no-op.
func (ix *Index) Remove(key string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.graph.Delete(key)
}

// Len returns the number of indexed keys.
func (ix *Index) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.graph.Len()
}

// Search returns up to k keys nearest to the query, with cosine similarity
// at or above threshold, best first.
func (ix *Index) Search(ctx context.Context, query string, k int, threshold float64) ([]Match, error) {
	vec, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(vec) != ix.dims {
		return nil, ErrDimensionMismatch
	}

	ix.mu.Lock()
	neighbors := ix.graph.Search(vec, k)
	ix.mu.Unlock()

	matches := make([]Match, 0, len(neighbors))
	for _, node := range neighbors {
		sim := CosineSimilarity(vec, node.Value)
		if sim >= threshold {
			matches = append(matches, Match{Key: node.Key, Similarity: sim})
		}
	}
	return matches, nil
}
