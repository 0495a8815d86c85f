// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package embedding

import (
	"context"
	"math"
)

// Vector is a float32 embedding vector.
type Vector = []float32

// Embedder generates embedding vectors from text. Implementations are
// external collaborators (Ollama, OpenAI, ...); this subsystem only
// consumes the interface.
type Embedder interface {
	Embed(ctx context.Context, text string) (Vector, error)
	Dims() int
}

// Similarity scores two texts in [0,1]. Implementations must be safe for
// concurrent use.
type Similarity interface {
	Similarity(ctx context.Context, a, b string) (float64, error)
}

// CosineSimilarity computes cosine similarity between two vectors,
// clamped to [0,1]. Mismatched or empty vectors score 0.
func CosineSimilarity(a, b Vector) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// Cosine ranges [-1,1]; anti-correlated text is simply irrelevant.
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}

// =============================================================================
// EMBEDDER-BACKED SIMILARITY
// =============================================================================

// EmbedderSimilarity adapts an Embedder to the Similarity interface.
type EmbedderSimilarity struct {
	embedder Embedder
}

// NewEmbedderSimilarity wraps an embedder as a pairwise similarity scorer.
func NewEmbedderSimilarity(e Embedder) *EmbedderSimilarity {
	return &EmbedderSimilarity{embedder: e}
}

// Similarity embeds both texts and returns their cosine similarity.
func (s *EmbedderSimilarity) Similarity(ctx context.Context, a, b string) (float64, error) {
	va, err := s.embedder.Embed(ctx, a)
	if err != nil {
		return 0, err
	}
	vb, err := s.embedder.Embed(ctx, b)
	if err != nil {
		return 0, err
	}
	return CosineSimilarity(va, vb), nil
}
