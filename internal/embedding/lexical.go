// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package embedding

import (
	"context"
	"strings"
	"unicode"
)

// =============================================================================
// LEXICAL FALLBACK
// =============================================================================

// LexicalSimilarity scores texts by token overlap (Jaccard over lowercased
// word sets). It is the fallback when no embedder is configured: crude, but
// deterministic, allocation-light, and dependency-free.
type LexicalSimilarity struct{}

// NewLexicalSimilarity returns the lexical fallback scorer.
func NewLexicalSimilarity() *LexicalSimilarity {
	return &LexicalSimilarity{}
}

// Similarity returns the Jaccard index of the two token sets. Never errors.
func (s *LexicalSimilarity) Similarity(_ context.Context, a, b string) (float64, error) {
	ta := tokenize(a)
	tb := tokenize(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0, nil
	}

	inter := 0
	for tok := range ta {
		if _, ok := tb[tok]; ok {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union), nil
}

// tokenize lowercases and splits on non-alphanumeric runes, dropping
// single-character tokens which are almost always noise.
func tokenize(s string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		set[f] = struct{}{}
	}
	return set
}
