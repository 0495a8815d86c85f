// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package embedding provides the semantic similarity collaborators used by
// memory retrieval.
//
// The retrieval engine only needs Similarity(a, b) in [0,1]. When an
// Embedder is available that is computed as cosine similarity over
// embedding vectors, optionally accelerated by an HNSW index for candidate
// pre-selection. When no embedder is configured, lexical token overlap is
// used instead; absence of an embedder is never an error.
package embedding
