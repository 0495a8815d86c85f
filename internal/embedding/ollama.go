// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// =============================================================================
// OLLAMA EMBEDDER
// =============================================================================

// OllamaEmbedderConfig holds configuration for the local embedding backend.
type OllamaEmbedderConfig struct {
	// BaseURL of the Ollama API.
	BaseURL string
	// Model is the embedding model name.
	Model string
	// Dims is the model's output dimensionality.
	Dims int
	// Timeout bounds one embedding request.
	Timeout time.Duration
}

// DefaultOllamaEmbedderConfig returns the default local configuration.
func DefaultOllamaEmbedderConfig() OllamaEmbedderConfig {
	return OllamaEmbedderConfig{
		BaseURL: "http://127.0.0.1:11434",
		Model:   "nomic-embed-text",
		Dims:    768,
		Timeout: 30 * time.Second,
	}
}

// OllamaEmbedder generates embeddings through a local Ollama daemon.
// Embedding runs on-device, so memory content never leaves the machine.
type OllamaEmbedder struct {
	cfg    OllamaEmbedderConfig
	client *http.Client
}

// NewOllamaEmbedder creates the on-device embedder.
func NewOllamaEmbedder(cfg OllamaEmbedderConfig) *OllamaEmbedder {
	def := DefaultOllamaEmbedderConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Dims <= 0 {
		cfg.Dims = def.Dims
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &OllamaEmbedder{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// embedRequest is the /api/embeddings payload.
type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// embedResponse is the /api/embeddings reply.
type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed requests one embedding vector from the daemon.
func (o *OllamaEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	body, err := json.Marshal(embedRequest{Model: o.cfg.Model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.BaseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("ollama embeddings returned %d: %s", resp.StatusCode, data)
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(out.Embedding) != o.cfg.Dims {
		return nil, fmt.Errorf("%w: model %s returned %d dims, want %d",
			ErrDimensionMismatch, o.cfg.Model, len(out.Embedding), o.cfg.Dims)
	}

	vec := make(Vector, len(out.Embedding))
	for i, v := range out.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

// Dims returns the configured dimensionality.
func (o *OllamaEmbedder) Dims() int {
	return o.cfg.Dims
}
