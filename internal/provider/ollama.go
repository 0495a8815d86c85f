// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// =============================================================================
// OLLAMA PROVIDER (ON-DEVICE)
// =============================================================================

// OllamaConfig holds configuration for the local Ollama backend.
type OllamaConfig struct {
	// BaseURL of the Ollama API. Explicit IPv4 avoids IPv6 resolution
	// issues on Windows.
	BaseURL string
	// DefaultModel used when an invocation names none.
	DefaultModel string
	// Timeout for non-streaming requests.
	Timeout time.Duration
	// HealthInterval bounds how often Available re-probes the daemon.
	HealthInterval time.Duration
}

// DefaultOllamaConfig returns the default local configuration.
func DefaultOllamaConfig() OllamaConfig {
	return OllamaConfig{
		BaseURL:        "http://127.0.0.1:11434",
		DefaultModel:   "llama3.2:3b",
		Timeout:        60 * time.Second,
		HealthInterval: 15 * time.Second,
	}
}

// Ollama is the on-device Invoker backed by a local Ollama daemon.
// Inference never leaves the machine, so it is eligible for Sensitive
// requests.
type Ollama struct {
	cfg    OllamaConfig
	client *http.Client
	logger *log.Logger

	healthMu sync.Mutex
	healthAt time.Time
	healthy  bool
}

// NewOllama creates the on-device provider.
func NewOllama(cfg OllamaConfig) *Ollama {
	def := DefaultOllamaConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = def.DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = def.HealthInterval
	}
	return &Ollama{
		cfg: cfg,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: log.WithPrefix("ollama"),
	}
}

// generateRequest is the /api/generate payload.
type generateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	System  string                 `json:"system,omitempty"`
	Stream  bool                   `json:"stream"`
	Format  string                 `json:"format,omitempty"`
	Options map[string]interface{} `json:"options,omitempty"`
}

// generateResponse is the non-streaming /api/generate reply.
type generateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// Invoke runs one generation call against the local daemon.
func (o *Ollama) Invoke(ctx context.Context, inv Invocation, timeout time.Duration) (*Result, error) {
	if timeout <= 0 {
		timeout = o.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	model := inv.Options.Model
	if model == "" {
		model = o.cfg.DefaultModel
	}

	payload := generateRequest{
		Model:  model,
		Prompt: inv.Prompt,
		System: inv.Context,
		Stream: false,
	}
	if inv.Options.StructuredOutput {
		payload.Format = "json"
	}
	if inv.Options.Temperature > 0 || inv.Options.MaxTokens > 0 {
		payload.Options = map[string]interface{}{}
		if inv.Options.Temperature > 0 {
			payload.Options["temperature"] = inv.Options.Temperature
		}
		if inv.Options.MaxTokens > 0 {
			payload.Options["num_predict"] = inv.Options.MaxTokens
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := o.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return nil, ErrInvocationTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: ollama returned %d: %s", ErrUnavailable, resp.StatusCode, data)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode generate response: %w", err)
	}

	return &Result{
		Text:         out.Response,
		Model:        out.Model,
		InputTokens:  out.PromptEvalCount,
		OutputTokens: out.EvalCount,
		Latency:      time.Since(start),
	}, nil
}

// Available probes /api/tags, caching the result for HealthInterval so
// per-request routing never hammers the daemon.
func (o *Ollama) Available(ctx context.Context) bool {
	o.healthMu.Lock()
	defer o.healthMu.Unlock()

	if time.Since(o.healthAt) < o.cfg.HealthInterval {
		return o.healthy
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.cfg.BaseURL+"/api/tags", nil)
	if err != nil {
		o.healthy = false
		o.healthAt = time.Now()
		return false
	}

	resp, err := o.client.Do(req)
	if err != nil {
		o.logger.Debug("health probe failed", "err", err)
		o.healthy = false
	} else {
		resp.Body.Close()
		o.healthy = resp.StatusCode == http.StatusOK
	}
	o.healthAt = time.Now()
	return o.healthy
}
