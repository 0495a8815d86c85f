// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"
)

// =============================================================================
// OPENROUTER PROVIDER (CLOUD)
// =============================================================================

// OpenRouter API constants.
const (
	// DefaultOpenRouterURL is the base URL for the OpenRouter API.
	DefaultOpenRouterURL = "https://openrouter.ai/api/v1"

	// maxResponseSize bounds response bodies to prevent memory
	// exhaustion on a misbehaving upstream.
	maxResponseSize = 10 * 1024 * 1024

	// retryBaseDelay and retryMaxDelay bound the exponential backoff.
	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 10 * time.Second
)

// OpenRouterConfig holds configuration for the cloud backend.
type OpenRouterConfig struct {
	// APIKey authenticates against OpenRouter. Required.
	APIKey string
	// BaseURL overrides the API endpoint (tests point it at a fake).
	BaseURL string
	// DefaultModel used when an invocation names none.
	// "openrouter/auto" lets the service pick.
	DefaultModel string
	// Timeout for one attempt.
	Timeout time.Duration
	// MaxRetries for transient failures (429/5xx/network).
	MaxRetries int
	// RequestsPerSecond caps the outbound request rate (0 = unlimited).
	RequestsPerSecond float64
}

// DefaultOpenRouterConfig returns the default cloud configuration.
func DefaultOpenRouterConfig() OpenRouterConfig {
	return OpenRouterConfig{
		BaseURL:           DefaultOpenRouterURL,
		DefaultModel:      "openrouter/auto",
		Timeout:           60 * time.Second,
		MaxRetries:        3,
		RequestsPerSecond: 5,
	}
}

// OpenRouter is the cloud Invoker. Requests leave the device, so it is
// never eligible for Personal or Sensitive traffic; routing enforces that
// through the descriptor, not here.
type OpenRouter struct {
	cfg     OpenRouterConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *log.Logger
}

// NewOpenRouter creates the cloud provider.
func NewOpenRouter(cfg OpenRouterConfig) *OpenRouter {
	def := DefaultOpenRouterConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = def.DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)+1)
	}

	return &OpenRouter{
		cfg: cfg,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
			},
		},
		limiter: limiter,
		logger:  log.WithPrefix("openrouter"),
	}
}

// chatRequest is the chat completions payload.
type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	Temperature    float64       `json:"temperature,omitempty"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

// chatResponse is the chat completions reply.
type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Invoke runs one chat completion with retry on transient failures.
func (c *OpenRouter) Invoke(ctx context.Context, inv Invocation, timeout time.Duration) (*Result, error) {
	if c.cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: no API key configured", ErrUnavailable)
	}
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrInvocationTimeout
		}
		return nil, err
	}

	model := inv.Options.Model
	if model == "" {
		model = c.cfg.DefaultModel
	}

	messages := make([]chatMessage, 0, 2)
	if inv.Context != "" {
		messages = append(messages, chatMessage{
			Role:    "system",
			Content: "Relevant context:\n" + inv.Context,
		})
	}
	messages = append(messages, chatMessage{Role: "user", Content: inv.Prompt})

	payload := chatRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   inv.Options.MaxTokens,
		Temperature: inv.Options.Temperature,
	}
	if inv.Options.StructuredOutput {
		payload.ResponseFormat = &respFormat{Type: "json_object"}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay << (attempt - 1)
			if delay > retryMaxDelay {
				delay = retryMaxDelay
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				if ctx.Err() == context.DeadlineExceeded {
					return nil, ErrInvocationTimeout
				}
				return nil, ctx.Err()
			}
		}

		result, retryable, err := c.attempt(ctx, body, start)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retryable {
			break
		}
		c.logger.Debug("retrying cloud invocation", "attempt", attempt+1, "err", err)
	}

	if errors.Is(lastErr, context.DeadlineExceeded) {
		return nil, ErrInvocationTimeout
	}
	return nil, lastErr
}

// attempt performs a single HTTP round trip. The bool reports whether the
// failure is transient.
func (c *OpenRouter) attempt(ctx context.Context, body []byte, start time.Time) (*Result, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, false, context.DeadlineExceeded
		}
		return nil, true, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// Fall through to decode.
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, true, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	default:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, false, fmt.Errorf("openrouter: status %d: %s", resp.StatusCode, data)
	}

	var out chatResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&out); err != nil {
		return nil, true, fmt.Errorf("decode chat response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, false, fmt.Errorf("openrouter: empty choices")
	}

	return &Result{
		Text:         out.Choices[0].Message.Content,
		Model:        out.Model,
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
		Latency:      time.Since(start),
	}, false, nil
}

// Available reports whether the provider is configured. OpenRouter has no
// cheap unauthenticated health endpoint; actual reachability surfaces as
// an invocation failure and is handled by the fallback chain.
func (c *OpenRouter) Available(context.Context) bool {
	return c.cfg.APIKey != ""
}
