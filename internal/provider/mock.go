// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// MOCK PROVIDER
// =============================================================================

// Mock is the in-process Invoker used by tests and the demo binary. It
// answers with a canned function after an optional artificial delay and
// can be told to fail or go unavailable at runtime.
type Mock struct {
	mu sync.Mutex

	// Respond builds the response text; defaults to echoing the prompt.
	Respond func(inv Invocation) string
	// Delay is added before answering.
	Delay time.Duration
	// Err, when set, fails every invocation.
	Err error
	// Down, when true, reports unavailable.
	Down bool

	invocations int
}

// NewMock creates a mock that echoes prompts immediately.
func NewMock() *Mock {
	return &Mock{}
}

// Invoke answers after Delay, honoring cancellation and timeout.
func (m *Mock) Invoke(ctx context.Context, inv Invocation, timeout time.Duration) (*Result, error) {
	m.mu.Lock()
	m.invocations++
	respond := m.Respond
	delay := m.Delay
	failure := m.Err
	m.mu.Unlock()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil, ErrInvocationTimeout
			}
			return nil, ctx.Err()
		}
	}

	if failure != nil {
		return nil, failure
	}

	text := "echo: " + inv.Prompt
	if respond != nil {
		text = respond(inv)
	}
	return &Result{
		Text:    text,
		Model:   "mock",
		Latency: time.Since(start),
	}, nil
}

// Available reports the configured health.
func (m *Mock) Available(context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.Down
}

// SetDown toggles availability.
func (m *Mock) SetDown(down bool) {
	m.mu.Lock()
	m.Down = down
	m.mu.Unlock()
}

// SetErr makes every subsequent invocation fail with err (nil to clear).
func (m *Mock) SetErr(err error) {
	m.mu.Lock()
	m.Err = err
	m.mu.Unlock()
}

// Invocations returns how many calls were attempted.
func (m *Mock) Invocations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.invocations
}
