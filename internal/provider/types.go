// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"
	"errors"
	"time"

	"github.com/jeranaias/rigroute/internal/privacy"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrUnavailable means the backend is down or unhealthy.
	ErrUnavailable = errors.New("provider unavailable")
	// ErrInvocationTimeout means an invocation exceeded its timeout.
	ErrInvocationTimeout = errors.New("provider invocation timed out")
	// ErrUnknownProvider means the registry has no such id.
	ErrUnknownProvider = errors.New("unknown provider")
)

// =============================================================================
// DESCRIPTOR
// =============================================================================

// Descriptor describes one registered backend. Capability flags are fixed
// at registration; MaxConcurrent is tuned by the optimizer and CurrentLoad
// is mutated only by the admission controller.
type Descriptor struct {
	// ID uniquely names the provider within the registry.
	ID string
	// OnDevice is true when inference never leaves the local device.
	OnDevice bool
	// SupportsMultimodal is true when the provider accepts attachments.
	SupportsMultimodal bool
	// SupportsStructuredOutput is true when the provider can emit
	// schema-constrained output.
	SupportsStructuredOutput bool
	// MaxPrivacy is the most restrictive privacy level this provider may
	// process. On-device providers accept Sensitive; cloud providers top
	// out at Contextual.
	MaxPrivacy privacy.Level
	// MaxConcurrent is the admission ceiling.
	MaxConcurrent int
	// BaselineLatency is the expected latency before any history exists.
	BaselineLatency time.Duration
	// CurrentLoad is the number of currently admitted invocations.
	CurrentLoad int
}

// =============================================================================
// INVOCATION
// =============================================================================

// Options carries per-invocation tuning.
type Options struct {
	// Model overrides the provider's default model.
	Model string
	// MaxTokens caps the response length (0 = provider default).
	MaxTokens int
	// Temperature in [0,2] (provider default when 0).
	Temperature float64
	// StructuredOutput requests schema-constrained output.
	StructuredOutput bool
}

// Invocation is one inference call: the prompt plus the rendered memory
// context assembled for it.
type Invocation struct {
	Prompt  string
	Context string
	Options Options
}

// Result is a completed inference call.
type Result struct {
	// Text is the generated response.
	Text string
	// Model is the concrete model that served the call.
	Model string
	// InputTokens/OutputTokens are token counts when the backend reports
	// them (0 otherwise).
	InputTokens  int
	OutputTokens int
	// Latency is the wall time of the invocation.
	Latency time.Duration
}

// Invoker executes inference against one backend. Implementations must be
// safe for concurrent use and must respect context cancellation.
type Invoker interface {
	// Invoke runs one inference call under the given timeout.
	Invoke(ctx context.Context, inv Invocation, timeout time.Duration) (*Result, error)

	// Available reports whether the backend is currently reachable.
	// Cheap: implementations cache their health checks.
	Available(ctx context.Context) bool
}
