// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// Priority orders requests by urgency. It does not affect provider
// scoring; it is carried for queue observability and future scheduling.
type Priority int

const (
	PriorityBackground Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the human-readable name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityBackground:
		return "Background"
	case PriorityLow:
		return "Low"
	case PriorityNormal:
		return "Normal"
	case PriorityHigh:
		return "High"
	case PriorityCritical:
		return "Critical"
	default:
		return fmt.Sprintf("Priority(%d)", p)
	}
}

// OutputKind is the caller's expected response shape.
type OutputKind int

const (
	// OutputText is free-form text.
	OutputText OutputKind = iota
	// OutputStructured is schema-constrained output (JSON).
	OutputStructured
)

// String returns the human-readable name of the output kind.
func (k OutputKind) String() string {
	switch k {
	case OutputText:
		return "Text"
	case OutputStructured:
		return "Structured"
	default:
		return fmt.Sprintf("OutputKind(%d)", k)
	}
}

// Attachment is a non-text payload accompanying a request.
type Attachment struct {
	Name string
	MIME string
}

// Request is one inference request, created per call and immutable.
type Request struct {
	// ID uniquely identifies the request.
	ID string
	// Prompt is the user's query text.
	Prompt string
	// Attachments are non-text payloads (require a multimodal provider).
	Attachments []Attachment
	// Expected is the response shape the caller wants.
	Expected OutputKind
	// StrictOutput excludes providers that cannot satisfy Expected
	// exactly, instead of penalizing them.
	StrictOutput bool
	// LatencyBudget bounds end-to-end latency (0 = no budget).
	LatencyBudget time.Duration
	// Priority orders the request relative to others.
	Priority Priority
}

// =============================================================================
// DECISION
// =============================================================================

// ErrNoEligibleProvider is returned when the privacy constraint (or an
// empty registry) leaves no candidate. Surfaced immediately; there is
// nothing to fall back to.
var ErrNoEligibleProvider = errors.New("no eligible provider for request")

// Score records the sub-scores behind one candidate's composite.
type Score struct {
	ProviderID   string
	Privacy      float64
	Content      float64
	Performance  float64
	Availability float64
	Bonus        float64
	Composite    float64
}

// Decision is the immutable routing outcome: one primary, ordered
// fallbacks, and the rationale behind them.
type Decision struct {
	// Primary is the best-scoring eligible provider.
	Primary string
	// Fallbacks are the remaining eligible providers, best first.
	Fallbacks []string
	// Confidence is in [0,1]: how clearly the primary won.
	Confidence float64
	// Rationale explains the decision for logs and diagnostics.
	Rationale string
	// Scores carries the per-candidate breakdown, best first.
	Scores []Score
}

// Candidates returns the full attempt order: primary then fallbacks.
func (d Decision) Candidates() []string {
	out := make([]string, 0, 1+len(d.Fallbacks))
	out = append(out, d.Primary)
	out = append(out, d.Fallbacks...)
	return out
}

// String returns a human-readable summary of the decision.
func (d Decision) String() string {
	return fmt.Sprintf("%s (+%d fallbacks, confidence=%.2f): %s",
		d.Primary, len(d.Fallbacks), d.Confidence, d.Rationale)
}

// =============================================================================
// WEIGHTS
// =============================================================================

// Weights are the composite-score coefficients. The optimizer tunes them
// within [0,1]; they need not sum to 1.
type Weights struct {
	Privacy      float64
	Content      float64
	Performance  float64
	Availability float64
}

// DefaultWeights returns equal weighting across the four sub-scores.
func DefaultWeights() Weights {
	return Weights{Privacy: 0.25, Content: 0.25, Performance: 0.25, Availability: 0.25}
}
