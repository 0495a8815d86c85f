// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package coordinator

import (
	"fmt"
	"strings"
)

// =============================================================================
// FAILURE TAXONOMY
// =============================================================================

// FailureKind classifies why one provider in the chain failed.
type FailureKind int

const (
	// FailureAdmission means the request could not get a slot in time.
	FailureAdmission FailureKind = iota
	// FailureTimeout means the invocation exceeded its timeout.
	FailureTimeout
	// FailureUnavailable means the backend was unreachable.
	FailureUnavailable
	// FailureInvocation means the backend answered with an error.
	FailureInvocation
)

// String returns the human-readable name of the failure kind.
func (k FailureKind) String() string {
	switch k {
	case FailureAdmission:
		return "Admission"
	case FailureTimeout:
		return "Timeout"
	case FailureUnavailable:
		return "Unavailable"
	case FailureInvocation:
		return "Invocation"
	default:
		return fmt.Sprintf("FailureKind(%d)", k)
	}
}

// ProviderFailure records one failed attempt in the chain.
type ProviderFailure struct {
	ProviderID string
	Kind       FailureKind
	Err        error
}

// AllProvidersFailedError is returned when the primary and every fallback
// failed. It lists what went wrong per provider, in attempt order.
type AllProvidersFailedError struct {
	RequestID string
	Failures  []ProviderFailure
}

// Error summarizes every attempt.
func (e *AllProvidersFailedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "request %s: all %d providers failed:", e.RequestID, len(e.Failures))
	for _, f := range e.Failures {
		fmt.Fprintf(&b, " %s=%s (%v);", f.ProviderID, f.Kind, f.Err)
	}
	return strings.TrimSuffix(b.String(), ";")
}

// Unwrap exposes the last failure's cause for errors.Is chains.
func (e *AllProvidersFailedError) Unwrap() error {
	if len(e.Failures) == 0 {
		return nil
	}
	return e.Failures[len(e.Failures)-1].Err
}
