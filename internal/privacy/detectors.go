// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package privacy

import (
	"regexp"
	"strings"
)

// =============================================================================
// SIGNAL DETECTORS
// =============================================================================

// detection is the result of one detector run.
type detection struct {
	severity   Level
	indicators []string
}

// detector inspects lowercased query text for one class of privacy signal.
// Detectors are independent: each reports its own severity and the
// classifier takes the maximum.
type detector interface {
	name() string
	detect(lower string) detection
}

// builtinDetectors returns the fixed detector set, in a stable order.
func builtinDetectors() []detector {
	return []detector{
		&markerDetector{},
		&lexiconDetector{
			id:       "health",
			severity: LevelSensitive,
			terms: []string{
				"diagnosis", "prescription", "medication", "symptom",
				"lab results", "blood test", "cholesterol", "blood pressure",
				"therapy", "therapist", "mental health", "depression",
				"anxiety", "doctor", "hospital", "surgery", "illness",
				"disease", "allergy", "vaccine", "pregnant", "pregnancy",
			},
		},
		&lexiconDetector{
			id:       "financial",
			severity: LevelSensitive,
			terms: []string{
				"salary", "bank account", "routing number", "credit card",
				"credit score", "loan", "mortgage", "debt", "tax return",
				"investment", "401k", "net worth", "paycheck", "iban",
			},
		},
		&lexiconDetector{
			id:       "identity",
			severity: LevelPersonal,
			terms: []string{
				"ssn", "social security", "passport", "driver's license",
				"date of birth", "home address", "phone number",
				"my email", "password", "passcode", "pin code",
				"mother's maiden name",
			},
		},
		&pronounDetector{},
	}
}

// =============================================================================
// EXPLICIT MARKER DETECTOR
// =============================================================================

// markerDetector finds explicit user-applied sensitivity markers. These are
// the strongest signal: the user said so.
type markerDetector struct{}

var markers = []string{
	"[sensitive]", "[private]", "private:", "confidential:",
	"do not share", "don't share", "keep this private",
	"between us",
}

func (d *markerDetector) name() string { return "marker" }

func (d *markerDetector) detect(lower string) detection {
	var hits []string
	for _, m := range markers {
		if strings.Contains(lower, m) {
			hits = append(hits, "marker:"+m)
		}
	}
	return detection{severity: LevelSensitive, indicators: hits}
}

// =============================================================================
// LEXICON DETECTOR
// =============================================================================

// lexiconDetector matches a fixed term list at a fixed severity.
type lexiconDetector struct {
	id       string
	severity Level
	terms    []string
}

func (d *lexiconDetector) name() string { return d.id }

func (d *lexiconDetector) detect(lower string) detection {
	var hits []string
	for _, term := range d.terms {
		if strings.Contains(lower, term) {
			hits = append(hits, d.id+":"+term)
		}
	}
	return detection{severity: d.severity, indicators: hits}
}

// =============================================================================
// PRONOUN DETECTOR
// =============================================================================

// pronounDetector finds first-person framing. On its own this only makes a
// query Contextual; combined with relationship or private-life terms it
// escalates to Personal.
type pronounDetector struct{}

var (
	firstPersonRe = regexp.MustCompile(`\b(i|me|my|mine|myself|we|our|ours)\b`)
	privateLifeRe = regexp.MustCompile(`\b(my (wife|husband|partner|kids?|children|family|boss|landlord|lawyer|divorce|relationship))\b`)
)

func (d *pronounDetector) name() string { return "pronoun" }

func (d *pronounDetector) detect(lower string) detection {
	if loc := privateLifeRe.FindString(lower); loc != "" {
		return detection{
			severity:   LevelPersonal,
			indicators: []string{"pronoun:" + loc},
		}
	}
	if firstPersonRe.MatchString(lower) {
		return detection{
			severity:   LevelContextual,
			indicators: []string{"pronoun:first-person"},
		}
	}
	return detection{}
}
