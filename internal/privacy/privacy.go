// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package privacy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// PRIVACY LEVELS
// =============================================================================

// Level represents the privacy classification of a piece of text.
// Ordered by restrictiveness: Public < Contextual < Personal < Sensitive.
type Level int

const (
	// LevelPublic carries no personal signal and may go to any provider.
	LevelPublic Level = iota
	// LevelContextual references the user's situation without identifying
	// or sensitive detail (first-person phrasing, schedule, preferences).
	LevelContextual
	// LevelPersonal contains identifying or private-life detail and must
	// stay on-device.
	LevelPersonal
	// LevelSensitive contains health, financial, or credential material
	// and must stay on-device without exception.
	LevelSensitive
)

// String returns the human-readable name of the level.
func (l Level) String() string {
	switch l {
	case LevelPublic:
		return "Public"
	case LevelContextual:
		return "Contextual"
	case LevelPersonal:
		return "Personal"
	case LevelSensitive:
		return "Sensitive"
	default:
		return fmt.Sprintf("Level(%d)", l)
	}
}

// RequiresOnDevice reports whether this level forbids off-device routing.
func (l Level) RequiresOnDevice() bool {
	return l >= LevelPersonal
}

// ParseLevel parses a level name (case-insensitive). Returns LevelPublic
// and false for unknown names.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "public":
		return LevelPublic, true
	case "contextual":
		return LevelContextual, true
	case "personal":
		return LevelPersonal, true
	case "sensitive":
		return LevelSensitive, true
	default:
		return LevelPublic, false
	}
}

// =============================================================================
// ANALYSIS
// =============================================================================

// ErrClassification is returned when the classifier is handed input it
// cannot score, such as a non-text payload.
var ErrClassification = errors.New("query is not classifiable text")

// Analysis is the immutable result of classifying one query.
// Created fresh per query and never persisted.
type Analysis struct {
	// Level is the maximum severity any detector reported.
	Level Level
	// Indicators lists the matched signals, sorted, deduplicated.
	Indicators []string
	// Confidence is in [0,1], monotone in indicator count and in the
	// number of detectors agreeing at the final level.
	Confidence float64
	// RequiresOnDevice is true iff Level >= LevelPersonal.
	RequiresOnDevice bool
}

// Classifier scores text into a privacy Analysis.
//
// The zero value is not usable; construct with NewClassifier. Classifiers
// are safe for concurrent use: all state is immutable after construction.
type Classifier struct {
	detectors []detector
	tuning    Tuning
}

// Tuning holds the confidence curve parameters. The exact values are
// configuration, not behavior: any choice keeping confidence monotone in
// indicators and agreement is acceptable.
type Tuning struct {
	// BaseConfidence is assigned when exactly one indicator fires.
	BaseConfidence float64
	// PerIndicator is added for each indicator beyond the first.
	PerIndicator float64
	// PerAgreeingDetector is added for each additional detector that
	// reports severity at or above the final level.
	PerAgreeingDetector float64
}

// DefaultTuning returns the default confidence curve.
func DefaultTuning() Tuning {
	return Tuning{
		BaseConfidence:      0.4,
		PerIndicator:        0.15,
		PerAgreeingDetector: 0.2,
	}
}

// NewClassifier creates a classifier with the built-in detector set.
func NewClassifier() *Classifier {
	return NewClassifierWithTuning(DefaultTuning())
}

// NewClassifierWithTuning creates a classifier with a custom confidence
// curve. Zero-valued tuning fields fall back to the defaults.
func NewClassifierWithTuning(t Tuning) *Classifier {
	def := DefaultTuning()
	if t.BaseConfidence <= 0 {
		t.BaseConfidence = def.BaseConfidence
	}
	if t.PerIndicator <= 0 {
		t.PerIndicator = def.PerIndicator
	}
	if t.PerAgreeingDetector <= 0 {
		t.PerAgreeingDetector = def.PerAgreeingDetector
	}
	return &Classifier{
		detectors: builtinDetectors(),
		tuning:    t,
	}
}

// Classify scores a query. Pure and deterministic: no I/O, no clock reads.
//
// Edge cases:
//   - empty or whitespace-only query: LevelPublic with confidence 0
//   - ties between detectors at the same severity take that severity,
//     never an average
func (c *Classifier) Classify(query string) Analysis {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return Analysis{Level: LevelPublic, Confidence: 0}
	}

	lower := strings.ToLower(trimmed)

	level := LevelPublic
	indicatorSet := make(map[string]struct{})
	severities := make([]Level, 0, len(c.detectors))

	for _, d := range c.detectors {
		hit := d.detect(lower)
		if len(hit.indicators) == 0 {
			continue
		}
		severities = append(severities, hit.severity)
		if hit.severity > level {
			level = hit.severity
		}
		for _, ind := range hit.indicators {
			indicatorSet[ind] = struct{}{}
		}
	}

	if len(indicatorSet) == 0 {
		return Analysis{Level: LevelPublic, Confidence: 0}
	}

	indicators := make([]string, 0, len(indicatorSet))
	for ind := range indicatorSet {
		indicators = append(indicators, ind)
	}
	sort.Strings(indicators)

	// Detectors agreeing at (or above) the final level raise confidence;
	// lower-severity hits contribute only through the indicator count.
	agreeing := 0
	for _, s := range severities {
		if s >= level {
			agreeing++
		}
	}

	conf := c.tuning.BaseConfidence +
		c.tuning.PerIndicator*float64(len(indicators)-1) +
		c.tuning.PerAgreeingDetector*float64(agreeing-1)
	if conf > 1.0 {
		conf = 1.0
	}

	return Analysis{
		Level:            level,
		Indicators:       indicators,
		Confidence:       conf,
		RequiresOnDevice: level.RequiresOnDevice(),
	}
}
