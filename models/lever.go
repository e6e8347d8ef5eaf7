package models

import (
	"strings"

	"retcause/domain/core"
)

// Effort grades implementation cost of an intervention
type Effort string

const (
	EffortLow    Effort = "low"
	EffortMedium Effort = "medium"
	EffortHigh   Effort = "high"
)

// Timeframe maps effort to a delivery estimate
func (e Effort) Timeframe() string {
	switch e {
	case EffortLow:
		return "2 weeks"
	case EffortHigh:
		return "quarter"
	default:
		return "4-6 weeks"
	}
}

// Score maps effort to a feasibility score
func (e Effort) Score() float64 {
	switch e {
	case EffortLow:
		return 0.8
	case EffortHigh:
		return 0.3
	default:
		return 0.5
	}
}

// effortKeywords maps common lever phrasings to an effort grade
var effortKeywords = map[string]Effort{
	"onboarding":    EffortMedium,
	"email":         EffortLow,
	"notification":  EffortLow,
	"messaging":     EffortLow,
	"delivery-time": EffortHigh,
	"delivery":      EffortHigh,
	"logistics":     EffortHigh,
	"pricing":       EffortHigh,
	"discount":      EffortMedium,
	"support":       EffortMedium,
	"engagement":    EffortMedium,
	"feature":       EffortHigh,
}

// InferEffort maps a lever name to an effort grade via keyword lookup,
// defaulting to medium.
func InferEffort(leverName string) Effort {
	name := strings.ToLower(leverName)
	name = strings.ReplaceAll(name, "_", "-")
	for keyword, effort := range effortKeywords {
		if strings.Contains(name, keyword) {
			return effort
		}
	}
	return EffortMedium
}

// Lever is a recommended intervention targeting a validated driver
type Lever struct {
	ID             core.LeverID `json:"id"`
	Name           string       `json:"name"`
	Description    string       `json:"description"`
	ExpectedImpact float64      `json:"expected_impact"` // fraction in [0,1]
	Confidence     Confidence   `json:"confidence"`
	Effort         Effort       `json:"effort"`
	Timeframe      string       `json:"timeframe"`
}

// NewLever constructs a lever with inferred effort and timeframe
func NewLever(name, description string, expectedImpact float64, confidence Confidence) Lever {
	effort := InferEffort(name)
	if expectedImpact < 0 {
		expectedImpact = -expectedImpact
	}
	if expectedImpact > 1 {
		expectedImpact = 1
	}
	return Lever{
		ID:             core.LeverID(core.NewID()),
		Name:           name,
		Description:    description,
		ExpectedImpact: expectedImpact,
		Confidence:     confidence,
		Effort:         effort,
		Timeframe:      effort.Timeframe(),
	}
}

// RankScore orders levers by impact weighted by confidence
func (l Lever) RankScore() float64 {
	return l.ExpectedImpact * l.Confidence.Weight()
}
