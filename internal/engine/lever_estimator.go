package engine

import (
	"fmt"
	"log"
	"sort"

	"retcause/internal/stats"
	"retcause/models"
)

// LeverEstimator ranks actionable interventions from validated hypotheses
type LeverEstimator struct{}

// NewLeverEstimator creates an estimator
func NewLeverEstimator() *LeverEstimator {
	return &LeverEstimator{}
}

// Estimate emits one lever per validated hypothesis, sorted descending by
// expected impact weighted by confidence and de-duplicated by name keeping
// the strongest.
func (e *LeverEstimator) Estimate(hypotheses []*models.Hypothesis) []models.Lever {
	levers := make([]models.Lever, 0)

	for _, h := range hypotheses {
		if !h.IsValidated() || h.CausalStructure == nil {
			continue
		}
		structure := h.CausalStructure

		name := structure.ActionableLever
		if name == "" {
			name = structure.TrueCause
		}
		if name == "" {
			name = h.Cause
		}

		impact := structure.TotalEffect
		if impact < 0 {
			impact = -impact
		}
		if impact > 1 {
			impact = 1
		}

		verdict := stats.Aggregate(h.TestResults, h.ExpectedDirection())
		description := fmt.Sprintf("Intervene on %s to reduce %s (%s)", name, h.Effect, h.Mechanism)
		lever := models.NewLever(name, description, impact, verdict.Confidence)
		levers = append(levers, lever)
	}

	sort.SliceStable(levers, func(i, j int) bool {
		return levers[i].RankScore() > levers[j].RankScore()
	})

	// Keep the strongest lever per name
	seen := make(map[string]bool)
	deduped := make([]models.Lever, 0, len(levers))
	for _, l := range levers {
		if seen[l.Name] {
			continue
		}
		seen[l.Name] = true
		deduped = append(deduped, l)
	}

	log.Printf("[LeverEstimator] Ranked %d levers from %d hypotheses", len(deduped), len(hypotheses))
	return deduped
}
