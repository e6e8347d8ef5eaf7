package engine

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"

	"retcause/ai"
	"retcause/internal/profile"
	"retcause/models"
	"retcause/ports"
)

// explanationPayload is the narrative enrichment the LLM may contribute
type explanationPayload struct {
	Conclusion     string `json:"conclusion"`
	StepReasonings []struct {
		Claim     string `json:"claim"`
		Reasoning string `json:"reasoning"`
	} `json:"step_reasonings"`
}

// smallSampleThreshold triggers the sample-size caveat
const smallSampleThreshold = 100

// ExplanationGenerator synthesizes the reasoning chain. The chain itself is
// assembled deterministically from the structured session data; the LLM only
// enriches the prose, so a failed call never fails the session.
type ExplanationGenerator struct {
	client *ai.StructuredClient[explanationPayload]
}

// NewExplanationGenerator wires the explainer to an LLM client. A nil client
// uses the deterministic template only.
func NewExplanationGenerator(llm ports.LLMClient) *ExplanationGenerator {
	e := &ExplanationGenerator{}
	if llm != nil {
		e.client = ai.NewStructuredClient[explanationPayload](llm, ai.ExplanationSystem)
	}
	return e
}

// Explain builds the reasoning chain for a tested session
func (e *ExplanationGenerator) Explain(
	ctx context.Context,
	opportunity models.Opportunity,
	hypotheses []*models.Hypothesis,
	levers []models.Lever,
	prof *profile.Profile,
) *models.ReasoningChain {
	chain := e.buildChain(opportunity, hypotheses, levers, prof)

	if e.client != nil && len(chain.Steps) > 0 {
		if err := e.enrich(ctx, opportunity, chain, hypotheses, levers); err != nil {
			log.Printf("[ExplanationGenerator] LLM enrichment failed, keeping template narrative: %v", err)
		}
	}
	return chain
}

// buildChain assembles the deterministic narrative from structured data
func (e *ExplanationGenerator) buildChain(
	opportunity models.Opportunity,
	hypotheses []*models.Hypothesis,
	levers []models.Lever,
	prof *profile.Profile,
) *models.ReasoningChain {
	chain := &models.ReasoningChain{}

	step := 1
	for _, h := range hypotheses {
		if !h.IsValidated() {
			continue
		}
		dominant, ok := dominantResult(h)
		evidence := "no applicable test evidence"
		confidence := models.ConfidenceLow
		if ok {
			evidence = fmt.Sprintf("%s: p=%.3f, effect size %.2f, n=%d",
				dominant.Method, dominant.PValue, dominant.EffectSize, dominant.SampleSize)
			confidence = dominant.Confidence
		}
		chain.Steps = append(chain.Steps, models.ReasoningStep{
			Number:     step,
			Claim:      fmt.Sprintf("%s drives %s", h.Cause, h.Effect),
			Evidence:   evidence,
			Confidence: confidence,
			Reasoning:  h.Mechanism,
		})
		step++
	}

	// Mediation insight when the indirect path dominates anywhere
	for _, h := range hypotheses {
		if !h.IsValidated() || h.CausalStructure == nil {
			continue
		}
		s := h.CausalStructure
		if math.Abs(s.IndirectEffect) > math.Abs(s.DirectEffect) && len(s.Mediators) > 0 {
			chain.Steps = append(chain.Steps, models.ReasoningStep{
				Number: step,
				Claim: fmt.Sprintf("The effect of %s flows mostly through %s", h.Cause, s.Mediators[0]),
				Evidence: fmt.Sprintf("indirect effect %.3f exceeds direct effect %.3f", s.IndirectEffect, s.DirectEffect),
				Confidence: models.ConfidenceFromEffectSize(s.IndirectEffect),
				Reasoning:  fmt.Sprintf("Intervening on %s targets the deeper driver", s.TrueCause),
			})
			step++
			break
		}
	}

	if len(levers) > 0 {
		chain.PrimaryLever = levers[0].Name
		for i := 1; i < len(levers) && i <= 2; i++ {
			chain.SecondaryLevers = append(chain.SecondaryLevers, levers[i].Name)
		}
		points := levers[0].ExpectedImpact * 100
		chain.ExpectedImpact = fmt.Sprintf("approximately %.1f percentage point reduction in %s across %d affected customers",
			points, opportunity.MetricName, opportunity.SampleSize)
		chain.Conclusion = fmt.Sprintf("Focus on %s: it targets the strongest validated driver of %s (%s).",
			levers[0].Name, opportunity.MetricName, chain.ExpectedImpact)
		chain.Steps = append(chain.Steps, models.ReasoningStep{
			Number:     step,
			Claim:      fmt.Sprintf("Recommended intervention: %s", levers[0].Name),
			Evidence:   fmt.Sprintf("expected impact %.2f, effort %s, timeframe %s", levers[0].ExpectedImpact, levers[0].Effort, levers[0].Timeframe),
			Confidence: levers[0].Confidence,
			Reasoning:  levers[0].Description,
		})
	} else {
		chain.Conclusion = fmt.Sprintf("No intervention recommended: no hypothesis about %s survived causal testing.", opportunity.MetricName)
	}

	chain.Caveats = e.buildCaveats(hypotheses, prof)
	chain.OverallConfidence = chain.ComputeOverallConfidence()
	return chain
}

// buildCaveats lists sample-size limits, heavy missingness, skipped tests,
// and the absence of causal evidence
func (e *ExplanationGenerator) buildCaveats(hypotheses []*models.Hypothesis, prof *profile.Profile) []string {
	caveats := make([]string, 0)

	if prof.SampleSize < smallSampleThreshold {
		caveats = append(caveats, fmt.Sprintf("small sample size (n=%d) limits statistical power", prof.SampleSize))
	}
	for _, col := range prof.Columns {
		if col.Missingness > 0.3 {
			caveats = append(caveats, fmt.Sprintf("column %s has %.0f%% missing values", col.Name, col.Missingness*100))
		}
	}

	skipped := make([]string, 0)
	seenSkip := make(map[string]bool)
	validated := 0
	for _, h := range hypotheses {
		if h.IsValidated() {
			validated++
		}
		for _, r := range h.TestResults {
			if r.Skipped() && !seenSkip[string(r.Method)] {
				seenSkip[string(r.Method)] = true
				skipped = append(skipped, string(r.Method))
			}
		}
	}
	if len(skipped) > 0 {
		caveats = append(caveats, fmt.Sprintf("tests skipped as infeasible: %s", strings.Join(skipped, ", ")))
	}
	if validated == 0 {
		caveats = append(caveats, "no hypothesis showed causal evidence once confounders were controlled")
	}
	return caveats
}

// enrich asks the LLM to rewrite the conclusion and per-step reasoning
func (e *ExplanationGenerator) enrich(
	ctx context.Context,
	opportunity models.Opportunity,
	chain *models.ReasoningChain,
	hypotheses []*models.Hypothesis,
	levers []models.Lever,
) error {
	var findings strings.Builder
	for _, s := range chain.Steps {
		fmt.Fprintf(&findings, "- %s (%s, confidence=%s)\n", s.Claim, s.Evidence, s.Confidence)
	}
	var leverLines strings.Builder
	for i, l := range levers {
		fmt.Fprintf(&leverLines, "%d. %s (impact=%.2f, effort=%s)\n", i+1, l.Name, l.ExpectedImpact, l.Effort)
	}

	payload, err := e.client.GetJSONResponse(ctx, ai.ExplanationPrompt(
		opportunity.ContextString(), findings.String(), leverLines.String()))
	if err != nil {
		return err
	}

	if strings.TrimSpace(payload.Conclusion) != "" {
		chain.Conclusion = payload.Conclusion
	}
	for _, sr := range payload.StepReasonings {
		for i := range chain.Steps {
			if chain.Steps[i].Claim == sr.Claim && strings.TrimSpace(sr.Reasoning) != "" {
				chain.Steps[i].Reasoning = sr.Reasoning
			}
		}
	}
	return nil
}

// dominantResult picks the lowest-p applicable test as the headline evidence
func dominantResult(h *models.Hypothesis) (models.TestResult, bool) {
	best := models.TestResult{PValue: math.Inf(1)}
	found := false
	for _, r := range h.TestResults {
		if r.Skipped() {
			continue
		}
		if !found || r.PValue < best.PValue {
			best = r
			found = true
		}
	}
	return best, found
}
