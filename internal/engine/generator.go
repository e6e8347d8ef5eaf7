package engine

import (
	"context"
	"fmt"
	"log"
	"strings"

	"retcause/ai"
	"retcause/domain/core"
	apperrors "retcause/internal/errors"
	"retcause/internal/dataset"
	"retcause/internal/profile"
	"retcause/models"
	"retcause/ports"
)

// hypothesisPayload mirrors the JSON shape the LLM must return per hypothesis
type hypothesisPayload struct {
	Cause       string   `json:"cause"`
	Effect      string   `json:"effect"`
	Mechanism   string   `json:"mechanism"`
	Rationale   string   `json:"rationale"`
	Confounders []string `json:"confounders"`
	Mediators   []string `json:"mediators"`
	Moderators  []string `json:"moderators"`
	TestMethods []string `json:"test_methods"`
	Likelihood  string   `json:"likelihood"`
}

type hypothesisBatch struct {
	Hypotheses []hypothesisPayload `json:"hypotheses"`
}

// HypothesisGenerator produces candidate hypotheses from an opportunity and
// the dataset profile via structured LLM generation.
type HypothesisGenerator struct {
	client        *ai.StructuredClient[hypothesisBatch]
	MinHypotheses int
	MaxHypotheses int
}

// NewHypothesisGenerator wires the generator to an LLM client
func NewHypothesisGenerator(llm ports.LLMClient) *HypothesisGenerator {
	g := &HypothesisGenerator{
		MinHypotheses: 3,
		MaxHypotheses: 10,
	}
	client := ai.NewStructuredClient[hypothesisBatch](llm, ai.HypothesisGenerationSystem)
	client.Validate = g.validateBatch
	g.client = client
	return g
}

// validateBatch enforces the structural schema before any dataset filtering
func (g *HypothesisGenerator) validateBatch(batch *hypothesisBatch) error {
	if len(batch.Hypotheses) == 0 {
		return fmt.Errorf("no hypotheses in response")
	}
	seen := make(map[string]bool)
	for i, h := range batch.Hypotheses {
		if strings.TrimSpace(h.Cause) == "" {
			return fmt.Errorf("hypothesis %d has empty cause", i+1)
		}
		if strings.TrimSpace(h.Effect) == "" {
			return fmt.Errorf("hypothesis %d has empty effect", i+1)
		}
		if h.Cause == h.Effect {
			return fmt.Errorf("hypothesis %d has cause equal to effect (%q)", i+1, h.Cause)
		}
		if strings.TrimSpace(h.Mechanism) == "" {
			return fmt.Errorf("hypothesis %d has empty mechanism", i+1)
		}
		if len(h.TestMethods) == 0 {
			return fmt.Errorf("hypothesis %d declares no test methods", i+1)
		}
		pair := h.Cause + "→" + h.Effect
		if seen[pair] {
			return fmt.Errorf("duplicate (cause, effect) pair %q", pair)
		}
		seen[pair] = true
		switch h.Likelihood {
		case "low", "medium", "high", "":
		default:
			return fmt.Errorf("hypothesis %d has invalid likelihood %q", i+1, h.Likelihood)
		}
	}
	return nil
}

// Generate asks the LLM for MinHypotheses to MaxHypotheses hypotheses with
// distinct (cause, effect) pairs and keeps at most MaxHypotheses of them.
// Hypotheses referencing columns absent from the dataset are dropped with a
// warning; fewer than 2 survivors fails the stage.
func (g *HypothesisGenerator) Generate(
	ctx context.Context,
	opportunity models.Opportunity,
	prof *profile.Profile,
	data *dataset.Table,
	sessionID core.SessionID,
	businessContext string,
) ([]*models.Hypothesis, []string, error) {
	log.Printf("[HypothesisGenerator] Generating hypotheses for opportunity %s", opportunity.ID)

	methodNames := make([]string, 0)
	for _, m := range models.AllTestMethods() {
		methodNames = append(methodNames, string(m))
	}
	prompt := ai.HypothesisGenerationPrompt(
		opportunity.ContextString(),
		prof.ContextString(),
		businessContext,
		opportunity.MetricName,
		g.MinHypotheses,
		g.MaxHypotheses,
		methodNames,
	)

	batch, err := g.client.GetJSONResponse(ctx, prompt)
	if err != nil {
		return nil, nil, apperrors.LLMSchema("hypothesis generation failed", err)
	}

	var warnings []string
	hypotheses := make([]*models.Hypothesis, 0, len(batch.Hypotheses))
	for i, payload := range batch.Hypotheses {
		if len(hypotheses) >= g.MaxHypotheses {
			warnings = append(warnings, fmt.Sprintf("discarded hypothesis %d beyond the maximum of %d", i+1, g.MaxHypotheses))
			break
		}
		if !data.HasColumn(payload.Cause) {
			warnings = append(warnings, fmt.Sprintf("dropped hypothesis %q → %q: cause column not in dataset", payload.Cause, payload.Effect))
			continue
		}
		if !data.HasColumn(payload.Effect) {
			warnings = append(warnings, fmt.Sprintf("dropped hypothesis %q → %q: effect column not in dataset", payload.Cause, payload.Effect))
			continue
		}

		h := models.NewHypothesis(sessionID, payload.Cause, payload.Effect)
		h.Mechanism = payload.Mechanism
		h.Rationale = payload.Rationale
		h.Confounders = filterColumns(payload.Confounders, data, &warnings, "confounder")
		h.Mediators = filterColumns(payload.Mediators, data, &warnings, "mediator")
		h.Moderators = filterColumns(payload.Moderators, data, &warnings, "moderator")
		h.Likelihood = parseLikelihood(payload.Likelihood)
		h.TestMethods = parseMethods(payload.TestMethods, &warnings)

		if err := h.Validate(); err != nil {
			warnings = append(warnings, fmt.Sprintf("dropped hypothesis %q → %q: %v", payload.Cause, payload.Effect, err))
			continue
		}
		hypotheses = append(hypotheses, h)
		log.Printf("[HypothesisGenerator] Hypothesis %d: %s", len(hypotheses), h.Label())
	}

	if len(hypotheses) < 2 {
		return nil, warnings, apperrors.InsufficientHypotheses(
			fmt.Sprintf("fewer than 2 usable hypotheses after filtering (%d remained)", len(hypotheses)))
	}
	log.Printf("[HypothesisGenerator] Generated %d valid hypotheses", len(hypotheses))
	return hypotheses, warnings, nil
}

func filterColumns(names []string, data *dataset.Table, warnings *[]string, role string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if name == "" {
			continue
		}
		if !data.HasColumn(name) {
			*warnings = append(*warnings, fmt.Sprintf("dropped %s %q: not in dataset", role, name))
			continue
		}
		out = append(out, name)
	}
	return out
}

func parseLikelihood(raw string) models.Likelihood {
	switch raw {
	case "low":
		return models.LikelihoodLow
	case "high":
		return models.LikelihoodHigh
	default:
		return models.LikelihoodMedium
	}
}

func parseMethods(raw []string, warnings *[]string) []models.TestMethod {
	out := make([]models.TestMethod, 0, len(raw))
	seen := make(map[models.TestMethod]bool)
	for _, name := range raw {
		method, ok := models.ParseTestMethod(name)
		if !ok {
			*warnings = append(*warnings, fmt.Sprintf("unknown test method %q skipped", name))
			continue
		}
		if seen[method] {
			continue
		}
		seen[method] = true
		out = append(out, method)
	}
	if len(out) == 0 {
		out = []models.TestMethod{models.MethodRegressionAdjustment}
	}
	return out
}
