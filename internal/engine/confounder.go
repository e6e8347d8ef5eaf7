package engine

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"

	"retcause/ai"
	apperrors "retcause/internal/errors"
	"retcause/internal/dataset"
	"retcause/internal/profile"
	"retcause/models"
	"retcause/ports"
)

// classificationPayload mirrors the JSON shape of one variable classification
type classificationPayload struct {
	Variable  string `json:"variable"`
	Role      string `json:"role"`
	Reasoning string `json:"reasoning"`
}

type classificationBatch struct {
	Classifications []classificationPayload `json:"classifications"`
}

// correlationScanThreshold is the |corr| bound above which a catalog column
// becomes a confounder candidate for the LLM to classify
const correlationScanThreshold = 0.3

// ConfounderAnalyzer augments each hypothesis with confounders and mediators
// and builds the preliminary causal DAG.
type ConfounderAnalyzer struct {
	client *ai.StructuredClient[classificationBatch]
}

// NewConfounderAnalyzer wires the analyzer to an LLM client
func NewConfounderAnalyzer(llm ports.LLMClient) *ConfounderAnalyzer {
	client := ai.NewStructuredClient[classificationBatch](llm, ai.ConfounderClassificationSystem)
	client.Validate = validateClassifications
	return &ConfounderAnalyzer{client: client}
}

func validateClassifications(batch *classificationBatch) error {
	for i, c := range batch.Classifications {
		if strings.TrimSpace(c.Variable) == "" {
			return fmt.Errorf("classification %d has empty variable", i+1)
		}
		switch c.Role {
		case "confounder", "mediator", "collider", "irrelevant":
		default:
			return fmt.Errorf("classification %d has invalid role %q", i+1, c.Role)
		}
	}
	return nil
}

// Analyze classifies candidate variables for one hypothesis and attaches an
// initial CausalStructure with the DAG populated and effect fields empty.
func (a *ConfounderAnalyzer) Analyze(
	ctx context.Context,
	h *models.Hypothesis,
	prof *profile.Profile,
	data *dataset.Table,
) error {
	log.Printf("[ConfounderAnalyzer] Analyzing structure for %s", h.Label())

	candidates := a.collectCandidates(h, prof, data)
	if len(candidates) > 0 {
		batch, err := a.client.GetJSONResponse(ctx, ai.ConfounderClassificationPrompt(
			h.Cause, h.Effect, h.Mechanism, a.describeCandidates(candidates, prof)))
		if err != nil {
			return apperrors.LLMSchema("confounder classification failed", err)
		}
		a.applyClassifications(h, batch, data)
	}

	h.CausalStructure = a.buildStructure(h, data)
	return nil
}

// collectCandidates unions the LLM-suggested confounders with catalog columns
// correlated (>0.3 absolute) with both cause and effect
func (a *ConfounderAnalyzer) collectCandidates(h *models.Hypothesis, prof *profile.Profile, data *dataset.Table) []string {
	seen := map[string]bool{h.Cause: true, h.Effect: true}
	candidates := make([]string, 0)

	add := func(name string) {
		if name == "" || seen[name] || !data.HasColumn(name) {
			return
		}
		seen[name] = true
		candidates = append(candidates, name)
	}

	for _, c := range h.Confounders {
		add(c)
	}
	for _, m := range h.Mediators {
		add(m)
	}

	causeVals, causeOK := data.NumericView(h.Cause)
	effectVals, effectOK := data.NumericView(h.Effect)
	if causeOK && effectOK {
		for _, col := range prof.Columns {
			if seen[col.Name] {
				continue
			}
			vals, ok := data.NumericView(col.Name)
			if !ok {
				continue
			}
			if math.Abs(pairCorr(vals, causeVals)) > correlationScanThreshold &&
				math.Abs(pairCorr(vals, effectVals)) > correlationScanThreshold {
				add(col.Name)
			}
		}
	}
	return candidates
}

func (a *ConfounderAnalyzer) describeCandidates(candidates []string, prof *profile.Profile) string {
	var b strings.Builder
	for _, name := range candidates {
		if col, ok := prof.Column(name); ok {
			fmt.Fprintf(&b, "- %s (%s, corr_with_outcome=%.2f)\n", name, col.SemanticType, col.OutcomeCorrelation)
		} else {
			fmt.Fprintf(&b, "- %s\n", name)
		}
	}
	return b.String()
}

// applyClassifications rewrites the hypothesis role lists from the LLM verdicts
func (a *ConfounderAnalyzer) applyClassifications(h *models.Hypothesis, batch *classificationBatch, data *dataset.Table) {
	confounders := make([]string, 0)
	mediators := make([]string, 0)
	colliders := make([]string, 0)

	for _, c := range batch.Classifications {
		if !data.HasColumn(c.Variable) || c.Variable == h.Cause || c.Variable == h.Effect {
			continue
		}
		switch c.Role {
		case "confounder":
			confounders = append(confounders, c.Variable)
		case "mediator":
			mediators = append(mediators, c.Variable)
		case "collider":
			colliders = append(colliders, c.Variable)
		}
	}

	h.Confounders = dedupe(confounders)
	h.Mediators = dedupe(mediators)
	// Colliders are carried on the structure only; conditioning on them is a bias source
	h.Moderators = dedupe(h.Moderators)
	if h.CausalStructure == nil {
		h.CausalStructure = &models.CausalStructure{HypothesisID: h.ID}
	}
	h.CausalStructure.Colliders = dedupe(colliders)
}

// buildStructure emits the DAG with one node per classified variable and
// edges per role. Effect fields stay zero until the tester fills them.
func (a *ConfounderAnalyzer) buildStructure(h *models.Hypothesis, data *dataset.Table) *models.CausalStructure {
	structure := h.CausalStructure
	if structure == nil {
		structure = &models.CausalStructure{HypothesisID: h.ID}
	}
	structure.HypothesisID = h.ID
	structure.Confounders = append([]string(nil), h.Confounders...)
	structure.Mediators = append([]string(nil), h.Mediators...)
	structure.ProximateCause = h.Cause
	structure.TrueCause = h.Cause
	structure.ActionableLever = h.Cause

	nodes := []models.DAGNode{
		{ID: h.Cause, Label: h.Cause, Type: "treatment"},
		{ID: h.Effect, Label: h.Effect, Type: "outcome"},
	}
	edges := []models.DAGEdge{edge(data, h.Cause, h.Effect)}

	for _, c := range h.Confounders {
		nodes = append(nodes, models.DAGNode{ID: c, Label: c, Type: "confounder"})
		edges = append(edges, edge(data, c, h.Cause), edge(data, c, h.Effect))
	}
	for _, m := range h.Mediators {
		nodes = append(nodes, models.DAGNode{ID: m, Label: m, Type: "mediator"})
		edges = append(edges, edge(data, h.Cause, m), edge(data, m, h.Effect))
	}
	for _, c := range structure.Colliders {
		nodes = append(nodes, models.DAGNode{ID: c, Label: c, Type: "collider"})
		edges = append(edges, edge(data, h.Cause, c), edge(data, h.Effect, c))
	}
	structure.Nodes = nodes
	structure.Edges = edges

	// Confidence blends sample size with average edge strength
	avgStrength := 0.0
	for _, e := range edges {
		avgStrength += math.Abs(e.Strength)
	}
	if len(edges) > 0 {
		avgStrength /= float64(len(edges))
	}
	sizeConfidence := math.Min(float64(data.NumRows())/500, 1)
	strengthConfidence := math.Min(avgStrength*2, 1)
	structure.StructureConfidence = sizeConfidence*0.6 + strengthConfidence*0.4

	return structure
}

// edge builds a DAG edge whose strength is the pairwise correlation
func edge(data *dataset.Table, source, target string) models.DAGEdge {
	strength := 0.0
	if s, ok := data.NumericView(source); ok {
		if t, ok := data.NumericView(target); ok {
			strength = pairCorr(s, t)
		}
	}
	return models.DAGEdge{
		Source:   source,
		Target:   target,
		Strength: strength,
		Label:    fmt.Sprintf("%.2f", strength),
	}
}

// pairCorr is Pearson correlation over rows where both values are present
func pairCorr(x, y []float64) float64 {
	n := len(x)
	if len(y) < n {
		n = len(y)
	}
	sx, sy, sxy, sx2, sy2 := 0.0, 0.0, 0.0, 0.0, 0.0
	count := 0
	for i := 0; i < n; i++ {
		if math.IsNaN(x[i]) || math.IsNaN(y[i]) {
			continue
		}
		sx += x[i]
		sy += y[i]
		sxy += x[i] * y[i]
		sx2 += x[i] * x[i]
		sy2 += y[i] * y[i]
		count++
	}
	if count < 3 {
		return 0
	}
	fc := float64(count)
	denom := math.Sqrt((fc*sx2 - sx*sx) * (fc*sy2 - sy*sy))
	if denom == 0 {
		return 0
	}
	return (fc*sxy - sx*sy) / denom
}

func dedupe(values []string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
