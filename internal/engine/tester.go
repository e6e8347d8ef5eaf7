package engine

import (
	"context"
	"fmt"
	"log"
	"math"

	"golang.org/x/sync/errgroup"

	"retcause/internal/dataset"
	"retcause/internal/profile"
	"retcause/internal/stats"
	"retcause/models"
)

// CausalTester runs each hypothesis's declared tests, aggregates the results
// into a validation verdict, and fills the causal structure's effect fields.
// Hypotheses are tested in parallel: each worker owns one hypothesis's
// disjoint TestResult storage; the session view keeps declared order because
// results live on the hypothesis objects themselves.
type CausalTester struct {
	kernel      *stats.Kernel
	MaxParallel int
}

// NewCausalTester creates a tester over a statistical kernel
func NewCausalTester(kernel *stats.Kernel) *CausalTester {
	return &CausalTester{
		kernel:      kernel,
		MaxParallel: 4,
	}
}

// TestAll tests every hypothesis and returns the completeness score: the
// fraction of declared test methods that actually ran (skips count against),
// averaged over hypotheses.
func (t *CausalTester) TestAll(
	ctx context.Context,
	hypotheses []*models.Hypothesis,
	data *dataset.Table,
	prof *profile.Profile,
) (float64, error) {
	g, gctx := errgroup.WithContext(ctx)
	limit := t.MaxParallel
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)

	for _, h := range hypotheses {
		hypothesis := h
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			t.testHypothesis(hypothesis, data, prof)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	// Single-writer aggregation over the ordered hypothesis view. The first
	// len(TestMethods) results correspond to the declared methods in order;
	// mediation results appended after them do not count toward completeness.
	fractionSum, counted := 0.0, 0
	for _, h := range hypotheses {
		declared := len(h.TestMethods)
		if declared == 0 {
			continue
		}
		executed := 0
		for i := 0; i < declared && i < len(h.TestResults); i++ {
			if !h.TestResults[i].Skipped() {
				executed++
			}
		}
		fractionSum += float64(executed) / float64(declared)
		counted++
	}
	if counted == 0 {
		return 0, nil
	}
	return fractionSum / float64(counted), nil
}

// testHypothesis runs the declared methods in order, then mediation for each
// declared mediator, then sets the verdict.
func (t *CausalTester) testHypothesis(h *models.Hypothesis, data *dataset.Table, prof *profile.Profile) {
	log.Printf("[CausalTester] Testing %s", h.Label())

	for _, method := range h.TestMethods {
		result := t.runMethod(h, method, data, prof)
		h.TestResults = append(h.TestResults, result)
	}

	// Mediation runs once per (hypothesis, mediator) pair whenever the
	// hypothesis carries mediators, regardless of declared methods.
	t.runMediation(h, data)

	verdict := stats.Aggregate(h.TestResults, h.ExpectedDirection())
	if err := h.SetValidated(verdict.Validated); err != nil {
		log.Printf("[CausalTester] %v", err)
		return
	}
	t.fillStructureEffects(h)

	log.Printf("[CausalTester] %s: validated=%v pooled_effect=%.3f (%d/%d significant)",
		h.Label(), verdict.Validated, verdict.PooledEffectSize,
		verdict.SignificantTests, verdict.ApplicableTests)
}

// runMethod applies the feasibility rules before dispatching to the kernel
func (t *CausalTester) runMethod(h *models.Hypothesis, method models.TestMethod, data *dataset.Table, prof *profile.Profile) models.TestResult {
	switch method {
	case models.MethodPropensityMatching:
		if reason := t.propensityInfeasible(h, data); reason != "" {
			return models.SkippedResult(h.ID, method, reason)
		}
		return t.kernel.PropensityMatching(data, h.ID, h.Cause, h.Effect, h.Confounders, stats.DefaultNeighbors)

	case models.MethodRegressionAdjustment:
		if data.NumRows() < 30 {
			return models.SkippedResult(h.ID, method,
				fmt.Sprintf("sample size %d below 30", data.NumRows()))
		}
		return t.kernel.RegressionAdjustment(data, h.ID, h.Cause, h.Effect, h.Confounders)

	case models.MethodGrangerCausality:
		if !prof.HasTimeIndex {
			return models.SkippedResult(h.ID, method, "dataset is cross-sectional, no ordered time index")
		}
		x, _ := data.NumericView(h.Cause)
		y, _ := data.NumericView(h.Effect)
		return t.kernel.GrangerLagTest(h.ID, x, y, 7)

	default:
		return models.SkippedResult(h.ID, method, fmt.Sprintf("method %s not supported by the statistical kernel", method))
	}
}

// propensityInfeasible checks the binary-treatment and class-size rules
func (t *CausalTester) propensityInfeasible(h *models.Hypothesis, data *dataset.Table) string {
	treatment, ok := data.NumericView(h.Cause)
	if !ok {
		return fmt.Sprintf("treatment %q has no numeric view", h.Cause)
	}
	treated, control := 0, 0
	for _, v := range treatment {
		switch {
		case math.IsNaN(v):
		case v == 1:
			treated++
		case v == 0:
			control++
		default:
			return fmt.Sprintf("treatment %q is not binary", h.Cause)
		}
	}
	// Below 10 per class matching is hopeless; between 10 and 30 the kernel
	// runs and reports its matched-pair warnings.
	if treated < 10 || control < 10 {
		return fmt.Sprintf("fewer than 10 rows per treatment class (%d treated, %d control)", treated, control)
	}
	return ""
}

// runMediation decomposes the effect through every declared mediator and
// keeps the strongest decomposition on the causal structure.
func (t *CausalTester) runMediation(h *models.Hypothesis, data *dataset.Table) {
	if len(h.Mediators) == 0 {
		return
	}
	var best *stats.MediationResult
	for _, mediator := range h.Mediators {
		decomposition := t.kernel.MediationDecomposition(data, h.ID, h.Cause, mediator, h.Effect, h.Confounders)
		h.TestResults = append(h.TestResults, decomposition.Result)
		if best == nil || math.Abs(decomposition.IndirectEffect) > math.Abs(best.IndirectEffect) {
			copied := decomposition
			best = &copied
		}
	}
	if best == nil || h.CausalStructure == nil {
		return
	}

	structure := h.CausalStructure
	structure.DirectEffect = best.DirectEffect
	structure.IndirectEffect = best.IndirectEffect
	structure.TotalEffect = best.TotalEffect

	// The deepest driver: when the indirect path dominates, the mediator is
	// the true cause and the actionable lever.
	if math.Abs(best.IndirectEffect) > math.Abs(best.DirectEffect) {
		structure.TrueCause = best.Mediator
		structure.ActionableLever = best.Mediator
	} else {
		structure.TrueCause = h.Cause
		structure.ActionableLever = h.Cause
	}
}

// fillStructureEffects backfills effect fields for hypotheses without
// mediation, using the pooled point estimate across applicable tests.
func (t *CausalTester) fillStructureEffects(h *models.Hypothesis) {
	if h.CausalStructure == nil {
		return
	}
	structure := h.CausalStructure
	if structure.TotalEffect != 0 || structure.IndirectEffect != 0 {
		return // mediation already filled the decomposition
	}

	weightedSum, weightTotal := 0.0, 0.0
	for _, r := range h.TestResults {
		if r.Skipped() {
			continue
		}
		w := 1.0
		if r.StandardError > 0 {
			w = 1 / (r.StandardError * r.StandardError)
		}
		weightedSum += w * r.PointEstimate
		weightTotal += w
	}
	if weightTotal > 0 {
		structure.DirectEffect = weightedSum / weightTotal
		structure.TotalEffect = structure.DirectEffect
	}
}
