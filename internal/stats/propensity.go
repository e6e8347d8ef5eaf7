package stats

import (
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/mat"

	"retcause/domain/core"
	"retcause/internal/dataset"
	"retcause/models"
)

// DefaultNeighbors is the default match count per treated unit
const DefaultNeighbors = 5

// PropensityMatching estimates the average treatment effect on the treated by
// matching each treated row to its nearest untreated rows on the predicted
// propensity, within a caliper of 0.2 propensity-score standard deviations.
func (k *Kernel) PropensityMatching(
	data *dataset.Table,
	hypothesisID core.HypothesisID,
	treatmentCol, outcomeCol string,
	confounders []string,
	nNeighbors int,
) models.TestResult {
	start := time.Now()
	result := models.NewTestResult(hypothesisID, models.MethodPropensityMatching)
	if nNeighbors <= 0 {
		nNeighbors = DefaultNeighbors
	}

	treatment, outcome, keep, warnings := pairedColumns(data, treatmentCol, outcomeCol)
	result.Warnings = append(result.Warnings, warnings...)
	if treatment == nil {
		return result
	}
	if !isBinary(treatment) {
		result.Warnings = append(result.Warnings, fmt.Sprintf("treatment %q is not binary", treatmentCol))
		return result
	}

	// Flag heavily missing confounders before imputation hides them
	for _, c := range confounders {
		if data.Missingness(c) > 0.5 {
			result.Warnings = append(result.Warnings, fmt.Sprintf("confounder %q has >50%% missingness", c))
		}
	}

	controlCols, _, controlWarnings := controlMatrix(data, confounders, keep)
	result.Warnings = append(result.Warnings, controlWarnings...)

	n := len(treatment)
	result.SampleSize = n

	// Propensity model: logistic treatment ~ confounders (standardized)
	var scores []float64
	if len(controlCols) == 0 {
		// No usable confounders: matching degenerates to raw group comparison
		result.Warnings = append(result.Warnings, "no usable confounders, propensity is uniform")
		scores = make([]float64, n)
		for i := range scores {
			scores[i] = 0.5
		}
	} else {
		standardized := make([][]float64, len(controlCols))
		for c, col := range controlCols {
			standardized[c] = standardize(col)
		}
		X := designMatrixIntercept(standardized, n)
		coefs, _, err := logisticFit(X, treatment)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("propensity model failed: %v", err))
			return result
		}
		scores = make([]float64, n)
		for i := 0; i < n; i++ {
			eta := coefs[0]
			for c := range standardized {
				eta += coefs[1+c] * standardized[c][i]
			}
			scores[i] = 1 / (1 + math.Exp(-eta))
		}
	}

	treatedIdx := make([]int, 0, n)
	controlIdx := make([]int, 0, n)
	for i, t := range treatment {
		if t == 1 {
			treatedIdx = append(treatedIdx, i)
		} else {
			controlIdx = append(controlIdx, i)
		}
	}
	if len(treatedIdx) < 10 || len(controlIdx) < 10 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("too few treated (%d) or control (%d) units", len(treatedIdx), len(controlIdx)))
		return result
	}

	// Common support: overlap of treated/control score ranges
	overlap := scoreOverlap(scores, treatedIdx, controlIdx)
	if overlap < 0.1 {
		result.Warnings = append(result.Warnings, fmt.Sprintf("propensity overlap %.3f below 0.1", overlap))
	}

	caliper := 0.2 * sampleSD(scores)
	if caliper <= 0 {
		caliper = 0.05
	}

	// Match each treated row to its nearest controls within the caliper
	diffs := make([]float64, 0, len(treatedIdx))
	for _, ti := range treatedIdx {
		neighbors := nearestControls(scores, ti, controlIdx, nNeighbors, caliper)
		if len(neighbors) == 0 {
			continue
		}
		matchedMean := 0.0
		for _, ci := range neighbors {
			matchedMean += outcome[ci]
		}
		matchedMean /= float64(len(neighbors))
		diffs = append(diffs, outcome[ti]-matchedMean)
	}

	if len(diffs) < 30 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("fewer than 30 matched pairs (%d)", len(diffs)))
	}
	if len(diffs) < 2 {
		result.Warnings = append(result.Warnings, "not enough matches to estimate an effect")
		return result
	}

	// Paired t-test on matched differences
	ate := mean(diffs)
	se := sampleSD(diffs) / math.Sqrt(float64(len(diffs)))
	t := 0.0
	if se > 0 {
		t = ate / se
	}
	pValue := tTestPValue(t, float64(len(diffs)-1))

	treatedOutcomes := make([]float64, 0, len(treatedIdx))
	controlOutcomes := make([]float64, 0, len(controlIdx))
	for _, ti := range treatedIdx {
		treatedOutcomes = append(treatedOutcomes, outcome[ti])
	}
	for _, ci := range controlIdx {
		controlOutcomes = append(controlOutcomes, outcome[ci])
	}
	effectSize := 0.0
	if sd := pooledSD(treatedOutcomes, controlOutcomes); sd > 0 {
		effectSize = ate / sd
	}

	// Covariate balance: standardized mean difference over all treated and all
	// control rows; the matched sample itself is not re-checked
	if balance := covariateBalance(controlCols, treatedIdx, controlIdx); balance > 0.2 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("covariate balance %.2f above 0.2, estimates may be biased", balance))
	}

	k.finalizeEstimate(&result, ate, se, effectSize, pValue, len(diffs))
	k.enforceBudget(&result, start)
	return result
}

// designMatrixIntercept assembles [1, cols...] for the propensity model
func designMatrixIntercept(cols [][]float64, n int) *mat.Dense {
	X := mat.NewDense(n, 1+len(cols), nil)
	for i := 0; i < n; i++ {
		X.Set(i, 0, 1)
		for c, col := range cols {
			X.Set(i, 1+c, col[i])
		}
	}
	return X
}

func standardize(values []float64) []float64 {
	m := mean(values)
	sd := sampleSD(values)
	out := make([]float64, len(values))
	for i, v := range values {
		if sd > 0 {
			out[i] = (v - m) / sd
		} else {
			out[i] = 0
		}
	}
	return out
}

// scoreOverlap measures the shared propensity range as a fraction of the
// combined range
func scoreOverlap(scores []float64, treated, control []int) float64 {
	tMin, tMax := rangeOf(scores, treated)
	cMin, cMax := rangeOf(scores, control)
	low := math.Max(tMin, cMin)
	high := math.Min(tMax, cMax)
	full := math.Max(tMax, cMax) - math.Min(tMin, cMin)
	if full <= 0 {
		return 1
	}
	if high <= low {
		return 0
	}
	return (high - low) / full
}

func rangeOf(values []float64, idx []int) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, i := range idx {
		if values[i] < lo {
			lo = values[i]
		}
		if values[i] > hi {
			hi = values[i]
		}
	}
	return lo, hi
}

// nearestControls finds up to n control indices closest in propensity, within
// the caliper
func nearestControls(scores []float64, treatedIdx int, controls []int, n int, caliper float64) []int {
	type candidate struct {
		idx  int
		dist float64
	}
	candidates := make([]candidate, 0, len(controls))
	for _, ci := range controls {
		d := math.Abs(scores[ci] - scores[treatedIdx])
		if d <= caliper {
			candidates = append(candidates, candidate{ci, d})
		}
	}
	sort.Slice(candidates, func(a, b int) bool { return candidates[a].dist < candidates[b].dist })
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	out := make([]int, len(candidates))
	for i, c := range candidates {
		out[i] = c.idx
	}
	return out
}

// covariateBalance averages standardized mean differences across confounders
func covariateBalance(controlCols [][]float64, treated, control []int) float64 {
	if len(controlCols) == 0 {
		return 0
	}
	total, counted := 0.0, 0
	for _, col := range controlCols {
		tVals := make([]float64, 0, len(treated))
		cVals := make([]float64, 0, len(control))
		for _, i := range treated {
			tVals = append(tVals, col[i])
		}
		for _, i := range control {
			cVals = append(cVals, col[i])
		}
		sd := pooledSD(tVals, cVals)
		if sd <= 0 {
			continue
		}
		total += math.Abs(mean(tVals)-mean(cVals)) / sd
		counted++
	}
	if counted == 0 {
		return 0
	}
	return total / float64(counted)
}
