package stats

import (
	"fmt"
	"math"
	"time"

	"retcause/domain/core"
	"retcause/internal/dataset"
	"retcause/models"
)

// MediationResult is the decomposition of a treatment effect through one
// mediator, via the product-of-coefficients method on two regressions.
type MediationResult struct {
	Mediator       string     `json:"mediator"`
	DirectEffect   float64    `json:"direct_effect"`
	IndirectEffect float64    `json:"indirect_effect"`
	TotalEffect    float64    `json:"total_effect"`
	IndirectSE     float64    `json:"indirect_se"`
	IndirectCI     [2]float64 `json:"indirect_ci"`
	SignConsistent bool       `json:"sign_consistent"`
	Result         models.TestResult
}

// MediationDecomposition estimates direct, indirect, and total effects of the
// treatment on the outcome through a single mediator, adjusting both
// regressions for the given confounders. The indirect standard error uses the
// Sobel approximation.
func (k *Kernel) MediationDecomposition(
	data *dataset.Table,
	hypothesisID core.HypothesisID,
	treatmentCol, mediatorCol, outcomeCol string,
	confounders []string,
) MediationResult {
	start := time.Now()
	out := MediationResult{
		Mediator: mediatorCol,
		Result:   models.NewTestResult(hypothesisID, models.MethodDAGBased),
	}
	result := &out.Result

	treatment, outcome, keep, warnings := pairedColumns(data, treatmentCol, outcomeCol)
	result.Warnings = append(result.Warnings, warnings...)
	if treatment == nil {
		return out
	}

	mediatorRaw, ok := data.NumericView(mediatorCol)
	if !ok {
		result.Warnings = append(result.Warnings, fmt.Sprintf("mediator %q has no numeric view", mediatorCol))
		return out
	}
	mediator := make([]float64, len(keep))
	dropped := 0
	for j, idx := range keep {
		mediator[j] = mediatorRaw[idx]
		if math.IsNaN(mediator[j]) {
			dropped++
		}
	}
	if dropped > 0 {
		// Re-filter jointly on the mediator
		t2, m2, y2 := make([]float64, 0), make([]float64, 0), make([]float64, 0)
		keep2 := make([]int, 0, len(keep))
		for j, idx := range keep {
			if math.IsNaN(mediator[j]) {
				continue
			}
			t2 = append(t2, treatment[j])
			m2 = append(m2, mediator[j])
			y2 = append(y2, outcome[j])
			keep2 = append(keep2, idx)
		}
		treatment, mediator, outcome, keep = t2, m2, y2, keep2
		result.Warnings = append(result.Warnings, fmt.Sprintf("dropped %d rows with missing mediator", dropped))
	}

	controlCols, _, controlWarnings := controlMatrix(data, confounders, keep)
	result.Warnings = append(result.Warnings, controlWarnings...)

	n := len(treatment)
	if n < 20 {
		result.Warnings = append(result.Warnings, fmt.Sprintf("insufficient sample size for mediation (%d < 20)", n))
		result.SampleSize = n
		return out
	}

	// Path a: mediator ~ treatment (+ confounders)
	Xa := designMatrix(treatment, controlCols)
	aCoefs, aSEs, err := olsFit(Xa, mediator)
	if err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("path-a fit failed: %v", err))
		return out
	}
	a, aSE := aCoefs[1], aSEs[1]

	// Paths b, c': outcome ~ treatment + mediator (+ confounders)
	withMediator := append([][]float64{mediator}, controlCols...)
	Xb := designMatrix(treatment, withMediator)
	bCoefs, bSEs, err := olsFit(Xb, outcome)
	if err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("path-b fit failed: %v", err))
		return out
	}
	direct, b, bSE := bCoefs[1], bCoefs[2], bSEs[2]

	indirect := a * b
	total := direct + indirect

	// Sobel standard error for a*b
	sobelSE := math.Sqrt(a*a*bSE*bSE + b*b*aSE*aSE)
	z := 0.0
	if sobelSE > 0 {
		z = indirect / sobelSE
	}
	pValue := tTestPValue(z, float64(n-3-len(controlCols)))

	out.DirectEffect = direct
	out.IndirectEffect = indirect
	out.TotalEffect = total
	out.IndirectSE = sobelSE
	out.IndirectCI = [2]float64{indirect - 1.96*sobelSE, indirect + 1.96*sobelSE}
	out.SignConsistent = (direct >= 0) == (indirect >= 0) || direct == 0 || indirect == 0

	effectSize := 0.0
	if sd := sampleSD(outcome); sd > 0 {
		effectSize = total / sd
	}
	k.finalizeEstimate(result, indirect, sobelSE, effectSize, pValue, n)
	if !out.SignConsistent {
		result.Warnings = append(result.Warnings, "direct and indirect effects have opposite signs")
	}
	k.enforceBudget(result, start)
	return out
}
