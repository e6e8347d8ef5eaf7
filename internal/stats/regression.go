package stats

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"retcause/domain/core"
	"retcause/internal/dataset"
	"retcause/models"
)

// olsFit solves y = Xb by ordinary least squares, returning coefficients and
// their standard errors. X must include the intercept column.
func olsFit(X *mat.Dense, y []float64) (coefs, stderrs []float64, err error) {
	n, p := X.Dims()
	if n <= p {
		return nil, nil, fmt.Errorf("need more rows (%d) than parameters (%d)", n, p)
	}

	var xtx mat.Dense
	xtx.Mul(X.T(), X)
	var xtxInv mat.Dense
	if err := xtxInv.Inverse(&xtx); err != nil {
		return nil, nil, fmt.Errorf("design matrix is singular: %w", err)
	}

	yVec := mat.NewVecDense(n, y)
	var xty mat.VecDense
	xty.MulVec(X.T(), yVec)
	var beta mat.VecDense
	beta.MulVec(&xtxInv, &xty)

	// Residual variance
	var fitted mat.VecDense
	fitted.MulVec(X, &beta)
	rss := 0.0
	for i := 0; i < n; i++ {
		r := y[i] - fitted.AtVec(i)
		rss += r * r
	}
	sigma2 := rss / float64(n-p)

	coefs = make([]float64, p)
	stderrs = make([]float64, p)
	for j := 0; j < p; j++ {
		coefs[j] = beta.AtVec(j)
		stderrs[j] = math.Sqrt(sigma2 * xtxInv.At(j, j))
	}
	return coefs, stderrs, nil
}

// logisticFit fits a logistic model by iteratively reweighted least squares.
// Returns coefficients and standard errors from the observed information.
func logisticFit(X *mat.Dense, y []float64) (coefs, stderrs []float64, err error) {
	n, p := X.Dims()
	if n <= p {
		return nil, nil, fmt.Errorf("need more rows (%d) than parameters (%d)", n, p)
	}

	beta := make([]float64, p)
	const maxIter = 25
	for iter := 0; iter < maxIter; iter++ {
		// Gradient and weights for the current iterate
		grad := make([]float64, p)
		var xtwx mat.Dense
		weights := make([]float64, n)
		for i := 0; i < n; i++ {
			eta := 0.0
			for j := 0; j < p; j++ {
				eta += X.At(i, j) * beta[j]
			}
			mu := 1 / (1 + math.Exp(-eta))
			w := mu * (1 - mu)
			if w < 1e-10 {
				w = 1e-10
			}
			weights[i] = w
			for j := 0; j < p; j++ {
				grad[j] += X.At(i, j) * (y[i] - mu)
			}
		}
		// X' W X
		wx := mat.NewDense(n, p, nil)
		for i := 0; i < n; i++ {
			for j := 0; j < p; j++ {
				wx.Set(i, j, X.At(i, j)*weights[i])
			}
		}
		xtwx.Mul(X.T(), wx)
		var inv mat.Dense
		if err := inv.Inverse(&xtwx); err != nil {
			return nil, nil, fmt.Errorf("information matrix is singular: %w", err)
		}

		step := make([]float64, p)
		maxStep := 0.0
		for j := 0; j < p; j++ {
			for l := 0; l < p; l++ {
				step[j] += inv.At(j, l) * grad[l]
			}
			beta[j] += step[j]
			if math.Abs(step[j]) > maxStep {
				maxStep = math.Abs(step[j])
			}
		}
		if maxStep < 1e-8 {
			break
		}
	}

	// Standard errors from the final information matrix
	wx := mat.NewDense(n, p, nil)
	for i := 0; i < n; i++ {
		eta := 0.0
		for j := 0; j < p; j++ {
			eta += X.At(i, j) * beta[j]
		}
		mu := 1 / (1 + math.Exp(-eta))
		w := mu * (1 - mu)
		if w < 1e-10 {
			w = 1e-10
		}
		for j := 0; j < p; j++ {
			wx.Set(i, j, X.At(i, j)*w)
		}
	}
	var xtwx mat.Dense
	xtwx.Mul(X.T(), wx)
	var inv mat.Dense
	if err := inv.Inverse(&xtwx); err != nil {
		return nil, nil, fmt.Errorf("information matrix is singular: %w", err)
	}

	stderrs = make([]float64, p)
	for j := 0; j < p; j++ {
		stderrs[j] = math.Sqrt(inv.At(j, j))
	}
	return beta, stderrs, nil
}

// designMatrix assembles [1, treatment, controls...] over the kept rows
func designMatrix(treatment []float64, controls [][]float64) *mat.Dense {
	n := len(treatment)
	p := 2 + len(controls)
	X := mat.NewDense(n, p, nil)
	for i := 0; i < n; i++ {
		X.Set(i, 0, 1)
		X.Set(i, 1, treatment[i])
		for c, col := range controls {
			X.Set(i, 2+c, col[i])
		}
	}
	return X
}

// conditionNumber computes the 2-norm condition number of the design matrix
func conditionNumber(X *mat.Dense) float64 {
	var svd mat.SVD
	if ok := svd.Factorize(X, mat.SVDThin); !ok {
		return math.Inf(1)
	}
	values := svd.Values(nil)
	if len(values) == 0 || values[len(values)-1] <= 0 {
		return math.Inf(1)
	}
	return values[0] / values[len(values)-1]
}

// RegressionAdjustment fits outcome on treatment + controls and reports the
// treatment coefficient. Binary outcomes use a logistic fit with the marginal
// effect at the means reported on the probability scale.
func (k *Kernel) RegressionAdjustment(
	data *dataset.Table,
	hypothesisID core.HypothesisID,
	treatmentCol, outcomeCol string,
	controls []string,
) models.TestResult {
	start := time.Now()
	result := models.NewTestResult(hypothesisID, models.MethodRegressionAdjustment)

	treatment, outcome, keep, warnings := pairedColumns(data, treatmentCol, outcomeCol)
	result.Warnings = append(result.Warnings, warnings...)
	if treatment == nil {
		return result
	}

	controlCols, _, controlWarnings := controlMatrix(data, controls, keep)
	result.Warnings = append(result.Warnings, controlWarnings...)

	n := len(treatment)
	if n < 30 {
		result.Warnings = append(result.Warnings, fmt.Sprintf("insufficient sample size for regression (%d < 30)", n))
		result.SampleSize = n
		return result
	}
	if n < 50 {
		result.Warnings = append(result.Warnings, fmt.Sprintf("sample size %d below 50, estimates are unstable", n))
	}

	X := designMatrix(treatment, controlCols)
	if cond := conditionNumber(X); cond > 30 {
		result.Warnings = append(result.Warnings, fmt.Sprintf("collinear controls (condition number %.1f > 30)", cond))
	}

	binaryOutcome := isBinary(outcome)
	var coef, se float64
	if binaryOutcome {
		coefs, stderrs, err := logisticFit(X, outcome)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("logistic fit failed: %v", err))
			result.SampleSize = n
			return result
		}
		// Marginal effect at the means: dP/dT = p(1-p) * beta
		eta := coefs[0]
		eta += coefs[1] * mean(treatment)
		for c, col := range controlCols {
			eta += coefs[2+c] * mean(col)
		}
		pHat := 1 / (1 + math.Exp(-eta))
		scale := pHat * (1 - pHat)
		coef = coefs[1] * scale
		se = stderrs[1] * scale
	} else {
		coefs, stderrs, err := olsFit(X, outcome)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("OLS fit failed: %v", err))
			result.SampleSize = n
			return result
		}
		coef = coefs[1]
		se = stderrs[1]
	}

	t := 0.0
	if se > 0 {
		t = coef / se
	}
	df := float64(n - 2 - len(controlCols))
	pValue := tTestPValue(t, df)

	effectSize := 0.0
	if sd := sampleSD(outcome); sd > 0 {
		effectSize = coef / sd
	}

	k.finalizeEstimate(&result, coef, se, effectSize, pValue, n)
	k.enforceBudget(&result, start)
	return result
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
