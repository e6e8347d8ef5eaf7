package stats

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"retcause/domain/core"
	"retcause/models"
)

// GrangerLagTest checks whether lagged x improves prediction of y beyond
// lagged y alone. Both series must come from a temporally indexed table; the
// tester guards that precondition and records a skip otherwise.
func (k *Kernel) GrangerLagTest(
	hypothesisID core.HypothesisID,
	x, y []float64,
	maxLag int,
) models.TestResult {
	start := time.Now()
	result := models.NewTestResult(hypothesisID, models.MethodGrangerCausality)
	if maxLag <= 0 {
		maxLag = 7
	}

	// Align and drop rows with missing values in either series
	xs, ys := make([]float64, 0, len(x)), make([]float64, 0, len(y))
	for i := range x {
		if i >= len(y) || math.IsNaN(x[i]) || math.IsNaN(y[i]) {
			continue
		}
		xs = append(xs, x[i])
		ys = append(ys, y[i])
	}
	n := len(xs)
	if n < maxLag*2+5 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("insufficient observations for lag test (%d < %d)", n, maxLag*2+5))
		result.SampleSize = n
		return result
	}

	bestP := 1.0
	bestLag := 1
	for lag := 1; lag <= maxLag; lag++ {
		p := grangerAtLag(xs, ys, lag)
		if p < bestP {
			bestP = p
			bestLag = lag
		}
	}

	// Directional sign from the lagged correlation at the best lag
	laggedX := xs[:n-bestLag]
	alignedY := ys[bestLag:]
	corr := correlation(laggedX, alignedY)
	effectSize := math.Abs(corr)

	result.PValue = bestP
	result.IsSignificant = bestP < k.alpha()
	result.PointEstimate = corr
	result.EffectSize = effectSize
	result.SampleSize = n
	result.EffectDirection = models.DirectionOf(corr)
	result.Confidence = models.ConfidenceFromEffectSize(effectSize)
	result.ConfidenceInterval = [2]float64{corr - 1.96/math.Sqrt(float64(n)), corr + 1.96/math.Sqrt(float64(n))}
	k.enforceBudget(&result, start)
	return result
}

// grangerAtLag runs the restricted/unrestricted F-test for one lag order
func grangerAtLag(x, y []float64, lag int) float64 {
	n := len(y) - lag
	if n <= 2*lag+1 {
		return 1
	}

	// Restricted model: y_t ~ y_{t-1..t-lag}
	restricted := mat.NewDense(n, 1+lag, nil)
	// Unrestricted model: y_t ~ y lags + x lags
	unrestricted := mat.NewDense(n, 1+2*lag, nil)
	target := make([]float64, n)

	for i := 0; i < n; i++ {
		t := i + lag
		target[i] = y[t]
		restricted.Set(i, 0, 1)
		unrestricted.Set(i, 0, 1)
		for l := 1; l <= lag; l++ {
			restricted.Set(i, l, y[t-l])
			unrestricted.Set(i, l, y[t-l])
			unrestricted.Set(i, lag+l, x[t-l])
		}
	}

	rssR, okR := residualSS(restricted, target)
	rssU, okU := residualSS(unrestricted, target)
	if !okR || !okU || rssU <= 0 {
		return 1
	}

	dfU := float64(n - (1 + 2*lag))
	if dfU <= 0 {
		return 1
	}
	f := ((rssR - rssU) / float64(lag)) / (rssU / dfU)
	if f < 0 {
		f = 0
	}
	return fTestPValue(f, float64(lag), dfU)
}

// residualSS fits OLS and returns the residual sum of squares
func residualSS(X *mat.Dense, y []float64) (float64, bool) {
	coefs, _, err := olsFit(X, y)
	if err != nil {
		return 0, false
	}
	n, p := X.Dims()
	rss := 0.0
	for i := 0; i < n; i++ {
		fitted := 0.0
		for j := 0; j < p; j++ {
			fitted += X.At(i, j) * coefs[j]
		}
		r := y[i] - fitted
		rss += r * r
	}
	return rss, true
}
