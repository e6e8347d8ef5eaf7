package stats

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"retcause/internal/dataset"
	"retcause/models"
)

// Kernel runs the causal statistical tests over a tabular view. It never
// returns errors for data-dependent issues; every call yields a TestResult
// whose warnings explain what went wrong.
type Kernel struct {
	Alpha      float64       // significance threshold, default 0.05
	TestBudget time.Duration // soft wall-clock budget per test, default 10s
}

// NewKernel creates a kernel with default thresholds
func NewKernel() *Kernel {
	return &Kernel{
		Alpha:      0.05,
		TestBudget: 10 * time.Second,
	}
}

// alpha returns the configured threshold or the default
func (k *Kernel) alpha() float64 {
	if k.Alpha <= 0 || k.Alpha >= 1 {
		return 0.05
	}
	return k.Alpha
}

// enforceBudget downgrades a result that overran the soft wall-clock budget
func (k *Kernel) enforceBudget(result *models.TestResult, start time.Time) {
	budget := k.TestBudget
	if budget <= 0 {
		budget = 10 * time.Second
	}
	if elapsed := time.Since(start); elapsed > budget {
		result.IsSignificant = false
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("test exceeded wall-clock budget (%v > %v)", elapsed.Round(time.Millisecond), budget))
	}
}

// pairedColumns extracts treatment and outcome columns, dropping rows where
// either is missing. Rows dropped are reported through the warnings slice.
func pairedColumns(data *dataset.Table, treatmentCol, outcomeCol string) (treatment, outcome []float64, keep []int, warnings []string) {
	tRaw, tOK := data.NumericView(treatmentCol)
	yRaw, yOK := data.NumericView(outcomeCol)
	if !tOK {
		return nil, nil, nil, []string{fmt.Sprintf("treatment column %q has no numeric view", treatmentCol)}
	}
	if !yOK {
		return nil, nil, nil, []string{fmt.Sprintf("outcome column %q has no numeric view", outcomeCol)}
	}

	keep = make([]int, 0, len(tRaw))
	for i := range tRaw {
		if math.IsNaN(tRaw[i]) || math.IsNaN(yRaw[i]) {
			continue
		}
		keep = append(keep, i)
	}
	if dropped := len(tRaw) - len(keep); dropped > 0 {
		warnings = append(warnings, fmt.Sprintf("dropped %d rows with missing treatment or outcome", dropped))
	}
	treatment = make([]float64, len(keep))
	outcome = make([]float64, len(keep))
	for j, idx := range keep {
		treatment[j] = tRaw[idx]
		outcome[j] = yRaw[idx]
	}
	return treatment, outcome, keep, warnings
}

// controlMatrix extracts control columns restricted to the kept rows,
// mean-imputing missing cells with a warning per imputed column. Columns with
// no numeric view are skipped with a warning.
func controlMatrix(data *dataset.Table, controls []string, keep []int) (cols [][]float64, used []string, warnings []string) {
	for _, name := range controls {
		raw, ok := data.NumericView(name)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("control %q has no numeric view, skipped", name))
			continue
		}
		col := make([]float64, len(keep))
		sum, n := 0.0, 0
		for j, idx := range keep {
			col[j] = raw[idx]
			if !math.IsNaN(col[j]) {
				sum += col[j]
				n++
			}
		}
		if n == 0 {
			warnings = append(warnings, fmt.Sprintf("control %q is entirely missing, skipped", name))
			continue
		}
		if n < len(keep) {
			mean := sum / float64(n)
			for j := range col {
				if math.IsNaN(col[j]) {
					col[j] = mean
				}
			}
			warnings = append(warnings, fmt.Sprintf("mean-imputed %d missing cells in control %q", len(keep)-n, name))
		}
		cols = append(cols, col)
		used = append(used, name)
	}
	return cols, used, warnings
}

// isBinary reports whether a series holds only 0/1 values
func isBinary(values []float64) bool {
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		if v != 0 && v != 1 {
			return false
		}
	}
	return true
}

// sampleSD computes the sample standard deviation
func sampleSD(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	return math.Sqrt(stat.Variance(values, nil))
}

// pooledSD computes the pooled standard deviation of two groups
func pooledSD(a, b []float64) float64 {
	va, vb := stat.Variance(a, nil), stat.Variance(b, nil)
	return math.Sqrt((va + vb) / 2)
}

// tTestPValue returns the two-sided p-value of a t statistic
func tTestPValue(t float64, df float64) float64 {
	if df <= 0 {
		return 1
	}
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	p := 2 * (1 - dist.CDF(math.Abs(t)))
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	return p
}

// fTestPValue returns the upper-tail p-value of an F statistic
func fTestPValue(f float64, d1, d2 float64) float64 {
	if d1 <= 0 || d2 <= 0 || math.IsNaN(f) || f < 0 {
		return 1
	}
	dist := distuv.F{D1: d1, D2: d2}
	p := 1 - dist.CDF(f)
	if p < 0 {
		p = 0
	}
	return p
}

// correlation computes Pearson correlation, 0 for degenerate input
func correlation(x, y []float64) float64 {
	if len(x) != len(y) || len(x) < 2 {
		return 0
	}
	r := stat.Correlation(x, y, nil)
	if math.IsNaN(r) {
		return 0
	}
	return r
}

// finalizeEstimate fills the shared estimate fields of a TestResult
func (k *Kernel) finalizeEstimate(result *models.TestResult, pointEstimate, se, effectSize, pValue float64, n int) {
	result.PointEstimate = pointEstimate
	result.StandardError = se
	result.EffectSize = effectSize
	result.PValue = pValue
	result.SampleSize = n
	result.ConfidenceInterval = [2]float64{pointEstimate - 1.96*se, pointEstimate + 1.96*se}
	result.IsSignificant = pValue < k.alpha()
	result.EffectDirection = models.DirectionOf(pointEstimate)
	result.Confidence = models.ConfidenceFromEffectSize(effectSize)
}
