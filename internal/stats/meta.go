package stats

import (
	"math"

	"retcause/models"
)

// Verdict aggregates the test results of one hypothesis into a validation
// decision. Given the same results it is a pure function.
type Verdict struct {
	Validated        bool                   `json:"validated"`
	PooledEffectSize float64                `json:"pooled_effect_size"`
	Direction        models.EffectDirection `json:"direction"`
	Confidence       models.Confidence      `json:"confidence"`
	ApplicableTests  int                    `json:"applicable_tests"`
	SignificantTests int                    `json:"significant_tests"`
}

// Aggregate applies the validation rule: a hypothesis is validated iff at
// least one applicable test is significant with the expected sign and no test
// is significant with the opposite sign. The pooled effect size is the
// inverse-variance-weighted mean across applicable tests.
func Aggregate(results []models.TestResult, expected models.EffectDirection) Verdict {
	verdict := Verdict{Direction: models.DirectionNone, Confidence: models.ConfidenceLow}

	agreeing := 0
	opposing := 0
	weightedSum, weightTotal := 0.0, 0.0

	for _, r := range results {
		if r.Skipped() {
			continue
		}
		verdict.ApplicableTests++
		if r.IsSignificant {
			verdict.SignificantTests++
			if r.EffectDirection == expected {
				agreeing++
			} else if r.EffectDirection != models.DirectionNone {
				opposing++
			}
		}

		weight := 1.0
		if r.StandardError > 0 {
			weight = 1 / (r.StandardError * r.StandardError)
		}
		weightedSum += weight * r.EffectSize
		weightTotal += weight
	}

	if weightTotal > 0 {
		verdict.PooledEffectSize = weightedSum / weightTotal
	}
	verdict.Validated = agreeing > 0 && opposing == 0
	verdict.Confidence = models.ConfidenceFromEffectSize(verdict.PooledEffectSize)
	if verdict.Validated {
		verdict.Direction = expected
	} else if math.Abs(verdict.PooledEffectSize) > 0 {
		if verdict.PooledEffectSize > 0 {
			verdict.Direction = models.DirectionPositive
		} else {
			verdict.Direction = models.DirectionNegative
		}
	}
	return verdict
}
