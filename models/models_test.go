package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retcause/domain/core"
)

func TestParseTestMethod(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected TestMethod
		ok       bool
	}{
		{"canonical", "propensity_matching", MethodPropensityMatching, true},
		{"variant spelling", "Propensity Score Matching", MethodPropensityMatching, true},
		{"abbreviation", "PSM", MethodPropensityMatching, true},
		{"granger compound", "granger_causality_on_time_series_data", MethodGrangerCausality, true},
		{"diff in diff", "diff-in-diff", MethodDifferenceInDifferences, true},
		{"unknown", "tarot_reading", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			method, ok := ParseTestMethod(tt.input)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.expected, method)
			}
		})
	}
}

func TestConfidenceFromEffectSize(t *testing.T) {
	assert.Equal(t, ConfidenceLow, ConfidenceFromEffectSize(0.1))
	assert.Equal(t, ConfidenceLow, ConfidenceFromEffectSize(-0.19))
	assert.Equal(t, ConfidenceMedium, ConfidenceFromEffectSize(0.2))
	assert.Equal(t, ConfidenceMedium, ConfidenceFromEffectSize(-0.49))
	assert.Equal(t, ConfidenceHigh, ConfidenceFromEffectSize(0.5))
	assert.Equal(t, ConfidenceHigh, ConfidenceFromEffectSize(-0.8))
}

func TestHypothesisValidate(t *testing.T) {
	sessionID := core.SessionID(core.NewID())

	h := NewHypothesis(sessionID, "late_delivery", "churn_30d")
	h.TestMethods = []TestMethod{MethodRegressionAdjustment}
	require.NoError(t, h.Validate())

	same := NewHypothesis(sessionID, "churn_30d", "churn_30d")
	same.TestMethods = []TestMethod{MethodRegressionAdjustment}
	assert.Error(t, same.Validate())

	noMethods := NewHypothesis(sessionID, "a", "b")
	assert.Error(t, noMethods.Validate())

	duplicate := NewHypothesis(sessionID, "a", "b")
	duplicate.TestMethods = []TestMethod{MethodRegressionAdjustment, MethodRegressionAdjustment}
	assert.Error(t, duplicate.Validate())
}

func TestHypothesisValidatedTransitionsOnce(t *testing.T) {
	h := NewHypothesis(core.SessionID(core.NewID()), "a", "b")
	require.Nil(t, h.Validated)

	require.NoError(t, h.SetValidated(true))
	require.NotNil(t, h.Validated)
	assert.True(t, *h.Validated)

	// Second write must be rejected
	assert.Error(t, h.SetValidated(false))
	assert.True(t, *h.Validated)
}

func TestExpectedDirection(t *testing.T) {
	h := NewHypothesis(core.SessionID(core.NewID()), "late_delivery", "churn_30d")
	h.Mechanism = "Late deliveries frustrate customers and increase churn"
	assert.Equal(t, DirectionPositive, h.ExpectedDirection())

	h.Mechanism = "Faster onboarding reduces early churn"
	assert.Equal(t, DirectionNegative, h.ExpectedDirection())
}

func TestSessionRecomputeValidation(t *testing.T) {
	session := NewReasoningSession(core.NewID())

	h1 := NewHypothesis(session.ID, "a", "churn")
	h1.CausalStructure = &CausalStructure{HypothesisID: h1.ID, TrueCause: "m", StructureConfidence: 0.8}
	require.NoError(t, h1.SetValidated(true))

	h2 := NewHypothesis(session.ID, "b", "churn")
	require.NoError(t, h2.SetValidated(false))

	// Same true cause as h1 must deduplicate
	h3 := NewHypothesis(session.ID, "c", "churn")
	h3.CausalStructure = &CausalStructure{HypothesisID: h3.ID, TrueCause: "m", StructureConfidence: 0.6}
	require.NoError(t, h3.SetValidated(true))

	require.NoError(t, session.SetHypotheses([]*Hypothesis{h1, h2, h3}))
	session.RecomputeValidation()

	assert.Equal(t, 3, session.HypothesesCount)
	assert.Equal(t, 2, session.ValidatedHypothesesCount)
	assert.Equal(t, []string{"m"}, session.ValidatedCauses)
	assert.InDelta(t, 0.7, session.ConfidenceScore, 1e-9)
}

func TestSessionTerminalStatesFrozen(t *testing.T) {
	session := NewReasoningSession(core.NewID())
	session.MarkFailed("causal_testing", "boom")
	assert.Equal(t, SessionFailed, session.CurrentStatus())

	// Terminal state must not change
	session.MarkCompleted()
	assert.Equal(t, SessionFailed, session.CurrentStatus())
	session.MarkCancelled()
	assert.Equal(t, SessionFailed, session.CurrentStatus())

	// And mutation is rejected
	assert.Error(t, session.SetHypotheses(nil))
}

func TestSessionSnapshotIsDeepCopy(t *testing.T) {
	session := NewReasoningSession(core.NewID())
	h := NewHypothesis(session.ID, "a", "churn")
	h.Confounders = []string{"c1"}
	require.NoError(t, session.SetHypotheses([]*Hypothesis{h}))

	snap := session.Snapshot()
	require.Len(t, snap.Hypotheses, 1)

	// Mutating the live session must not leak into the snapshot
	h.Confounders[0] = "changed"
	h.Cause = "mutated"
	assert.Equal(t, "c1", snap.Hypotheses[0].Confounders[0])
	assert.Equal(t, "a", snap.Hypotheses[0].Cause)
}

func TestLeverEffortMapping(t *testing.T) {
	assert.Equal(t, EffortMedium, InferEffort("low_onboarding_engagement"))
	assert.Equal(t, EffortHigh, InferEffort("delivery-time"))
	assert.Equal(t, EffortHigh, InferEffort("pricing_tier"))
	assert.Equal(t, EffortLow, InferEffort("email_cadence"))
	assert.Equal(t, EffortMedium, InferEffort("mystery_knob"))

	assert.Equal(t, "2 weeks", EffortLow.Timeframe())
	assert.Equal(t, "4-6 weeks", EffortMedium.Timeframe())
	assert.Equal(t, "quarter", EffortHigh.Timeframe())
}

func TestNewLeverClampsImpact(t *testing.T) {
	l := NewLever("pricing", "desc", 1.7, ConfidenceHigh)
	assert.Equal(t, 1.0, l.ExpectedImpact)

	neg := NewLever("pricing", "desc", -0.4, ConfidenceLow)
	assert.InDelta(t, 0.4, neg.ExpectedImpact, 1e-9)
}

func TestReasoningChainOverallConfidence(t *testing.T) {
	chain := &ReasoningChain{Steps: []ReasoningStep{
		{Confidence: ConfidenceHigh},
		{Confidence: ConfidenceLow},
	}}
	assert.InDelta(t, 0.6, chain.ComputeOverallConfidence(), 1e-9)

	empty := &ReasoningChain{}
	assert.Zero(t, empty.ComputeOverallConfidence())
}
