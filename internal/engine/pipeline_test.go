package engine

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retcause/domain/core"
	"retcause/internal/dataset"
	"retcause/internal/testkit"
	"retcause/models"
)

const retentionGeneration = `{
  "hypotheses": [
    {
      "cause": "late_delivery",
      "effect": "churn_30d",
      "mechanism": "Late first deliveries frustrate new customers and increase churn",
      "rationale": "Delivery failures are the strongest operational complaint in the cohort",
      "confounders": ["tenure_months"],
      "mediators": ["low_onboarding_engagement"],
      "moderators": [],
      "test_methods": ["propensity_matching", "regression_adjustment"],
      "likelihood": "high"
    },
    {
      "cause": "tenure_months",
      "effect": "churn_30d",
      "mechanism": "Short tenure increases churn risk",
      "rationale": "Newer customers have weaker habits",
      "confounders": ["late_delivery"],
      "mediators": [],
      "moderators": [],
      "test_methods": ["regression_adjustment"],
      "likelihood": "low"
    }
  ]
}`

const retentionClassification = `{
  "classifications": [
    {"variable": "low_onboarding_engagement", "role": "mediator", "reasoning": "on the causal path"},
    {"variable": "tenure_months", "role": "confounder", "reasoning": "affects exposure and outcome"},
    {"variable": "support_tickets", "role": "irrelevant", "reasoning": "downstream symptom"}
  ]
}`

func newRetentionOpportunity() models.Opportunity {
	opp := models.NewOpportunity(models.OpportunityChurnSpike, "Referral churn spike", "churn_30d")
	opp.Description = "30-day churn jumped in the Referral cohort"
	opp.AffectedCohort = map[string]string{"channel": "Referral"}
	opp.BaselineValue = 0.15
	opp.CurrentValue = 0.32
	opp.SampleSize = 600
	opp.Severity = models.SeverityHigh
	return opp
}

func newRetentionStub() *testkit.StubLLM {
	return &testkit.StubLLM{
		GenerationResponses:    []string{retentionGeneration},
		ClassificationResponse: retentionClassification,
	}
}

// S1: honest mediated signal late_delivery → low_onboarding_engagement → churn
func TestScenarioHonestMediatedSignal(t *testing.T) {
	stub := newRetentionStub()
	orchestrator := NewOrchestrator(stub)
	data := testkit.NewRetentionDataset(600, 42)

	session := orchestrator.Analyze(context.Background(),
		newRetentionOpportunity(), data, testkit.RetentionCatalog(), "subscription box business")

	require.Equal(t, models.SessionCompleted, session.CurrentStatus())
	require.Equal(t, 2, session.HypothesesCount)
	assert.Equal(t, 1, session.ValidatedHypothesesCount)

	validated := session.Hypotheses[0]
	assert.Equal(t, "late_delivery", validated.Cause)
	require.True(t, validated.IsValidated())
	require.NotNil(t, validated.CausalStructure)

	structure := validated.CausalStructure
	assert.Equal(t, "low_onboarding_engagement", structure.TrueCause)
	assert.Greater(t, structure.IndirectEffect, structure.DirectEffect)
	assert.Equal(t, []string{"low_onboarding_engagement"}, session.ValidatedCauses)

	require.NotEmpty(t, session.RecommendedLevers)
	assert.Contains(t, session.RecommendedLevers[0].Name, "onboarding")
	require.NotNil(t, session.ReasoningChain)
	assert.Contains(t, session.ReasoningChain.PrimaryLever, "onboarding")
}

// S2: pure confounding - A and churn both driven by C, A has no effect
func TestScenarioPureConfounding(t *testing.T) {
	stub := &testkit.StubLLM{
		GenerationResponses: []string{`{
  "hypotheses": [
    {
      "cause": "heavy_discount_usage",
      "effect": "churn_30d",
      "mechanism": "Discount-seeking behavior increases churn once promotions end",
      "rationale": "Deal hunters leave when prices normalize",
      "confounders": ["price_sensitivity"],
      "mediators": [],
      "moderators": [],
      "test_methods": ["regression_adjustment"],
      "likelihood": "medium"
    },
    {
      "cause": "signup_weekday",
      "effect": "churn_30d",
      "mechanism": "Weekend signups churn more due to increased impulse purchases",
      "rationale": "Speculative",
      "confounders": [],
      "mediators": [],
      "moderators": [],
      "test_methods": ["regression_adjustment"],
      "likelihood": "low"
    }
  ]
}`},
		ClassificationResponse: `{
  "classifications": [
    {"variable": "price_sensitivity", "role": "confounder", "reasoning": "drives both discount usage and churn"}
  ]
}`,
	}

	orchestrator := NewOrchestrator(stub)
	data := testkit.NewConfoundedDataset(800, 42)
	opp := models.NewOpportunity(models.OpportunityChurnSpike, "Discount churn", "churn_30d")
	opp.BaselineValue = 0.2
	opp.CurrentValue = 0.35
	opp.SampleSize = 800

	session := orchestrator.Analyze(context.Background(), opp, data, testkit.ConfoundedCatalog(), "")

	require.Equal(t, models.SessionCompleted, session.CurrentStatus())
	assert.Equal(t, 0, session.ValidatedHypothesesCount)
	assert.Zero(t, session.ConfidenceScore)
	for _, h := range session.Hypotheses {
		require.NotNil(t, h.Validated)
		assert.False(t, *h.Validated)
	}

	require.NotNil(t, session.ReasoningChain)
	foundCaveat := false
	for _, caveat := range session.ReasoningChain.Caveats {
		if strings.Contains(caveat, "causal evidence") {
			foundCaveat = true
		}
	}
	assert.True(t, foundCaveat, "expected a no-causal-evidence caveat, got %v", session.ReasoningChain.Caveats)
}

// S3: one valid hypothesis plus three with nonexistent cause columns
func TestScenarioInsufficientHypotheses(t *testing.T) {
	stub := &testkit.StubLLM{
		GenerationResponses: []string{`{
  "hypotheses": [
    {"cause": "late_delivery", "effect": "churn_30d", "mechanism": "Late deliveries increase churn", "confounders": [], "mediators": [], "moderators": [], "test_methods": ["regression_adjustment"], "likelihood": "high"},
    {"cause": "ghost_metric", "effect": "churn_30d", "mechanism": "Phantom signal increases churn", "confounders": [], "mediators": [], "moderators": [], "test_methods": ["regression_adjustment"], "likelihood": "low"},
    {"cause": "missing_column", "effect": "churn_30d", "mechanism": "Another phantom increases churn", "confounders": [], "mediators": [], "moderators": [], "test_methods": ["regression_adjustment"], "likelihood": "low"},
    {"cause": "not_in_dataset", "effect": "churn_30d", "mechanism": "A third phantom increases churn", "confounders": [], "mediators": [], "moderators": [], "test_methods": ["regression_adjustment"], "likelihood": "low"}
  ]
}`},
	}

	orchestrator := NewOrchestrator(stub)
	data := testkit.NewRetentionDataset(600, 42)

	session := orchestrator.Analyze(context.Background(),
		newRetentionOpportunity(), data, testkit.RetentionCatalog(), "")

	assert.Equal(t, models.SessionFailed, session.CurrentStatus())
	assert.Contains(t, session.ErrorMessage, "fewer than 2")
	assert.Equal(t, StageGeneration, session.FailedStage)
	assert.Nil(t, session.ReasoningChain)
}

// S4: LLM returns non-JSON twice then valid JSON; two retries, session completes
func TestScenarioSchemaFailureThenRecovery(t *testing.T) {
	stub := newRetentionStub()
	stub.GenerationResponses = []string{
		"I think the churn is probably caused by deliveries",
		"```\nstill not parseable\n```",
		retentionGeneration,
	}

	orchestrator := NewOrchestrator(stub)
	data := testkit.NewRetentionDataset(600, 42)

	session := orchestrator.Analyze(context.Background(),
		newRetentionOpportunity(), data, testkit.RetentionCatalog(), "")

	assert.Equal(t, models.SessionCompleted, session.CurrentStatus())
	assert.Equal(t, 3, stub.GenerationCalls, "expected exactly two retries after the first attempt")
}

// S4b: persistent schema failure fails the session at the generation stage
func TestScenarioSchemaFailureExhausted(t *testing.T) {
	stub := &testkit.StubLLM{GenerationResponses: []string{"not json", "not json", "not json"}}
	orchestrator := NewOrchestrator(stub)
	data := testkit.NewRetentionDataset(600, 42)

	session := orchestrator.Analyze(context.Background(),
		newRetentionOpportunity(), data, testkit.RetentionCatalog(), "")

	assert.Equal(t, models.SessionFailed, session.CurrentStatus())
	assert.Equal(t, StageGeneration, session.FailedStage)
}

// S5: cancel flag set after the generator returns
func TestScenarioCancellationMidPipeline(t *testing.T) {
	stub := newRetentionStub()
	orchestrator := NewOrchestrator(stub)
	cancel := &CancelFlag{}
	orchestrator.Emit = func(stage string, _ models.SessionSnapshot) {
		if stage == StageGeneration {
			cancel.Cancel()
		}
	}
	data := testkit.NewRetentionDataset(600, 42)

	session := orchestrator.AnalyzeWithCancel(context.Background(),
		newRetentionOpportunity(), data, testkit.RetentionCatalog(), "", cancel)

	assert.Equal(t, models.SessionCancelled, session.CurrentStatus())
	assert.NotEmpty(t, session.Hypotheses)
	assert.Empty(t, session.RecommendedLevers)
	assert.Nil(t, session.ReasoningChain)
}

// Property 6: cancellation before any stage yields no hypotheses and no chain
func TestCancellationBeforeAnyStage(t *testing.T) {
	stub := newRetentionStub()
	orchestrator := NewOrchestrator(stub)
	cancel := &CancelFlag{}
	cancel.Cancel()
	data := testkit.NewRetentionDataset(600, 42)

	session := orchestrator.AnalyzeWithCancel(context.Background(),
		newRetentionOpportunity(), data, testkit.RetentionCatalog(), "", cancel)

	assert.Equal(t, models.SessionCancelled, session.CurrentStatus())
	assert.Empty(t, session.Hypotheses)
	assert.Nil(t, session.ReasoningChain)
	assert.Zero(t, stub.GenerationCalls)
}

// S6: small sample keeps the pipeline alive with warnings and low confidence
func TestScenarioSmallSample(t *testing.T) {
	n := 40
	lateDelivery := make([]float64, n)
	churn := make([]float64, n)
	tenure := make([]float64, n)
	for i := 0; i < n; i++ {
		if i < 14 {
			lateDelivery[i] = 1
			if i%2 == 0 {
				churn[i] = 1
			}
		} else if i%8 == 0 {
			churn[i] = 1
		}
		tenure[i] = float64(i%7) + 1
	}
	data := dataset.NewTable(n)
	require.NoError(t, data.AddNumeric("late_delivery", lateDelivery))
	require.NoError(t, data.AddNumeric("churn_30d", churn))
	require.NoError(t, data.AddNumeric("tenure_months", tenure))

	stub := &testkit.StubLLM{
		GenerationResponses: []string{`{
  "hypotheses": [
    {"cause": "late_delivery", "effect": "churn_30d", "mechanism": "Late deliveries increase churn", "confounders": ["tenure_months"], "mediators": [], "moderators": [], "test_methods": ["propensity_matching", "regression_adjustment"], "likelihood": "high"},
    {"cause": "tenure_months", "effect": "churn_30d", "mechanism": "Short tenure increases churn", "confounders": [], "mediators": [], "moderators": [], "test_methods": ["regression_adjustment"], "likelihood": "low"}
  ]
}`},
	}

	orchestrator := NewOrchestrator(stub)
	opp := models.NewOpportunity(models.OpportunityChurnSpike, "Small cohort spike", "churn_30d")
	opp.BaselineValue = 0.1
	opp.CurrentValue = 0.3
	opp.SampleSize = n

	catalog := dataset.Catalog{
		{Name: "late_delivery", SemanticType: "binary"},
		{Name: "tenure_months", SemanticType: "continuous"},
		{Name: "churn_30d", SemanticType: "binary"},
	}
	session := orchestrator.Analyze(context.Background(), opp, data, catalog, "")

	require.Equal(t, models.SessionCompleted, session.CurrentStatus())
	assert.LessOrEqual(t, session.ConfidenceScore, 0.5)

	matchWarning := false
	for _, r := range session.Hypotheses[0].TestResults {
		if r.Method != models.MethodPropensityMatching {
			continue
		}
		for _, w := range r.Warnings {
			if strings.Contains(w, "fewer than 30 matched pairs") {
				matchWarning = true
			}
		}
	}
	assert.True(t, matchWarning, "expected matched-pairs warning on the propensity result")

	// Regression still ran despite the small sample
	regressionRan := false
	for _, r := range session.Hypotheses[0].TestResults {
		if r.Method == models.MethodRegressionAdjustment && !r.Skipped() {
			regressionRan = true
		}
	}
	assert.True(t, regressionRan)

	require.NotNil(t, session.ReasoningChain)
	sampleCaveat := false
	for _, caveat := range session.ReasoningChain.Caveats {
		if strings.Contains(caveat, "sample size") {
			sampleCaveat = true
		}
	}
	assert.True(t, sampleCaveat, "expected a sample-size caveat, got %v", session.ReasoningChain.Caveats)
}

// Property 5: the pipeline is idempotent modulo ids and timestamps
func TestPipelineIdempotence(t *testing.T) {
	run := func() models.SessionSnapshot {
		orchestrator := NewOrchestrator(newRetentionStub())
		data := testkit.NewRetentionDataset(600, 42)
		opp := newRetentionOpportunity()
		opp.ID = core.ID("opportunity-fixed")
		session := orchestrator.Analyze(context.Background(), opp, data, testkit.RetentionCatalog(), "ctx")
		return session.Snapshot()
	}

	first := normalizeSnapshot(t, run())
	second := normalizeSnapshot(t, run())
	assert.JSONEq(t, first, second)
}

// normalizeSnapshot strips ids and timestamps so runs can be compared byte-wise
func normalizeSnapshot(t *testing.T, snap models.SessionSnapshot) string {
	t.Helper()
	snap.ID = ""
	snap.StartedAt = time.Time{}
	snap.CompletedAt = nil
	for i := range snap.Hypotheses {
		h := &snap.Hypotheses[i]
		h.ID = ""
		h.SessionID = ""
		for j := range h.TestResults {
			h.TestResults[j].ID = ""
			h.TestResults[j].HypothesisID = ""
		}
		if h.CausalStructure != nil {
			h.CausalStructure.HypothesisID = ""
		}
	}
	for i := range snap.RecommendedLevers {
		snap.RecommendedLevers[i].ID = ""
	}
	payload, err := json.Marshal(snap)
	require.NoError(t, err)
	return string(payload)
}

// Property 7: every surviving hypothesis references dataset columns
func TestFeatureCatalogCompliance(t *testing.T) {
	orchestrator := NewOrchestrator(newRetentionStub())
	data := testkit.NewRetentionDataset(600, 42)

	session := orchestrator.Analyze(context.Background(),
		newRetentionOpportunity(), data, testkit.RetentionCatalog(), "")

	require.Equal(t, models.SessionCompleted, session.CurrentStatus())
	for _, h := range session.Hypotheses {
		assert.True(t, data.HasColumn(h.Cause), "cause %q missing from dataset", h.Cause)
		assert.True(t, data.HasColumn(h.Effect), "effect %q missing from dataset", h.Effect)
	}
}

// Property 1: derived counts stay consistent on completed sessions
func TestDerivedCountInvariants(t *testing.T) {
	orchestrator := NewOrchestrator(newRetentionStub())
	data := testkit.NewRetentionDataset(600, 42)

	session := orchestrator.Analyze(context.Background(),
		newRetentionOpportunity(), data, testkit.RetentionCatalog(), "")

	require.Equal(t, models.SessionCompleted, session.CurrentStatus())
	assert.Equal(t, len(session.Hypotheses), session.HypothesesCount)

	validated := 0
	causes := make(map[string]bool)
	for _, h := range session.Hypotheses {
		if h.IsValidated() {
			validated++
			if h.CausalStructure != nil && h.CausalStructure.TrueCause != "" {
				causes[h.CausalStructure.TrueCause] = true
			}
		}
	}
	assert.Equal(t, validated, session.ValidatedHypothesesCount)
	assert.Len(t, session.ValidatedCauses, len(causes))
	for _, cause := range session.ValidatedCauses {
		assert.True(t, causes[cause])
	}
}

// Data quality failures surface before hypothesis generation
func TestDataQualityFailsFast(t *testing.T) {
	stub := newRetentionStub()
	orchestrator := NewOrchestrator(stub)
	data := dataset.NewTable(10)
	require.NoError(t, data.AddNumeric("other", make([]float64, 10)))

	session := orchestrator.Analyze(context.Background(),
		newRetentionOpportunity(), data, nil, "")

	assert.Equal(t, models.SessionFailed, session.CurrentStatus())
	assert.Equal(t, StageProfiling, session.FailedStage)
	assert.Zero(t, stub.GenerationCalls)
}

// Granger declared against cross-sectional data records a skip, not a result
func TestGrangerSkippedWithoutTimeIndex(t *testing.T) {
	stub := newRetentionStub()
	stub.GenerationResponses = []string{`{
  "hypotheses": [
    {"cause": "late_delivery", "effect": "churn_30d", "mechanism": "Late deliveries increase churn", "confounders": [], "mediators": [], "moderators": [], "test_methods": ["granger_causality", "regression_adjustment"], "likelihood": "high"},
    {"cause": "tenure_months", "effect": "churn_30d", "mechanism": "Short tenure increases churn", "confounders": [], "mediators": [], "moderators": [], "test_methods": ["regression_adjustment"], "likelihood": "low"}
  ]
}`}

	orchestrator := NewOrchestrator(stub)
	data := testkit.NewRetentionDataset(600, 42)

	session := orchestrator.Analyze(context.Background(),
		newRetentionOpportunity(), data, testkit.RetentionCatalog(), "")

	require.Equal(t, models.SessionCompleted, session.CurrentStatus())

	var grangerResult *models.TestResult
	for i, r := range session.Hypotheses[0].TestResults {
		if r.Method == models.MethodGrangerCausality {
			grangerResult = &session.Hypotheses[0].TestResults[i]
		}
	}
	require.NotNil(t, grangerResult)
	assert.True(t, grangerResult.Skipped())
	assert.False(t, grangerResult.IsSignificant)
	assert.Equal(t, models.ConfidenceLow, grangerResult.Confidence)

	// Completeness reflects the skipped method
	assert.Less(t, session.CompletenessScore, 1.0)
}
