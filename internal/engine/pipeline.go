package engine

import (
	"context"
	"log"
	"sync/atomic"

	"retcause/internal/dataset"
	"retcause/internal/profile"
	"retcause/internal/stats"
	"retcause/models"
	"retcause/ports"
)

// Stage names used in snapshots and failure envelopes
const (
	StageProfiling   = "data_profiling"
	StageGeneration  = "hypothesis_generation"
	StageConfounders = "confounder_analysis"
	StageTesting     = "causal_testing"
	StageLevers      = "lever_estimation"
	StageExplanation = "explanation"
	StageComplete    = "complete"
)

// CancelFlag is the session-scoped cancellation signal. It is checked between
// stages only; in-flight stages run to completion.
type CancelFlag struct {
	cancelled atomic.Bool
}

// Cancel requests cancellation at the next stage boundary
func (c *CancelFlag) Cancel() {
	c.cancelled.Store(true)
}

// Cancelled reports whether cancellation was requested
func (c *CancelFlag) Cancelled() bool {
	return c.cancelled.Load()
}

// SnapshotFunc receives a session snapshot after each stage boundary
type SnapshotFunc func(stage string, snapshot models.SessionSnapshot)

// Orchestrator threads a reasoning session through the five pipeline stages,
// enforcing order and translating stage failures into terminal session state.
// There is no orchestrator-level retry; retries live inside the stages.
type Orchestrator struct {
	profiler  *profile.Profiler
	generator *HypothesisGenerator
	analyzer  *ConfounderAnalyzer
	tester    *CausalTester
	estimator *LeverEstimator
	explainer *ExplanationGenerator

	// Emit streams snapshots to the HTTP layer; nil disables streaming
	Emit SnapshotFunc
}

// NewOrchestrator wires the full pipeline against one LLM client
func NewOrchestrator(llm ports.LLMClient) *Orchestrator {
	return &Orchestrator{
		profiler:  profile.NewProfiler(),
		generator: NewHypothesisGenerator(llm),
		analyzer:  NewConfounderAnalyzer(llm),
		tester:    NewCausalTester(stats.NewKernel()),
		estimator: NewLeverEstimator(),
		explainer: NewExplanationGenerator(llm),
	}
}

// NewOrchestratorWithKernel allows a custom kernel (alpha, budgets)
func NewOrchestratorWithKernel(llm ports.LLMClient, kernel *stats.Kernel) *Orchestrator {
	o := NewOrchestrator(llm)
	o.tester = NewCausalTester(kernel)
	return o
}

// Analyze runs the pipeline without external cancellation
func (o *Orchestrator) Analyze(
	ctx context.Context,
	opportunity models.Opportunity,
	data *dataset.Table,
	catalog dataset.Catalog,
	businessContext string,
) *models.ReasoningSession {
	return o.AnalyzeWithCancel(ctx, opportunity, data, catalog, businessContext, &CancelFlag{})
}

// AnalyzeWithCancel runs the pipeline, honoring the cancel flag at stage
// boundaries. It always returns a session in a terminal state.
func (o *Orchestrator) AnalyzeWithCancel(
	ctx context.Context,
	opportunity models.Opportunity,
	data *dataset.Table,
	catalog dataset.Catalog,
	businessContext string,
	cancel *CancelFlag,
) *models.ReasoningSession {
	session := models.NewReasoningSession(opportunity.ID)
	log.Printf("[Orchestrator] Starting session %s for opportunity %s", session.ID, opportunity.ID)

	if err := opportunity.Validate(); err != nil {
		session.MarkFailed(StageProfiling, err.Error())
		o.emit(StageComplete, session)
		return session
	}

	// Data profiling gates every later stage on data quality
	if o.checkCancelled(session, cancel, ctx) {
		return session
	}
	prof, err := o.profiler.BuildProfile(data, catalog, opportunity.MetricName)
	if err != nil {
		log.Printf("[Orchestrator] Data quality failure: %v", err)
		session.MarkFailed(StageProfiling, err.Error())
		o.emit(StageComplete, session)
		return session
	}
	o.emit(StageProfiling, session)

	// Stage 1: hypothesis generation
	if o.checkCancelled(session, cancel, ctx) {
		return session
	}
	hypotheses, warnings, err := o.generator.Generate(ctx, opportunity, prof, data, session.ID, businessContext)
	for _, w := range warnings {
		log.Printf("[Orchestrator] generator: %s", w)
	}
	if err != nil {
		session.MarkFailed(StageGeneration, err.Error())
		o.emit(StageComplete, session)
		return session
	}
	if err := session.SetHypotheses(hypotheses); err != nil {
		session.MarkFailed(StageGeneration, err.Error())
		o.emit(StageComplete, session)
		return session
	}
	o.emit(StageGeneration, session)

	// Stage 2: confounder analysis
	if o.checkCancelled(session, cancel, ctx) {
		return session
	}
	for _, h := range hypotheses {
		if err := o.analyzer.Analyze(ctx, h, prof, data); err != nil {
			session.MarkFailed(StageConfounders, err.Error())
			o.emit(StageComplete, session)
			return session
		}
	}
	o.emit(StageConfounders, session)

	// Stage 3: causal testing
	if o.checkCancelled(session, cancel, ctx) {
		return session
	}
	completeness, err := o.tester.TestAll(ctx, hypotheses, data, prof)
	if err != nil {
		session.MarkFailed(StageTesting, err.Error())
		o.emit(StageComplete, session)
		return session
	}
	session.SetCompleteness(completeness)
	session.RecomputeValidation()
	o.emit(StageTesting, session)

	// Stage 4: lever estimation
	if o.checkCancelled(session, cancel, ctx) {
		return session
	}
	levers := o.estimator.Estimate(hypotheses)
	session.SetLevers(levers)
	o.emit(StageLevers, session)

	// Stage 5: explanation (never fails; deterministic fallback)
	if o.checkCancelled(session, cancel, ctx) {
		return session
	}
	chain := o.explainer.Explain(ctx, opportunity, hypotheses, levers, prof)
	session.SetReasoningChain(chain)
	o.emit(StageExplanation, session)

	session.MarkCompleted()
	o.emit(StageComplete, session)
	log.Printf("[Orchestrator] Session %s completed: %d/%d hypotheses validated",
		session.ID, session.ValidatedHypothesesCount, session.HypothesesCount)
	return session
}

// checkCancelled transitions to cancelled at a stage boundary when either the
// flag is set or the caller's context is done
func (o *Orchestrator) checkCancelled(session *models.ReasoningSession, cancel *CancelFlag, ctx context.Context) bool {
	if cancel.Cancelled() || ctx.Err() != nil {
		log.Printf("[Orchestrator] Session %s cancelled", session.ID)
		session.MarkCancelled()
		o.emit(StageComplete, session)
		return true
	}
	return false
}

func (o *Orchestrator) emit(stage string, session *models.ReasoningSession) {
	if o.Emit == nil {
		return
	}
	o.Emit(stage, session.Snapshot())
}
