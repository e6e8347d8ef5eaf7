package models

import (
	"fmt"
	"sync"
	"time"

	"retcause/domain/core"
)

// SessionStatus is the lifecycle state of a reasoning session
type SessionStatus string

const (
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
	SessionCancelled  SessionStatus = "cancelled"
)

// Terminal reports whether the status is final
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionCancelled
}

// ReasoningSession is the root record for one end-to-end analysis run.
// It exclusively owns its hypotheses, which own their test results and
// causal structures. Mutated only by the currently active pipeline stage.
type ReasoningSession struct {
	ID            core.SessionID `json:"id"`
	OpportunityID core.ID        `json:"opportunity_id"`
	Status        SessionStatus  `json:"status"`

	Hypotheses               []*Hypothesis `json:"hypotheses"`
	HypothesesCount          int           `json:"hypotheses_count"`
	ValidatedHypothesesCount int           `json:"validated_hypotheses_count"`
	ValidatedCauses          []string      `json:"validated_causes"`

	RecommendedLevers []Lever         `json:"recommended_levers"`
	ReasoningChain    *ReasoningChain `json:"reasoning_chain,omitempty"`

	ConfidenceScore   float64 `json:"confidence_score"`
	CompletenessScore float64 `json:"completeness_score"`
	ErrorMessage      string  `json:"error_message,omitempty"`
	FailedStage       string  `json:"failed_stage,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	mu sync.RWMutex
}

// NewReasoningSession creates an in-progress session for an opportunity
func NewReasoningSession(opportunityID core.ID) *ReasoningSession {
	return &ReasoningSession{
		ID:                core.SessionID(core.NewID()),
		OpportunityID:     opportunityID,
		Status:            SessionInProgress,
		Hypotheses:        make([]*Hypothesis, 0),
		ValidatedCauses:   make([]string, 0),
		RecommendedLevers: make([]Lever, 0),
		StartedAt:         time.Now().UTC(),
	}
}

// SetHypotheses installs the generator's output and updates the derived count
func (s *ReasoningSession) SetHypotheses(hypotheses []*Hypothesis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Status.Terminal() {
		return fmt.Errorf("%w: cannot set hypotheses on %s session", core.ErrSessionTerminal, s.Status)
	}
	s.Hypotheses = hypotheses
	s.HypothesesCount = len(hypotheses)
	return nil
}

// RecomputeValidation refreshes the derived validation fields from the
// hypotheses: validated count, deduplicated true causes, and the confidence
// score (mean structure confidence across validated hypotheses, 0 if none).
func (s *ReasoningSession) RecomputeValidation() {
	s.mu.Lock()
	defer s.mu.Unlock()

	validated := 0
	causes := make([]string, 0)
	seen := make(map[string]bool)
	confidenceSum := 0.0
	confidenceN := 0

	for _, h := range s.Hypotheses {
		if !h.IsValidated() {
			continue
		}
		validated++
		cause := h.Cause
		if h.CausalStructure != nil {
			if h.CausalStructure.TrueCause != "" {
				cause = h.CausalStructure.TrueCause
			}
			confidenceSum += h.CausalStructure.StructureConfidence
			confidenceN++
		}
		if !seen[cause] {
			seen[cause] = true
			causes = append(causes, cause)
		}
	}

	s.ValidatedHypothesesCount = validated
	s.ValidatedCauses = causes
	if confidenceN > 0 {
		s.ConfidenceScore = confidenceSum / float64(confidenceN)
	} else {
		s.ConfidenceScore = 0
	}
}

// SetCompleteness records the fraction of declared test methods that ran
func (s *ReasoningSession) SetCompleteness(score float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	s.CompletenessScore = score
}

// SetLevers installs the estimator's ranked levers
func (s *ReasoningSession) SetLevers(levers []Lever) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RecommendedLevers = levers
}

// SetReasoningChain installs the explanation
func (s *ReasoningSession) SetReasoningChain(chain *ReasoningChain) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ReasoningChain = chain
}

// MarkCompleted transitions to completed; no-op on terminal sessions
func (s *ReasoningSession) MarkCompleted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Status.Terminal() {
		return
	}
	s.Status = SessionCompleted
	now := time.Now().UTC()
	s.CompletedAt = &now
}

// MarkFailed transitions to failed with the stage name and message
func (s *ReasoningSession) MarkFailed(stage, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Status.Terminal() {
		return
	}
	s.Status = SessionFailed
	s.FailedStage = stage
	s.ErrorMessage = message
	now := time.Now().UTC()
	s.CompletedAt = &now
}

// MarkCancelled transitions to cancelled
func (s *ReasoningSession) MarkCancelled() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Status.Terminal() {
		return
	}
	s.Status = SessionCancelled
	now := time.Now().UTC()
	s.CompletedAt = &now
}

// CurrentStatus returns the status under the read lock
func (s *ReasoningSession) CurrentStatus() SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Status
}

// Snapshot produces a deep copy safe to serialize while stages keep mutating
// the live session. Hypotheses and nested records are copied by value.
type SessionSnapshot struct {
	ID                       core.SessionID  `json:"id"`
	OpportunityID            core.ID         `json:"opportunity_id"`
	Status                   SessionStatus   `json:"status"`
	Hypotheses               []Hypothesis    `json:"hypotheses"`
	HypothesesCount          int             `json:"hypotheses_count"`
	ValidatedHypothesesCount int             `json:"validated_hypotheses_count"`
	ValidatedCauses          []string        `json:"validated_causes"`
	RecommendedLevers        []Lever         `json:"recommended_levers"`
	ReasoningChain           *ReasoningChain `json:"reasoning_chain,omitempty"`
	ConfidenceScore          float64         `json:"confidence_score"`
	CompletenessScore        float64         `json:"completeness_score"`
	ErrorMessage             string          `json:"error_message,omitempty"`
	FailedStage              string          `json:"failed_stage,omitempty"`
	StartedAt                time.Time       `json:"started_at"`
	CompletedAt              *time.Time      `json:"completed_at,omitempty"`
}

// Snapshot returns a point-in-time copy of the session
func (s *ReasoningSession) Snapshot() SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := SessionSnapshot{
		ID:                       s.ID,
		OpportunityID:            s.OpportunityID,
		Status:                   s.Status,
		HypothesesCount:          s.HypothesesCount,
		ValidatedHypothesesCount: s.ValidatedHypothesesCount,
		ValidatedCauses:          append([]string(nil), s.ValidatedCauses...),
		RecommendedLevers:        append([]Lever(nil), s.RecommendedLevers...),
		ConfidenceScore:          s.ConfidenceScore,
		CompletenessScore:        s.CompletenessScore,
		ErrorMessage:             s.ErrorMessage,
		FailedStage:              s.FailedStage,
		StartedAt:                s.StartedAt,
	}
	if s.CompletedAt != nil {
		completed := *s.CompletedAt
		snap.CompletedAt = &completed
	}
	if s.ReasoningChain != nil {
		chain := *s.ReasoningChain
		chain.Steps = append([]ReasoningStep(nil), s.ReasoningChain.Steps...)
		chain.SecondaryLevers = append([]string(nil), s.ReasoningChain.SecondaryLevers...)
		chain.Caveats = append([]string(nil), s.ReasoningChain.Caveats...)
		snap.ReasoningChain = &chain
	}
	snap.Hypotheses = make([]Hypothesis, 0, len(s.Hypotheses))
	for _, h := range s.Hypotheses {
		copied := *h
		copied.Confounders = append([]string(nil), h.Confounders...)
		copied.Mediators = append([]string(nil), h.Mediators...)
		copied.Moderators = append([]string(nil), h.Moderators...)
		copied.TestMethods = append([]TestMethod(nil), h.TestMethods...)
		copied.TestResults = append([]TestResult(nil), h.TestResults...)
		if h.Validated != nil {
			verdict := *h.Validated
			copied.Validated = &verdict
		}
		if h.CausalStructure != nil {
			structure := *h.CausalStructure
			structure.Mediators = append([]string(nil), h.CausalStructure.Mediators...)
			structure.Confounders = append([]string(nil), h.CausalStructure.Confounders...)
			structure.Colliders = append([]string(nil), h.CausalStructure.Colliders...)
			structure.Nodes = append([]DAGNode(nil), h.CausalStructure.Nodes...)
			structure.Edges = append([]DAGEdge(nil), h.CausalStructure.Edges...)
			copied.CausalStructure = &structure
		}
		snap.Hypotheses = append(snap.Hypotheses, copied)
	}
	return snap
}
