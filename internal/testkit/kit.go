package testkit

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"

	"retcause/internal/dataset"
)

// Synthetic retention datasets with known causal structure, used by the
// engine and kernel test suites.

// RetentionCatalog is the feature catalog matching the synthetic datasets
func RetentionCatalog() dataset.Catalog {
	return dataset.Catalog{
		{Name: "late_delivery", SemanticType: "binary", Description: "first order delivered late"},
		{Name: "low_onboarding_engagement", SemanticType: "binary", Description: "skipped onboarding flow"},
		{Name: "support_tickets", SemanticType: "continuous", Description: "tickets in first 30 days"},
		{Name: "tenure_months", SemanticType: "continuous", Description: "months since signup"},
		{Name: "channel", SemanticType: "categorical", Description: "acquisition channel"},
		{Name: "churn_30d", SemanticType: "binary", Description: "churned within 30 days"},
	}
}

// NewRetentionDataset builds n rows with an honest causal chain
// late_delivery → low_onboarding_engagement → churn_30d, where the indirect
// path carries most of the effect.
func NewRetentionDataset(n int, seed int64) *dataset.Table {
	rng := rand.New(rand.NewSource(seed))

	lateDelivery := make([]float64, n)
	lowOnboarding := make([]float64, n)
	supportTickets := make([]float64, n)
	tenure := make([]float64, n)
	channel := make([]string, n)
	churn := make([]float64, n)

	channels := []string{"Referral", "Paid", "Organic"}
	for i := 0; i < n; i++ {
		lateDelivery[i] = bernoulli(rng, 0.3)
		// Mediator driven strongly by the treatment
		pOnboarding := 0.15 + 0.55*lateDelivery[i]
		lowOnboarding[i] = bernoulli(rng, pOnboarding)
		// Outcome driven mostly through the mediator
		pChurn := 0.08 + 0.45*lowOnboarding[i] + 0.04*lateDelivery[i]
		churn[i] = bernoulli(rng, pChurn)

		supportTickets[i] = float64(rng.Intn(5)) + 2*lateDelivery[i]
		tenure[i] = 1 + rng.Float64()*24
		channel[i] = channels[rng.Intn(len(channels))]
	}

	t := dataset.NewTable(n)
	t.AddNumeric("late_delivery", lateDelivery)
	t.AddNumeric("low_onboarding_engagement", lowOnboarding)
	t.AddNumeric("support_tickets", supportTickets)
	t.AddNumeric("tenure_months", tenure)
	t.AddCategorical("channel", channel)
	t.AddNumeric("churn_30d", churn)
	return t
}

// NewConfoundedDataset builds rows where candidate cause A and churn are both
// driven by confounder C, while A has no effect of its own.
func NewConfoundedDataset(n int, seed int64) *dataset.Table {
	rng := rand.New(rand.NewSource(seed))

	confounder := make([]float64, n)
	candidate := make([]float64, n)
	weekday := make([]float64, n)
	churn := make([]float64, n)

	for i := 0; i < n; i++ {
		confounder[i] = bernoulli(rng, 0.5)
		candidate[i] = bernoulli(rng, 0.15+0.6*confounder[i])
		weekday[i] = float64(rng.Intn(7))
		churn[i] = bernoulli(rng, 0.12+0.4*confounder[i])
	}

	t := dataset.NewTable(n)
	t.AddNumeric("heavy_discount_usage", candidate)
	t.AddNumeric("price_sensitivity", confounder)
	t.AddNumeric("signup_weekday", weekday)
	t.AddNumeric("churn_30d", churn)
	return t
}

// ConfoundedCatalog matches NewConfoundedDataset
func ConfoundedCatalog() dataset.Catalog {
	return dataset.Catalog{
		{Name: "heavy_discount_usage", SemanticType: "binary"},
		{Name: "price_sensitivity", SemanticType: "binary"},
		{Name: "signup_weekday", SemanticType: "ordinal"},
		{Name: "churn_30d", SemanticType: "binary"},
	}
}

func bernoulli(rng *rand.Rand, p float64) float64 {
	if rng.Float64() < p {
		return 1
	}
	return 0
}

// StubLLM is a deterministic ports.LLMClient for tests. It dispatches on the
// system message of each call: hypothesis generation responses are consumed
// in order (supporting retry scenarios); classification and explanation
// calls return fixed payloads.
type StubLLM struct {
	mu sync.Mutex

	GenerationResponses    []string
	ClassificationResponse string
	ExplanationResponse    string

	GenerationCalls     int
	ClassificationCalls int
	ExplanationCalls    int
}

// ChatCompletion returns the scripted response for the calling stage
func (s *StubLLM) ChatCompletion(_ context.Context, systemMessage, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case strings.Contains(systemMessage, "causal reasoning analyst"):
		idx := s.GenerationCalls
		s.GenerationCalls++
		if len(s.GenerationResponses) == 0 {
			return "", fmt.Errorf("stub has no generation responses")
		}
		if idx >= len(s.GenerationResponses) {
			idx = len(s.GenerationResponses) - 1
		}
		return s.GenerationResponses[idx], nil

	case strings.Contains(systemMessage, "causal structure analyst"):
		s.ClassificationCalls++
		if s.ClassificationResponse == "" {
			return `{"classifications": []}`, nil
		}
		return s.ClassificationResponse, nil

	case strings.Contains(systemMessage, "retention analyst"):
		s.ExplanationCalls++
		if s.ExplanationResponse == "" {
			return `{"conclusion": "", "step_reasonings": []}`, nil
		}
		return s.ExplanationResponse, nil

	default:
		return "", fmt.Errorf("stub received unknown system message")
	}
}
