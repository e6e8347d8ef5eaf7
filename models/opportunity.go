package models

import (
	"fmt"
	"sort"
	"strings"

	"retcause/domain/core"
)

// OpportunityType categorizes the observed retention deviation
type OpportunityType string

const (
	OpportunityChurnSpike        OpportunityType = "churn_spike"
	OpportunityRetentionDrop     OpportunityType = "retention_drop"
	OpportunityEngagementDecline OpportunityType = "engagement_decline"
	OpportunityCustom            OpportunityType = "custom"
)

// Severity grades how urgent an opportunity is
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Opportunity is an observed deviation in a retention metric for some cohort.
// Created by the caller and never mutated by the engine.
type Opportunity struct {
	ID             core.ID           `json:"id"`
	Type           OpportunityType   `json:"type"`
	Title          string            `json:"title"`
	Description    string            `json:"description"`
	AffectedCohort map[string]string `json:"affected_cohort"`
	MetricName     string            `json:"metric_name"`
	BaselineValue  float64           `json:"baseline_value"`
	CurrentValue   float64           `json:"current_value"`
	SampleSize     int               `json:"sample_size"`
	Severity       Severity          `json:"severity"`
}

// NewOpportunity constructs an opportunity with a fresh id
func NewOpportunity(oppType OpportunityType, title, metricName string) Opportunity {
	return Opportunity{
		ID:             core.NewID(),
		Type:           oppType,
		Title:          title,
		MetricName:     metricName,
		AffectedCohort: map[string]string{},
		Severity:       SeverityMedium,
	}
}

// Validate checks structural requirements on the opportunity
func (o Opportunity) Validate() error {
	if o.ID.IsEmpty() {
		return fmt.Errorf("opportunity id is required")
	}
	if o.MetricName == "" {
		return fmt.Errorf("opportunity metric name is required")
	}
	switch o.Type {
	case OpportunityChurnSpike, OpportunityRetentionDrop, OpportunityEngagementDecline, OpportunityCustom:
	default:
		return fmt.Errorf("unknown opportunity type %q", o.Type)
	}
	return nil
}

// Deviation returns the absolute change of the metric against its baseline
func (o Opportunity) Deviation() float64 {
	return o.CurrentValue - o.BaselineValue
}

// RelativeDeviation returns the change as a fraction of the baseline
func (o Opportunity) RelativeDeviation() float64 {
	if o.BaselineValue == 0 {
		return 0
	}
	return (o.CurrentValue - o.BaselineValue) / o.BaselineValue
}

// CohortString renders the affected cohort as "dim=value, ..." with stable ordering
func (o Opportunity) CohortString() string {
	if len(o.AffectedCohort) == 0 {
		return "all customers"
	}
	keys := make([]string, 0, len(o.AffectedCohort))
	for k := range o.AffectedCohort {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, o.AffectedCohort[k]))
	}
	return strings.Join(parts, ", ")
}

// ContextString renders the opportunity for prompt injection
func (o Opportunity) ContextString() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Opportunity: %s (%s, severity=%s)\n", o.Title, o.Type, o.Severity)
	if o.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", o.Description)
	}
	fmt.Fprintf(&b, "Metric: %s moved from %.4f to %.4f (n=%d)\n",
		o.MetricName, o.BaselineValue, o.CurrentValue, o.SampleSize)
	fmt.Fprintf(&b, "Affected cohort: %s", o.CohortString())
	return b.String()
}
