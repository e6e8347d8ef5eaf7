package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpportunityValidate(t *testing.T) {
	opp := NewOpportunity(OpportunityChurnSpike, "Spike", "churn_30d")
	require.NoError(t, opp.Validate())

	opp.MetricName = ""
	assert.Error(t, opp.Validate())

	bad := NewOpportunity("mystery", "Spike", "churn_30d")
	assert.Error(t, bad.Validate())
}

func TestOpportunityCohortStringStableOrder(t *testing.T) {
	opp := NewOpportunity(OpportunityChurnSpike, "Spike", "churn_30d")
	opp.AffectedCohort = map[string]string{
		"plan":    "pro",
		"channel": "Referral",
	}
	// Keys render sorted regardless of map order
	assert.Equal(t, "channel=Referral, plan=pro", opp.CohortString())

	empty := NewOpportunity(OpportunityChurnSpike, "Spike", "churn_30d")
	assert.Equal(t, "all customers", empty.CohortString())
}

func TestOpportunityDeviation(t *testing.T) {
	opp := NewOpportunity(OpportunityChurnSpike, "Spike", "churn_30d")
	opp.BaselineValue = 0.15
	opp.CurrentValue = 0.32
	assert.InDelta(t, 0.17, opp.Deviation(), 1e-9)
	assert.InDelta(t, 0.17/0.15, opp.RelativeDeviation(), 1e-9)
}

func TestOpportunityContextString(t *testing.T) {
	opp := NewOpportunity(OpportunityChurnSpike, "Referral churn spike", "churn_30d")
	opp.BaselineValue = 0.15
	opp.CurrentValue = 0.32
	opp.SampleSize = 600
	opp.AffectedCohort = map[string]string{"channel": "Referral"}

	rendered := opp.ContextString()
	assert.Contains(t, rendered, "Referral churn spike")
	assert.Contains(t, rendered, "churn_30d")
	assert.Contains(t, rendered, "channel=Referral")
}
