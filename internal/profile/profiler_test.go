package profile

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retcause/domain/core"
	"retcause/internal/dataset"
)

func buildTable(t *testing.T) *dataset.Table {
	t.Helper()
	n := 100
	churn := make([]float64, n)
	tickets := make([]float64, n)
	plan := make([]string, n)
	rating := make([]float64, n)
	for i := 0; i < n; i++ {
		if i%4 == 0 {
			churn[i] = 1
		}
		tickets[i] = float64(i % 7)
		if i%2 == 0 {
			plan[i] = "pro"
		} else {
			plan[i] = "basic"
		}
		if i%10 == 0 {
			rating[i] = math.NaN()
		} else {
			rating[i] = float64(i%50) + 0.5
		}
	}
	table := dataset.NewTable(n)
	require.NoError(t, table.AddNumeric("churn_30d", churn))
	require.NoError(t, table.AddNumeric("support_tickets", tickets))
	require.NoError(t, table.AddCategorical("plan", plan))
	require.NoError(t, table.AddNumeric("rating", rating))
	return table
}

func testCatalog() dataset.Catalog {
	return dataset.Catalog{
		{Name: "support_tickets", SemanticType: "continuous"},
		{Name: "plan", SemanticType: "categorical"},
		{Name: "rating", SemanticType: "continuous"},
	}
}

func TestBuildProfileTypesColumns(t *testing.T) {
	p := NewProfiler()
	prof, err := p.BuildProfile(buildTable(t), testCatalog(), "churn_30d")
	require.NoError(t, err)

	assert.Equal(t, 100, prof.SampleSize)
	assert.Equal(t, "churn_30d", prof.OutcomeColumn)
	assert.False(t, prof.HasTimeIndex)

	churn, ok := prof.Column("churn_30d")
	require.True(t, ok)
	assert.Equal(t, TypeBinary, churn.SemanticType)
	assert.InDelta(t, 0.25, churn.Prevalence, 1e-9)

	tickets, ok := prof.Column("support_tickets")
	require.True(t, ok)
	assert.Equal(t, TypeOrdinal, tickets.SemanticType)

	plan, ok := prof.Column("plan")
	require.True(t, ok)
	assert.Equal(t, TypeCategorical, plan.SemanticType)
	assert.Equal(t, 2, plan.Cardinality)

	rating, ok := prof.Column("rating")
	require.True(t, ok)
	assert.Equal(t, TypeContinuous, rating.SemanticType)
	assert.InDelta(t, 0.1, rating.Missingness, 1e-9)
}

func TestBuildProfileMissingOutcome(t *testing.T) {
	p := NewProfiler()
	_, err := p.BuildProfile(buildTable(t), testCatalog(), "nonexistent")
	require.Error(t, err)
	assert.True(t, core.IsDataQualityError(err))
}

func TestBuildProfileDegenerateOutcome(t *testing.T) {
	n := 50
	constant := make([]float64, n)
	table := dataset.NewTable(n)
	require.NoError(t, table.AddNumeric("churn_30d", constant))

	p := NewProfiler()
	_, err := p.BuildProfile(table, nil, "churn_30d")
	require.Error(t, err)
	assert.True(t, core.IsDataQualityError(err))
}

func TestBuildProfileEmptyDataset(t *testing.T) {
	p := NewProfiler()
	_, err := p.BuildProfile(dataset.NewTable(0), nil, "churn_30d")
	require.Error(t, err)
	assert.True(t, core.IsDataQualityError(err))
}

func TestContextStringListsFeatures(t *testing.T) {
	p := NewProfiler()
	prof, err := p.BuildProfile(buildTable(t), testCatalog(), "churn_30d")
	require.NoError(t, err)

	rendered := prof.ContextString()
	assert.Contains(t, rendered, "support_tickets")
	assert.Contains(t, rendered, "plan (categorical, levels=2")
	assert.Contains(t, rendered, "corr_with_outcome")
}
