package testkit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetentionDatasetShape(t *testing.T) {
	data := NewRetentionDataset(200, 1)
	assert.Equal(t, 200, data.NumRows())
	for _, f := range RetentionCatalog() {
		assert.True(t, data.HasColumn(f.Name), "missing column %s", f.Name)
	}
}

func TestRetentionDatasetDeterministic(t *testing.T) {
	a := NewRetentionDataset(100, 7)
	b := NewRetentionDataset(100, 7)
	churnA, _ := a.Numeric("churn_30d")
	churnB, _ := b.Numeric("churn_30d")
	assert.Equal(t, churnA, churnB)
}

func TestRetentionDatasetCarriesMediatedSignal(t *testing.T) {
	data := NewRetentionDataset(2000, 3)
	late, _ := data.Numeric("late_delivery")
	onboarding, _ := data.Numeric("low_onboarding_engagement")

	// P(mediator | treated) should clearly exceed P(mediator | control)
	var treatedRate, controlRate, treated, control float64
	for i := range late {
		if late[i] == 1 {
			treated++
			treatedRate += onboarding[i]
		} else {
			control++
			controlRate += onboarding[i]
		}
	}
	assert.Greater(t, treatedRate/treated, controlRate/control+0.3)
}

func TestStubLLMDispatch(t *testing.T) {
	stub := &StubLLM{GenerationResponses: []string{"first", "second"}}

	out, err := stub.ChatCompletion(context.Background(), "You are a causal reasoning analyst for customer retention.", "p")
	require.NoError(t, err)
	assert.Equal(t, "first", out)

	out, err = stub.ChatCompletion(context.Background(), "You are a causal reasoning analyst for customer retention.", "p")
	require.NoError(t, err)
	assert.Equal(t, "second", out)

	// Past the end of the script the last response repeats
	out, err = stub.ChatCompletion(context.Background(), "You are a causal reasoning analyst for customer retention.", "p")
	require.NoError(t, err)
	assert.Equal(t, "second", out)
	assert.Equal(t, 3, stub.GenerationCalls)

	out, err = stub.ChatCompletion(context.Background(), "You are a causal structure analyst.", "p")
	require.NoError(t, err)
	assert.Equal(t, `{"classifications": []}`, out)
}
