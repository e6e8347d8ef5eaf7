package ai

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedLLM struct {
	responses []string
	errs      []error
	calls     int
	prompts   []string
}

func (s *scriptedLLM) ChatCompletion(_ context.Context, _, prompt string) (string, error) {
	idx := s.calls
	s.calls++
	s.prompts = append(s.prompts, prompt)
	if idx < len(s.errs) && s.errs[idx] != nil {
		return "", s.errs[idx]
	}
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	return s.responses[idx], nil
}

type payload struct {
	Name  string `json:"name"`
	Score int    `json:"score"`
}

func TestGetJSONResponseParsesCleanJSON(t *testing.T) {
	llm := &scriptedLLM{responses: []string{`{"name": "a", "score": 3}`}}
	client := NewStructuredClient[payload](llm, "system")

	result, err := client.GetJSONResponse(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, "a", result.Name)
	assert.Equal(t, 3, result.Score)
	assert.Equal(t, 1, llm.calls)
}

func TestGetJSONResponseStripsMarkdownFences(t *testing.T) {
	llm := &scriptedLLM{responses: []string{"```json\n{\"name\": \"b\", \"score\": 1}\n```"}}
	client := NewStructuredClient[payload](llm, "system")

	result, err := client.GetJSONResponse(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, "b", result.Name)
}

func TestGetJSONResponseStripsChatterPrefix(t *testing.T) {
	llm := &scriptedLLM{responses: []string{"Here is the object you asked for:\n{\"name\": \"c\", \"score\": 2}"}}
	client := NewStructuredClient[payload](llm, "system")

	result, err := client.GetJSONResponse(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, "c", result.Name)
}

// Two invalid responses then a valid one: the client retries exactly twice
// and the corrective re-prompt carries the validator's message.
func TestGetJSONResponseRetriesWithCorrectiveMessage(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		"this is not json",
		"still not json",
		`{"name": "d", "score": 9}`,
	}}
	client := NewStructuredClient[payload](llm, "system")

	result, err := client.GetJSONResponse(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, "d", result.Name)
	assert.Equal(t, 3, llm.calls)
	assert.Contains(t, llm.prompts[1], "failed validation because")
	assert.Contains(t, llm.prompts[2], "failed validation because")
}

func TestGetJSONResponseExhaustsRetries(t *testing.T) {
	llm := &scriptedLLM{responses: []string{"nope", "nope", "nope"}}
	client := NewStructuredClient[payload](llm, "system")

	_, err := client.GetJSONResponse(context.Background(), "prompt")
	require.Error(t, err)
	assert.Equal(t, 3, llm.calls)
}

func TestGetJSONResponseValidatorRejection(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		`{"name": "", "score": 1}`,
		`{"name": "ok", "score": 1}`,
	}}
	client := NewStructuredClient[payload](llm, "system")
	client.Validate = func(p *payload) error {
		if p.Name == "" {
			return fmt.Errorf("name must not be empty")
		}
		return nil
	}

	result, err := client.GetJSONResponse(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Name)
	assert.Contains(t, llm.prompts[1], "name must not be empty")
}

func TestGetJSONResponseLLMErrorRetries(t *testing.T) {
	llm := &scriptedLLM{
		responses: []string{"", `{"name": "e", "score": 4}`},
		errs:      []error{fmt.Errorf("transient network error"), nil},
	}
	client := NewStructuredClient[payload](llm, "system")

	result, err := client.GetJSONResponse(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, "e", result.Name)
}
