package ports

import "context"

// LLMClient is the single capability the engine needs from an LLM provider:
// given a structured prompt, return text expected to contain one JSON object
// matching the requested schema. Implementations set their own model and
// temperature defaults; the engine supplies the timeout via ctx.
type LLMClient interface {
	ChatCompletion(ctx context.Context, systemMessage, prompt string) (string, error)
}
