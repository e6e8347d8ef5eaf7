package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"retcause/ports"
)

// StructuredClient provides typed JSON responses from LLM calls, with schema
// validation and a retry loop that feeds the validator's error back to the
// model as a corrective message.
type StructuredClient[T any] struct {
	LLMClient     ports.LLMClient
	SystemContext string
	MaxRetries    int           // corrective retries after the first attempt, default 2
	CallTimeout   time.Duration // hard timeout per LLM call, default 30s
	Validate      func(*T) error
}

// NewStructuredClient creates a structured client with default retry and timeout settings
func NewStructuredClient[T any](llm ports.LLMClient, systemContext string) *StructuredClient[T] {
	return &StructuredClient[T]{
		LLMClient:     llm,
		SystemContext: systemContext,
		MaxRetries:    2,
		CallTimeout:   30 * time.Second,
	}
}

// GetJSONResponse makes a typed LLM call, validates the parsed object, and
// retries with a corrective message on parse or validation failure.
func (client *StructuredClient[T]) GetJSONResponse(ctx context.Context, prompt string) (*T, error) {
	retries := client.MaxRetries
	if retries < 0 {
		retries = 0
	}
	timeout := client.CallTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	currentPrompt := prompt
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		raw, err := client.LLMClient.ChatCompletion(callCtx, client.SystemContext, currentPrompt)
		cancel()
		if err != nil {
			log.Printf("[StructuredClient] LLM call failed (attempt %d/%d): %v", attempt+1, retries+1, err)
			lastErr = err
			currentPrompt = prompt
			continue
		}

		content := cleanJSONContent(raw)
		var result T
		if err := json.Unmarshal([]byte(content), &result); err != nil {
			log.Printf("[StructuredClient] JSON parse failed (attempt %d/%d): %v", attempt+1, retries+1, err)
			lastErr = fmt.Errorf("failed to parse JSON content: %w", err)
			currentPrompt = correctivePrompt(prompt, lastErr)
			continue
		}
		if client.Validate != nil {
			if err := client.Validate(&result); err != nil {
				log.Printf("[StructuredClient] Schema validation failed (attempt %d/%d): %v", attempt+1, retries+1, err)
				lastErr = fmt.Errorf("schema validation failed: %w", err)
				currentPrompt = correctivePrompt(prompt, lastErr)
				continue
			}
		}
		return &result, nil
	}
	return nil, fmt.Errorf("LLM output invalid after %d attempts: %w", retries+1, lastErr)
}

// correctivePrompt appends the validator's error so the model can self-repair
func correctivePrompt(prompt string, validationErr error) string {
	return prompt + fmt.Sprintf(
		"\n\nYour previous output failed validation because: %v\nRespond again with ONLY the corrected JSON object.",
		validationErr)
}

// cleanJSONContent removes markdown code blocks and chatter around the JSON
func cleanJSONContent(content string) string {
	content = strings.TrimSpace(content)

	if strings.HasPrefix(content, "```json") && strings.HasSuffix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimSuffix(content, "```")
		content = strings.TrimSpace(content)
	} else if strings.HasPrefix(content, "```") && strings.HasSuffix(content, "```") {
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(content, "```")
		content = strings.TrimSpace(content)
	}

	// Trim prefix chatter before the first JSON object or array
	if !strings.HasPrefix(content, "{") && !strings.HasPrefix(content, "[") {
		if idx := strings.IndexAny(content, "{["); idx > 0 {
			prefix := content[:idx]
			if !strings.ContainsAny(prefix, "{[") {
				content = content[idx:]
			}
		}
	}
	return strings.TrimSpace(content)
}
