package ai

import (
	"fmt"
	"strings"
)

// Prompt templates use {placeholder} markers filled by RenderPrompt.

const HypothesisGenerationSystem = `You are a causal reasoning analyst for customer retention.
Given an observed retention deviation and a feature catalog, propose testable causal hypotheses.
Respond ONLY with a JSON object matching the requested schema.`

const hypothesisGenerationTemplate = `{opportunity}

FEATURE CATALOG (the only columns you may reference):
{feature_catalog}

{business_context}

Propose between {min_hypotheses} and {max_hypotheses} causal hypotheses explaining the deviation.
Rules:
- "cause" must be a column name from the catalog; "effect" must be "{outcome}".
- "mechanism" is one sentence describing how the cause drives the effect.
- "confounders" and "mediators" must be column names from the catalog.
- "test_methods" is a non-empty subset of: {test_methods}.
- "likelihood" is one of: low, medium, high.
- No two hypotheses may share the same (cause, effect) pair.

Respond with a JSON object of this exact shape:
{
  "hypotheses": [
    {
      "cause": "<column>",
      "effect": "{outcome}",
      "mechanism": "<sentence>",
      "rationale": "<why this is plausible>",
      "confounders": ["<column>", ...],
      "mediators": ["<column>", ...],
      "moderators": [],
      "test_methods": ["<method>", ...],
      "likelihood": "low|medium|high"
    }
  ]
}`

const ConfounderClassificationSystem = `You are a causal structure analyst.
Classify candidate variables by their role relative to a cause-effect pair.
Respond ONLY with a JSON object matching the requested schema.`

const confounderClassificationTemplate = `Hypothesis under analysis: {cause} → {effect}
Mechanism: {mechanism}

Candidate variables with their data profiles:
{candidates}

Classify EVERY candidate into exactly one role:
- "confounder": influences both {cause} and {effect}
- "mediator": lies on the causal path from {cause} to {effect}
- "collider": is caused by both {cause} and {effect}
- "irrelevant": none of the above

Respond with a JSON object of this exact shape:
{
  "classifications": [
    {"variable": "<column>", "role": "confounder|mediator|collider|irrelevant", "reasoning": "<sentence>"}
  ]
}`

const ExplanationSystem = `You are a retention analyst writing for a business audience.
Summarize validated causal findings into a short reasoning narrative.
Respond ONLY with a JSON object matching the requested schema.`

const explanationTemplate = `{opportunity}

Validated findings:
{findings}

Ranked intervention levers:
{levers}

Write a reasoning narrative. Respond with a JSON object of this exact shape:
{
  "conclusion": "<two sentences naming the top lever and its expected impact>",
  "step_reasonings": [
    {"claim": "<claim of step N>", "reasoning": "<one sentence of business interpretation>"}
  ]
}`

// RenderPrompt replaces {placeholder} markers with values
func RenderPrompt(template string, replacements map[string]string) string {
	result := template
	for placeholder, value := range replacements {
		result = strings.ReplaceAll(result, "{"+placeholder+"}", value)
	}
	return result
}

// HypothesisGenerationPrompt assembles the generator prompt
func HypothesisGenerationPrompt(opportunity, featureCatalog, businessContext, outcome string, minHyp, maxHyp int, testMethods []string) string {
	contextBlock := ""
	if businessContext != "" {
		contextBlock = "BUSINESS CONTEXT:\n" + businessContext
	}
	return RenderPrompt(hypothesisGenerationTemplate, map[string]string{
		"opportunity":      opportunity,
		"feature_catalog":  featureCatalog,
		"business_context": contextBlock,
		"outcome":          outcome,
		"min_hypotheses":   fmt.Sprintf("%d", minHyp),
		"max_hypotheses":   fmt.Sprintf("%d", maxHyp),
		"test_methods":     strings.Join(testMethods, ", "),
	})
}

// ConfounderClassificationPrompt assembles the analyzer prompt
func ConfounderClassificationPrompt(cause, effect, mechanism, candidates string) string {
	return RenderPrompt(confounderClassificationTemplate, map[string]string{
		"cause":      cause,
		"effect":     effect,
		"mechanism":  mechanism,
		"candidates": candidates,
	})
}

// ExplanationPrompt assembles the explanation prompt
func ExplanationPrompt(opportunity, findings, levers string) string {
	return RenderPrompt(explanationTemplate, map[string]string{
		"opportunity": opportunity,
		"findings":    findings,
		"levers":      levers,
	})
}
