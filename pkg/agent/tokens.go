package agent

import "strings"

// TokenUsage records token consumption for a single provider call.
type TokenUsage struct {
	Model            string  `json:"model,omitempty"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	ReasoningTokens  int64   `json:"reasoning_tokens,omitempty"`
	TotalTokens      int64   `json:"total_tokens"`
	InputCostUSD     float64 `json:"input_cost_usd,omitempty"`
	OutputCostUSD    float64 `json:"output_cost_usd,omitempty"`
	TotalCostUSD     float64 `json:"total_cost_usd,omitempty"`
}

// Add accumulates another call's usage.
func (tu *TokenUsage) Add(other TokenUsage) {
	tu.PromptTokens += other.PromptTokens
	tu.CompletionTokens += other.CompletionTokens
	tu.ReasoningTokens += other.ReasoningTokens
	tu.TotalTokens += other.TotalTokens
	tu.InputCostUSD += other.InputCostUSD
	tu.OutputCostUSD += other.OutputCostUSD
	tu.TotalCostUSD += other.TotalCostUSD
}

// TokenStats tracks cumulative usage across all provider calls.
type TokenStats struct {
	TotalPromptTokens     int64   `json:"total_prompt_tokens"`
	TotalCompletionTokens int64   `json:"total_completion_tokens"`
	TotalReasoningTokens  int64   `json:"total_reasoning_tokens"`
	TotalTokens           int64   `json:"total_tokens"`
	CallCount             int64   `json:"call_count"`
	TotalCostUSD          float64 `json:"total_cost_usd"`
}

// ModelPricing is USD per million tokens.
type ModelPricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// GetModelPricing returns pricing for known models, nil for the rest.
func GetModelPricing(model string) *ModelPricing {
	normalized := strings.ToLower(model)
	normalized = strings.TrimPrefix(normalized, "openai/")

	switch {
	case strings.Contains(normalized, "gpt-5-nano"):
		return &ModelPricing{InputPerMillion: 0.050, OutputPerMillion: 0.400}
	case strings.Contains(normalized, "gpt-5-mini"):
		return &ModelPricing{InputPerMillion: 0.250, OutputPerMillion: 2.000}
	case strings.Contains(normalized, "gpt-5"):
		return &ModelPricing{InputPerMillion: 1.250, OutputPerMillion: 10.000}
	case strings.Contains(normalized, "gpt-4o-mini"):
		return &ModelPricing{InputPerMillion: 0.150, OutputPerMillion: 0.600}
	case strings.Contains(normalized, "gpt-4o"):
		return &ModelPricing{InputPerMillion: 2.500, OutputPerMillion: 10.000}
	default:
		return nil
	}
}

// CalculateCost fills in the cost fields from known pricing. Reasoning
// tokens are billed as output tokens.
func (tu *TokenUsage) CalculateCost() {
	pricing := GetModelPricing(tu.Model)
	if pricing == nil {
		return
	}
	tu.InputCostUSD = float64(tu.PromptTokens) * pricing.InputPerMillion / 1_000_000
	tu.OutputCostUSD = float64(tu.CompletionTokens+tu.ReasoningTokens) * pricing.OutputPerMillion / 1_000_000
	tu.TotalCostUSD = tu.InputCostUSD + tu.OutputCostUSD
}
