package llm

import "context"

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
	// JSONMode asks the backend for a JSON-object response when supported.
	JSONMode bool `json:"json_mode"`
}

// Completion is one model reply plus the usage needed for cost accounting.
type Completion struct {
	Text             string  `json:"text"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// LLMClient defines the standard interface for any LLM backend.
type LLMClient interface {
	Generate(ctx context.Context, system, prompt string, params GenerationParams) (*Completion, error)
	// Model returns the backend's configured model name.
	Model() string
}
