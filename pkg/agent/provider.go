package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/zyufoye/vulnhalla/pkg/logging"
)

// Message roles used in the session conversation.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of the session conversation.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// Reply is the model's response to one completion request: either tool
// calls to satisfy or final text.
type Reply struct {
	Content   string
	ToolCalls []ToolCall
	Usage     TokenUsage
}

// Provider abstracts the chat completion endpoint so sessions can be driven
// by a scripted stub in tests.
type Provider interface {
	Complete(ctx context.Context, messages []Message, tools []ToolSpec) (Reply, error)
	Model() string
}

// Config holds the provider configuration.
type Config struct {
	APIKey      string  `json:"api_key"`
	BaseURL     string  `json:"base_url"` // for OpenAI-compatible APIs
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
}

// OpenAIProvider drives sessions against an OpenAI-compatible chat
// completion endpoint.
type OpenAIProvider struct {
	client openai.Client
	config Config
	logger *slog.Logger

	statsMutex sync.Mutex
	tokenStats TokenStats
}

// NewOpenAIProvider creates a provider from config.
func NewOpenAIProvider(config Config) *OpenAIProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
	}
	if config.BaseURL != "" {
		baseURL := config.BaseURL
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &OpenAIProvider{
		client: openai.NewClient(opts...),
		config: config,
		logger: logging.NewLoggerFromEnv(),
	}
}

// Model returns the configured model name.
func (p *OpenAIProvider) Model() string {
	return p.config.Model
}

// Complete sends the conversation plus tool schemas and returns the model's
// reply. Transport failures come back classified for the retry policy.
func (p *OpenAIProvider) Complete(ctx context.Context, messages []Message, tools []ToolSpec) (Reply, error) {
	params := openai.ChatCompletionNewParams{
		Messages: toOpenAIMessages(messages),
		Model:    openai.ChatModel(p.config.Model),
	}
	if len(tools) > 0 {
		params.Tools = toOpenAITools(tools)
	}

	// GPT-5 models reject non-default sampling parameters.
	modelName := strings.ToLower(p.config.Model)
	if !strings.Contains(modelName, "gpt-5") && !strings.Contains(modelName, "gpt5") {
		params.Temperature = openai.Float(p.config.Temperature)
		params.TopP = openai.Float(p.config.TopP)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Reply{}, classifyProviderError(err)
	}
	if len(resp.Choices) == 0 {
		return Reply{}, &ProviderError{Message: "no response choices returned", Retryable: true}
	}

	choice := resp.Choices[0]
	reply := Reply{
		Content: choice.Message.Content,
		Usage:   p.extractTokenUsage(resp),
	}
	for _, tc := range choice.Message.ToolCalls {
		reply.ToolCalls = append(reply.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	if reply.Content == "" && len(reply.ToolCalls) == 0 {
		var refusalInfo string
		if choice.Message.Refusal != "" {
			refusalInfo = fmt.Sprintf(", refusal: %s", choice.Message.Refusal)
		}
		return Reply{}, &ProviderError{
			Message: fmt.Sprintf("empty completion, finish reason: %v%s, response id: %s",
				choice.FinishReason, refusalInfo, resp.ID),
			Retryable: false,
		}
	}

	return reply, nil
}

// GetTokenStats returns cumulative usage across all calls.
func (p *OpenAIProvider) GetTokenStats() TokenStats {
	p.statsMutex.Lock()
	defer p.statsMutex.Unlock()
	return p.tokenStats
}

func (p *OpenAIProvider) extractTokenUsage(resp *openai.ChatCompletion) TokenUsage {
	usage := TokenUsage{
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	if resp.Usage.CompletionTokensDetails.ReasoningTokens > 0 {
		usage.ReasoningTokens = resp.Usage.CompletionTokensDetails.ReasoningTokens
	}
	usage.CalculateCost()

	p.statsMutex.Lock()
	p.tokenStats.TotalPromptTokens += usage.PromptTokens
	p.tokenStats.TotalCompletionTokens += usage.CompletionTokens
	p.tokenStats.TotalReasoningTokens += usage.ReasoningTokens
	p.tokenStats.TotalTokens += usage.TotalTokens
	p.tokenStats.CallCount++
	p.tokenStats.TotalCostUSD += usage.TotalCostUSD
	p.statsMutex.Unlock()

	p.logger.Debug("token usage",
		"component", "provider",
		"model", usage.Model,
		"input_tokens", usage.PromptTokens,
		"output_tokens", usage.CompletionTokens+usage.ReasoningTokens,
		"total_cost_usd", usage.TotalCostUSD)

	return usage
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case RoleUser:
			out = append(out, openai.UserMessage(msg.Content))
		case RoleTool:
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		case RoleAssistant:
			assistant := openai.ChatCompletionAssistantMessageParam{}
			if msg.Content != "" {
				assistant.Content.OfString = openai.String(msg.Content)
			}
			for _, tc := range msg.ToolCalls {
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		}
	}
	return out
}

func toOpenAITools(tools []ToolSpec) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, spec := range tools {
		out = append(out, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        spec.Name,
				Description: openai.String(spec.Description),
				Parameters:  openai.FunctionParameters(spec.Parameters),
			},
		})
	}
	return out
}
