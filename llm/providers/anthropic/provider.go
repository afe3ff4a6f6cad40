// Package anthropic implements the Anthropic native adapter. The Messages
// API differs from the OpenAI-compatible shape: the system prompt is a
// top-level field, content is an array of typed blocks, tool results are
// wrapped in user messages, and authentication uses the x-api-key header.
package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/brianfields/promptflow/config"
	"github.com/brianfields/promptflow/llm"
	"github.com/brianfields/promptflow/llm/providers"
	"github.com/brianfields/promptflow/structured"
	"github.com/brianfields/promptflow/types"
)

// rates prices Anthropic models in USD per million tokens.
var rates = providers.RateTable{
	"claude-3-5-sonnet-20241022": {Input: 3.00, Output: 15.00},
	"claude-3-5-haiku-20241022":  {Input: 0.80, Output: 4.00},
	"claude-3-opus-20240229":     {Input: 15.00, Output: 75.00},
	"claude-3-haiku-20240307":    {Input: 0.25, Output: 1.25},
	"claude-sonnet-4-20250514":   {Input: 3.00, Output: 15.00},
	"claude-opus-4-20250514":     {Input: 15.00, Output: 75.00},
}

// Provider is the Anthropic adapter.
type Provider struct {
	base *providers.Base
	cfg  config.AnthropicConfig
	http *http.Client
}

// New constructs the adapter, failing when no API key is present.
func New(cfg config.AnthropicConfig, deps providers.Deps) (*Provider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, types.NewConfigurationError("anthropic provider is not configured: missing API key")
	}
	return &Provider{
		base: providers.NewBase(llm.ProviderAnthropic, deps),
		cfg:  cfg,
		http: &http.Client{},
	}, nil
}

// Name implements llm.Provider.
func (p *Provider) Name() llm.ProviderType { return llm.ProviderAnthropic }

type wireContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type wireMessage struct {
	Role    string        `json:"role"`
	Content []wireContent `json:"content"`
}

type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	System      string        `json:"system,omitempty"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float32       `json:"temperature,omitempty"`
	Tools       []wireTool    `json:"tools,omitempty"`
}

type wireResponse struct {
	ID         string        `json:"id"`
	Model      string        `json:"model"`
	Content    []wireContent `json:"content"`
	StopReason string        `json:"stop_reason"`
	Usage      *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type wireError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// convertMessages translates canonical messages into the Anthropic wire
// shape: system content is extracted, tool results become user-role
// tool_result blocks, and assistant tool calls become tool_use blocks.
func convertMessages(messages []types.Message) (string, []wireMessage) {
	var system string
	var out []wireMessage

	for _, m := range messages {
		if m.Role == types.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}

		if m.Role == types.RoleTool || m.Role == types.RoleFunction {
			out = append(out, wireMessage{
				Role: "user",
				Content: []wireContent{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
			continue
		}

		wm := wireMessage{Role: string(m.Role)}
		if m.Content != "" {
			wm.Content = append(wm.Content, wireContent{Type: "text", Text: m.Content})
		}
		for _, tc := range m.ToolCalls {
			wm.Content = append(wm.Content, wireContent{
				Type:  "tool_use",
				ID:    tc.ID,
				Name:  tc.Name,
				Input: tc.Arguments,
			})
		}
		if len(wm.Content) > 0 {
			out = append(out, wm)
		}
	}
	return system, out
}

func convertTools(tools []types.ToolSchema) []wireTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]wireTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, wireTool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters})
	}
	return out
}

func (p *Provider) buildRequest(messages []types.Message, opts llm.GenerateOptions) wireRequest {
	system, wireMessages := convertMessages(messages)
	return wireRequest{
		Model:       p.base.ResolveModel(opts),
		Messages:    wireMessages,
		System:      system,
		MaxTokens:   p.base.ResolveMaxTokens(opts),
		Temperature: p.base.ResolveTemperature(opts),
		Tools:       convertTools(opts.Tools),
	}
}

func (p *Provider) headers() map[string]string {
	return map[string]string{
		"x-api-key":         p.cfg.APIKey,
		"anthropic-version": p.cfg.Version,
	}
}

func (p *Provider) complete(ctx context.Context, req wireRequest) (*llm.Response, error) {
	url := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/messages"
	data, status, header, err := p.base.PostJSON(ctx, p.http, url, p.headers(), req)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, mapError(status, data, header.Get("retry-after"))
	}

	var wire wireResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, types.NewProviderError("malformed response body", http.StatusBadGateway).WithRetryable(true).WithCause(err)
	}

	resp := &llm.Response{
		Model:              wire.Model,
		FinishReason:       wire.StopReason,
		ProviderResponseID: wire.ID,
		Raw:                json.RawMessage(data),
	}
	for _, block := range wire.Content {
		switch block.Type {
		case "text":
			resp.Content += block.Text
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, types.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: block.Input,
			})
		}
	}
	if wire.Usage != nil {
		resp.InputTokens = wire.Usage.InputTokens
		resp.OutputTokens = wire.Usage.OutputTokens
		resp.TokensUsed = wire.Usage.InputTokens + wire.Usage.OutputTokens
	}
	resp.CostEstimate = rates.Estimate(resp.InputTokens, resp.OutputTokens, req.Model)
	now := time.Now().UTC()
	resp.ResponseCreatedAt = &now
	return resp, nil
}

// GenerateResponse implements llm.Provider.
func (p *Provider) GenerateResponse(ctx context.Context, messages []types.Message, userID *int64, opts llm.GenerateOptions) (*llm.Response, string, error) {
	req := p.buildRequest(messages, opts)
	return p.base.Invoke(ctx, messages, userID, opts, req, func(ctx context.Context) (*llm.Response, error) {
		return p.complete(ctx, req)
	})
}

// GenerateStructured implements llm.Provider. Anthropic has no constrained
// decoding mode, so the schema is injected as a system instruction and the
// reply is parsed and validated locally.
func (p *Provider) GenerateStructured(ctx context.Context, messages []types.Message, schema *structured.Schema, userID *int64, opts llm.GenerateOptions) (*llm.StructuredResult, string, error) {
	prompted := append([]types.Message{types.NewSystemMessage(schema.PromptInstruction())}, messages...)
	req := p.buildRequest(prompted, opts)

	resp, requestID, err := p.base.Invoke(ctx, messages, userID, opts, req, func(ctx context.Context) (*llm.Response, error) {
		resp, err := p.complete(ctx, req)
		if err != nil {
			return nil, err
		}
		payload, err := structured.ExtractJSON(resp.Content)
		if err != nil {
			return nil, err
		}
		if err := schema.Validate(payload); err != nil {
			return nil, err
		}
		return resp, nil
	})
	if err != nil {
		return nil, requestID, err
	}

	payload, _ := structured.ExtractJSON(resp.Content)
	return &llm.StructuredResult{
		Payload: payload,
		Usage: types.TokenUsage{
			PromptTokens:     resp.InputTokens,
			CompletionTokens: resp.OutputTokens,
			TotalTokens:      resp.TokensUsed,
		},
		Raw: resp.Raw,
	}, requestID, nil
}

// GenerateImage implements llm.Provider; not supported on this adapter.
func (p *Provider) GenerateImage(context.Context, llm.ImageRequest, *int64) (*llm.ImageResponse, string, error) {
	return nil, "", types.NewConfigurationError("anthropic adapter does not support image generation")
}

// GenerateAudio implements llm.Provider; not supported on this adapter.
func (p *Provider) GenerateAudio(context.Context, llm.AudioRequest, *int64) (*llm.AudioResponse, string, error) {
	return nil, "", types.NewConfigurationError("anthropic adapter does not support audio synthesis")
}

// EstimateCost implements llm.Provider.
func (p *Provider) EstimateCost(promptTokens, completionTokens int, model string) float64 {
	return rates.Estimate(promptTokens, completionTokens, model)
}

func mapError(status int, body []byte, retryAfter string) *types.Error {
	var wire wireError
	message := string(body)
	if err := json.Unmarshal(body, &wire); err == nil && wire.Error.Message != "" {
		message = wire.Error.Message
	}

	// 529 is Anthropic's overloaded status; treat it like a 5xx.
	if status == 529 {
		return types.NewProviderError(message, status).WithRetryable(true)
	}
	if status == http.StatusBadRequest && (strings.Contains(message, "credit") || strings.Contains(message, "quota")) {
		return types.NewRateLimitError(message, 0)
	}
	return providers.MapHTTPError(status, message, providers.ParseRetryAfter(retryAfter))
}

// Ensure Provider implements the adapter interface.
var _ llm.Provider = (*Provider)(nil)
