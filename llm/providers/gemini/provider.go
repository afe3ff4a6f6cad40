// Package gemini implements the Google Gemini adapter over the
// generateContent REST API. Gemini uses "model" for the assistant role,
// carries the system prompt in a dedicated systemInstruction field, and
// authenticates through a query-string key.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/brianfields/promptflow/config"
	"github.com/brianfields/promptflow/llm"
	"github.com/brianfields/promptflow/llm/providers"
	"github.com/brianfields/promptflow/structured"
	"github.com/brianfields/promptflow/types"
)

// rates prices Gemini models in USD per million tokens.
var rates = providers.RateTable{
	"gemini-2.0-flash":      {Input: 0.10, Output: 0.40},
	"gemini-2.0-flash-lite": {Input: 0.075, Output: 0.30},
	"gemini-1.5-pro":        {Input: 1.25, Output: 5.00},
	"gemini-1.5-flash":      {Input: 0.075, Output: 0.30},
}

// Provider is the Gemini adapter.
type Provider struct {
	base *providers.Base
	cfg  config.GeminiConfig
	http *http.Client
}

// New constructs the adapter, failing when no API key is present.
func New(cfg config.GeminiConfig, deps providers.Deps) (*Provider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, types.NewConfigurationError("gemini provider is not configured: missing API key")
	}
	return &Provider{
		base: providers.NewBase(llm.ProviderGemini, deps),
		cfg:  cfg,
		http: &http.Client{},
	}, nil
}

// Name implements llm.Provider.
func (p *Provider) Name() llm.ProviderType { return llm.ProviderGemini }

type wirePart struct {
	Text string `json:"text,omitempty"`
}

type wireContent struct {
	Role  string     `json:"role,omitempty"`
	Parts []wirePart `json:"parts"`
}

type wireGenerationConfig struct {
	Temperature      float32 `json:"temperature,omitempty"`
	MaxOutputTokens  int     `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type wireRequest struct {
	Contents          []wireContent         `json:"contents"`
	SystemInstruction *wireContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *wireGenerationConfig `json:"generationConfig,omitempty"`
}

type wireResponse struct {
	Candidates []struct {
		Content      wireContent `json:"content"`
		FinishReason string      `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
	ResponseID   string `json:"responseId"`
}

type wireError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func convertMessages(messages []types.Message) (*wireContent, []wireContent) {
	var system *wireContent
	var contents []wireContent

	for _, m := range messages {
		switch m.Role {
		case types.RoleSystem:
			if system == nil {
				system = &wireContent{}
			}
			system.Parts = append(system.Parts, wirePart{Text: m.Content})
		case types.RoleAssistant:
			contents = append(contents, wireContent{Role: "model", Parts: []wirePart{{Text: m.Content}}})
		default:
			// User, tool, and function turns all map to user content.
			contents = append(contents, wireContent{Role: "user", Parts: []wirePart{{Text: m.Content}}})
		}
	}
	return system, contents
}

func (p *Provider) buildRequest(messages []types.Message, opts llm.GenerateOptions, jsonMode bool) wireRequest {
	system, contents := convertMessages(messages)
	genCfg := &wireGenerationConfig{
		Temperature:     p.base.ResolveTemperature(opts),
		MaxOutputTokens: p.base.ResolveMaxTokens(opts),
	}
	if jsonMode {
		genCfg.ResponseMimeType = "application/json"
	}
	return wireRequest{
		Contents:          contents,
		SystemInstruction: system,
		GenerationConfig:  genCfg,
	}
}

func (p *Provider) complete(ctx context.Context, model string, req wireRequest) (*llm.Response, error) {
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		strings.TrimRight(p.cfg.BaseURL, "/"), model, p.cfg.APIKey)
	data, status, header, err := p.base.PostJSON(ctx, p.http, url, nil, req)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, mapError(status, data, header.Get("Retry-After"))
	}

	var wire wireResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, types.NewProviderError("malformed response body", http.StatusBadGateway).WithRetryable(true).WithCause(err)
	}
	if len(wire.Candidates) == 0 {
		return nil, types.NewProviderError("response contained no candidates", http.StatusBadGateway).WithRetryable(true)
	}

	candidate := wire.Candidates[0]
	resp := &llm.Response{
		Model:              model,
		FinishReason:       candidate.FinishReason,
		ProviderResponseID: wire.ResponseID,
		Raw:                json.RawMessage(data),
	}
	for _, part := range candidate.Content.Parts {
		resp.Content += part.Text
	}
	if wire.UsageMetadata != nil {
		resp.InputTokens = wire.UsageMetadata.PromptTokenCount
		resp.OutputTokens = wire.UsageMetadata.CandidatesTokenCount
		resp.TokensUsed = wire.UsageMetadata.TotalTokenCount
	}
	resp.CostEstimate = rates.Estimate(resp.InputTokens, resp.OutputTokens, model)
	now := time.Now().UTC()
	resp.ResponseCreatedAt = &now
	return resp, nil
}

// GenerateResponse implements llm.Provider.
func (p *Provider) GenerateResponse(ctx context.Context, messages []types.Message, userID *int64, opts llm.GenerateOptions) (*llm.Response, string, error) {
	model := p.base.ResolveModel(opts)
	req := p.buildRequest(messages, opts, false)
	return p.base.Invoke(ctx, messages, userID, opts, req, func(ctx context.Context) (*llm.Response, error) {
		return p.complete(ctx, model, req)
	})
}

// GenerateStructured implements llm.Provider: JSON response mode plus an
// injected schema instruction, with local validation.
func (p *Provider) GenerateStructured(ctx context.Context, messages []types.Message, schema *structured.Schema, userID *int64, opts llm.GenerateOptions) (*llm.StructuredResult, string, error) {
	model := p.base.ResolveModel(opts)
	prompted := append([]types.Message{types.NewSystemMessage(schema.PromptInstruction())}, messages...)
	req := p.buildRequest(prompted, opts, true)

	resp, requestID, err := p.base.Invoke(ctx, messages, userID, opts, req, func(ctx context.Context) (*llm.Response, error) {
		resp, err := p.complete(ctx, model, req)
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
	return nil, "", types.NewConfigurationError("gemini adapter does not support image generation")
}

// GenerateAudio implements llm.Provider; not supported on this adapter.
func (p *Provider) GenerateAudio(context.Context, llm.AudioRequest, *int64) (*llm.AudioResponse, string, error) {
	return nil, "", types.NewConfigurationError("gemini adapter does not support audio synthesis")
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
	if wire.Error.Status == "RESOURCE_EXHAUSTED" {
		return types.NewRateLimitError(message, providers.ParseRetryAfter(retryAfter))
	}
	return providers.MapHTTPError(status, message, providers.ParseRetryAfter(retryAfter))
}

// Ensure Provider implements the adapter interface.
var _ llm.Provider = (*Provider)(nil)
