// Package openrouter implements the OpenRouter adapter. OpenRouter fronts
// many vendors behind an OpenAI-compatible protocol with namespaced model
// names (vendor/model); schema constraints are injected as instructions
// because native support varies by routed vendor.
package openrouter

import (
	"context"
	"net/http"
	"strings"

	"github.com/brianfields/promptflow/config"
	"github.com/brianfields/promptflow/llm"
	"github.com/brianfields/promptflow/llm/providers"
	"github.com/brianfields/promptflow/llm/providers/openaicompat"
	"github.com/brianfields/promptflow/structured"
	"github.com/brianfields/promptflow/types"
)

// rates carry representative routed-model prices in USD per million tokens.
var rates = providers.RateTable{
	"openai/gpt-4o":                {Input: 2.50, Output: 10.00},
	"openai/gpt-4o-mini":           {Input: 0.15, Output: 0.60},
	"anthropic/claude-3.5-sonnet":  {Input: 3.00, Output: 15.00},
	"anthropic/claude-3-haiku":     {Input: 0.25, Output: 1.25},
	"google/gemini-flash-1.5":      {Input: 0.075, Output: 0.30},
	"meta-llama/llama-3.1-70b":     {Input: 0.40, Output: 0.40},
	"mistralai/mistral-small-24b":  {Input: 0.10, Output: 0.30},
	"deepseek/deepseek-chat":       {Input: 0.27, Output: 1.10},
	"qwen/qwen-2.5-72b-instruct":   {Input: 0.35, Output: 0.40},
	"nousresearch/hermes-3-405b":   {Input: 0.80, Output: 0.80},
}

// Provider is the OpenRouter adapter.
type Provider struct {
	base   *providers.Base
	client *openaicompat.Client
	cfg    config.OpenRouterConfig
}

// New constructs the adapter, failing when no API key is present.
func New(cfg config.OpenRouterConfig, deps providers.Deps) (*Provider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, types.NewConfigurationError("openrouter provider is not configured: missing API key")
	}
	base := providers.NewBase(llm.ProviderOpenRouter, deps)
	p := &Provider{base: base, cfg: cfg}
	p.client = &openaicompat.Client{
		Base:       base,
		Transport:  p,
		HTTPClient: &http.Client{},
	}
	return p, nil
}

// Name implements llm.Provider.
func (p *Provider) Name() llm.ProviderType { return llm.ProviderOpenRouter }

// ChatURL implements openaicompat.Transport.
func (p *Provider) ChatURL(string) string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + "/chat/completions"
}

// Headers implements openaicompat.Transport.
func (p *Provider) Headers() map[string]string {
	headers := map[string]string{"Authorization": "Bearer " + p.cfg.APIKey}
	if p.cfg.Referer != "" {
		headers["HTTP-Referer"] = p.cfg.Referer
	}
	return headers
}

// GenerateResponse implements llm.Provider.
func (p *Provider) GenerateResponse(ctx context.Context, messages []types.Message, userID *int64, opts llm.GenerateOptions) (*llm.Response, string, error) {
	return p.client.GenerateResponse(ctx, messages, userID, opts, rates)
}

// GenerateStructured implements llm.Provider.
func (p *Provider) GenerateStructured(ctx context.Context, messages []types.Message, schema *structured.Schema, userID *int64, opts llm.GenerateOptions) (*llm.StructuredResult, string, error) {
	return p.client.GenerateStructured(ctx, messages, schema, userID, opts, rates)
}

// GenerateImage implements llm.Provider; not supported on this adapter.
func (p *Provider) GenerateImage(context.Context, llm.ImageRequest, *int64) (*llm.ImageResponse, string, error) {
	return nil, "", types.NewConfigurationError("openrouter adapter does not support image generation")
}

// GenerateAudio implements llm.Provider; not supported on this adapter.
func (p *Provider) GenerateAudio(context.Context, llm.AudioRequest, *int64) (*llm.AudioResponse, string, error) {
	return nil, "", types.NewConfigurationError("openrouter adapter does not support audio synthesis")
}

// EstimateCost implements llm.Provider.
func (p *Provider) EstimateCost(promptTokens, completionTokens int, model string) float64 {
	return rates.Estimate(promptTokens, completionTokens, model)
}

// Ensure Provider implements the adapter interface.
var _ llm.Provider = (*Provider)(nil)
