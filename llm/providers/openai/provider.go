// Package openai implements the OpenAI adapter: chat completions with native
// schema-constrained output, tool calling, image generation, and speech
// synthesis.
package openai

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

// Provider is the OpenAI adapter.
type Provider struct {
	base   *providers.Base
	client *openaicompat.Client
	cfg    config.OpenAIConfig
	http   *http.Client
}

// New constructs the adapter, failing with a CONFIGURATION error when no
// API key is present.
func New(cfg config.OpenAIConfig, deps providers.Deps) (*Provider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, types.NewConfigurationError("openai provider is not configured: missing API key")
	}
	base := providers.NewBase(llm.ProviderOpenAI, deps)
	httpClient := &http.Client{}
	p := &Provider{
		base: base,
		cfg:  cfg,
		http: httpClient,
	}
	p.client = &openaicompat.Client{
		Base:             base,
		Transport:        p,
		HTTPClient:       httpClient,
		NativeStructured: true,
	}
	return p, nil
}

// Name implements llm.Provider.
func (p *Provider) Name() llm.ProviderType { return llm.ProviderOpenAI }

// ChatURL implements openaicompat.Transport.
func (p *Provider) ChatURL(string) string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + "/chat/completions"
}

// Headers implements openaicompat.Transport.
func (p *Provider) Headers() map[string]string {
	headers := map[string]string{
		"Authorization": "Bearer " + p.cfg.APIKey,
	}
	if p.cfg.Organization != "" {
		headers["OpenAI-Organization"] = p.cfg.Organization
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

// EstimateCost implements llm.Provider.
func (p *Provider) EstimateCost(promptTokens, completionTokens int, model string) float64 {
	return rates.Estimate(promptTokens, completionTokens, model)
}

// Ensure Provider implements the adapter interface.
var _ llm.Provider = (*Provider)(nil)
