// Package nimbus implements the adapter for the hosted Nimbus inference
// service, an OpenAI-compatible endpoint with its own model family and
// flat-rate pricing.
package nimbus

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

var rates = providers.RateTable{
	"nimbus-small": {Input: 0.10, Output: 0.30},
	"nimbus-base":  {Input: 0.50, Output: 1.50},
	"nimbus-large": {Input: 2.00, Output: 6.00},
}

// Provider is the Nimbus adapter.
type Provider struct {
	base   *providers.Base
	client *openaicompat.Client
	cfg    config.NimbusConfig
}

// New constructs the adapter, failing when no API key is present.
func New(cfg config.NimbusConfig, deps providers.Deps) (*Provider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, types.NewConfigurationError("nimbus provider is not configured: missing API key")
	}
	base := providers.NewBase(llm.ProviderNimbus, deps)
	p := &Provider{base: base, cfg: cfg}
	p.client = &openaicompat.Client{
		Base:       base,
		Transport:  p,
		HTTPClient: &http.Client{},
	}
	return p, nil
}

// Name implements llm.Provider.
func (p *Provider) Name() llm.ProviderType { return llm.ProviderNimbus }

// ChatURL implements openaicompat.Transport.
func (p *Provider) ChatURL(string) string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + "/chat/completions"
}

// Headers implements openaicompat.Transport.
func (p *Provider) Headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + p.cfg.APIKey}
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
	return nil, "", types.NewConfigurationError("nimbus adapter does not support image generation")
}

// GenerateAudio implements llm.Provider; not supported on this adapter.
func (p *Provider) GenerateAudio(context.Context, llm.AudioRequest, *int64) (*llm.AudioResponse, string, error) {
	return nil, "", types.NewConfigurationError("nimbus adapter does not support audio synthesis")
}

// EstimateCost implements llm.Provider.
func (p *Provider) EstimateCost(promptTokens, completionTokens int, model string) float64 {
	return rates.Estimate(promptTokens, completionTokens, model)
}

// Ensure Provider implements the adapter interface.
var _ llm.Provider = (*Provider)(nil)
