// Package azure implements the Azure OpenAI adapter. Azure speaks the
// OpenAI-compatible chat protocol but addresses models through deployments
// and authenticates with an api-key header.
package azure

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/brianfields/promptflow/config"
	"github.com/brianfields/promptflow/llm"
	"github.com/brianfields/promptflow/llm/providers"
	"github.com/brianfields/promptflow/llm/providers/openaicompat"
	"github.com/brianfields/promptflow/structured"
	"github.com/brianfields/promptflow/types"
)

// rates reuse OpenAI list prices; Azure bills the same models at parity.
var rates = providers.RateTable{
	"gpt-4o":       {Input: 2.50, Output: 10.00},
	"gpt-4o-mini":  {Input: 0.15, Output: 0.60},
	"gpt-4.1":      {Input: 2.00, Output: 8.00},
	"gpt-4.1-mini": {Input: 0.40, Output: 1.60},
	"gpt-4-turbo":  {Input: 10.00, Output: 30.00},
}

// Provider is the Azure OpenAI adapter.
type Provider struct {
	base   *providers.Base
	client *openaicompat.Client
	cfg    config.AzureConfig
}

// New constructs the adapter; endpoint, deployment, and API key are all
// required.
func New(cfg config.AzureConfig, deps providers.Deps) (*Provider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" || cfg.Endpoint == "" || cfg.Deployment == "" {
		return nil, types.NewConfigurationError("azure provider is not configured: endpoint, deployment, and API key are required")
	}
	base := providers.NewBase(llm.ProviderAzure, deps)
	p := &Provider{base: base, cfg: cfg}
	p.client = &openaicompat.Client{
		Base:             base,
		Transport:        p,
		HTTPClient:       &http.Client{},
		NativeStructured: true,
	}
	return p, nil
}

// Name implements llm.Provider.
func (p *Provider) Name() llm.ProviderType { return llm.ProviderAzure }

// ChatURL implements openaicompat.Transport. The model is ignored: Azure
// routes by deployment.
func (p *Provider) ChatURL(string) string {
	return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		strings.TrimRight(p.cfg.Endpoint, "/"), p.cfg.Deployment, p.cfg.APIVersion)
}

// Headers implements openaicompat.Transport.
func (p *Provider) Headers() map[string]string {
	return map[string]string{"api-key": p.cfg.APIKey}
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
	return nil, "", types.NewConfigurationError("azure adapter does not support image generation")
}

// GenerateAudio implements llm.Provider; not supported on this adapter.
func (p *Provider) GenerateAudio(context.Context, llm.AudioRequest, *int64) (*llm.AudioResponse, string, error) {
	return nil, "", types.NewConfigurationError("azure adapter does not support audio synthesis")
}

// EstimateCost implements llm.Provider.
func (p *Provider) EstimateCost(promptTokens, completionTokens int, model string) float64 {
	return rates.Estimate(promptTokens, completionTokens, model)
}

// Ensure Provider implements the adapter interface.
var _ llm.Provider = (*Provider)(nil)
