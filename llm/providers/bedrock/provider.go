// Package bedrock implements the AWS Bedrock adapter over the Converse API.
// Credentials resolve through the standard AWS chain; only the region comes
// from promptflow configuration. Claude models route here when the native
// Anthropic adapter is not configured.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/brianfields/promptflow/config"
	"github.com/brianfields/promptflow/llm"
	"github.com/brianfields/promptflow/llm/providers"
	"github.com/brianfields/promptflow/structured"
	"github.com/brianfields/promptflow/types"
)

// rates prices Bedrock-hosted models in USD per million tokens.
var rates = providers.RateTable{
	"anthropic.claude-3-5-sonnet-20241022-v2:0": {Input: 3.00, Output: 15.00},
	"anthropic.claude-3-5-haiku-20241022-v1:0":  {Input: 0.80, Output: 4.00},
	"anthropic.claude-3-haiku-20240307-v1:0":    {Input: 0.25, Output: 1.25},
	"meta.llama3-1-70b-instruct-v1:0":           {Input: 0.72, Output: 0.72},
	"amazon.nova-pro-v1:0":                      {Input: 0.80, Output: 3.20},
	"amazon.nova-lite-v1:0":                     {Input: 0.06, Output: 0.24},
}

// converseAPI is the Bedrock surface the adapter uses, narrowed for tests.
type converseAPI interface {
	Converse(ctx context.Context, input *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Provider is the Bedrock adapter.
type Provider struct {
	base   *providers.Base
	cfg    config.BedrockConfig
	client converseAPI
}

// New constructs the adapter. Bedrock has no API key; the adapter is
// constructible when explicitly enabled with a region.
func New(cfg config.BedrockConfig, deps providers.Deps) (*Provider, error) {
	if !cfg.Enabled || cfg.Region == "" {
		return nil, types.NewConfigurationError("bedrock provider is not configured: enable it and set a region")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, types.NewConfigurationError("bedrock provider is not configured: AWS credentials unavailable").WithCause(err)
	}

	return &Provider{
		base:   providers.NewBase(llm.ProviderBedrock, deps),
		cfg:    cfg,
		client: bedrockruntime.NewFromConfig(awsCfg),
	}, nil
}

// Name implements llm.Provider.
func (p *Provider) Name() llm.ProviderType { return llm.ProviderBedrock }

// resolveModel maps bare claude model names onto Bedrock model ids so that
// routing fallbacks from the anthropic adapter keep working.
func (p *Provider) resolveModel(opts llm.GenerateOptions) string {
	model := p.base.ResolveModel(opts)
	if strings.HasPrefix(model, "claude-") {
		return "anthropic." + model + "-v1:0"
	}
	return model
}

func buildConverseInput(model string, messages []types.Message, temperature float32, maxTokens int) *bedrockruntime.ConverseInput {
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(model),
		InferenceConfig: &brtypes.InferenceConfiguration{
			MaxTokens:   aws.Int32(int32(maxTokens)),
			Temperature: aws.Float32(temperature),
		},
	}

	for _, m := range messages {
		switch m.Role {
		case types.RoleSystem:
			input.System = append(input.System, &brtypes.SystemContentBlockMemberText{Value: m.Content})
		case types.RoleAssistant:
			input.Messages = append(input.Messages, brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		default:
			input.Messages = append(input.Messages, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		}
	}
	return input
}

func (p *Provider) converse(ctx context.Context, model string, input *bedrockruntime.ConverseInput) (*llm.Response, error) {
	out, err := p.client.Converse(ctx, input)
	if err != nil {
		return nil, mapError(err)
	}

	resp := &llm.Response{
		Model:        model,
		FinishReason: string(out.StopReason),
	}
	if msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if text, ok := block.(*brtypes.ContentBlockMemberText); ok {
				resp.Content += text.Value
			}
		}
	}
	if out.Usage != nil {
		resp.InputTokens = int(aws.ToInt32(out.Usage.InputTokens))
		resp.OutputTokens = int(aws.ToInt32(out.Usage.OutputTokens))
		resp.TokensUsed = int(aws.ToInt32(out.Usage.TotalTokens))
	}
	resp.CostEstimate = rates.Estimate(resp.InputTokens, resp.OutputTokens, model)
	now := time.Now().UTC()
	resp.ResponseCreatedAt = &now
	if raw, err := json.Marshal(map[string]any{
		"stop_reason": string(out.StopReason),
		"usage":       out.Usage,
	}); err == nil {
		resp.Raw = raw
	}
	return resp, nil
}

// GenerateResponse implements llm.Provider.
func (p *Provider) GenerateResponse(ctx context.Context, messages []types.Message, userID *int64, opts llm.GenerateOptions) (*llm.Response, string, error) {
	model := p.resolveModel(opts)
	input := buildConverseInput(model, messages, p.base.ResolveTemperature(opts), p.base.ResolveMaxTokens(opts))
	return p.base.Invoke(ctx, messages, userID, opts, map[string]any{"model_id": model}, func(ctx context.Context) (*llm.Response, error) {
		return p.converse(ctx, model, input)
	})
}

// GenerateStructured implements llm.Provider via schema instruction
// injection and local validation.
func (p *Provider) GenerateStructured(ctx context.Context, messages []types.Message, schema *structured.Schema, userID *int64, opts llm.GenerateOptions) (*llm.StructuredResult, string, error) {
	model := p.resolveModel(opts)
	prompted := append([]types.Message{types.NewSystemMessage(schema.PromptInstruction())}, messages...)
	input := buildConverseInput(model, prompted, p.base.ResolveTemperature(opts), p.base.ResolveMaxTokens(opts))

	resp, requestID, err := p.base.Invoke(ctx, messages, userID, opts, map[string]any{"model_id": model}, func(ctx context.Context) (*llm.Response, error) {
		resp, err := p.converse(ctx, model, input)
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
	return nil, "", types.NewConfigurationError("bedrock adapter does not support image generation")
}

// GenerateAudio implements llm.Provider; not supported on this adapter.
func (p *Provider) GenerateAudio(context.Context, llm.AudioRequest, *int64) (*llm.AudioResponse, string, error) {
	return nil, "", types.NewConfigurationError("bedrock adapter does not support audio synthesis")
}

// EstimateCost implements llm.Provider.
func (p *Provider) EstimateCost(promptTokens, completionTokens int, model string) float64 {
	return rates.Estimate(promptTokens, completionTokens, model)
}

func mapError(err error) *types.Error {
	var throttled *brtypes.ThrottlingException
	if errors.As(err, &throttled) {
		return types.NewRateLimitError(aws.ToString(throttled.Message), 0)
	}
	var denied *brtypes.AccessDeniedException
	if errors.As(err, &denied) {
		return types.NewAuthenticationError(aws.ToString(denied.Message))
	}
	var invalid *brtypes.ValidationException
	if errors.As(err, &invalid) {
		return types.NewValidationError(aws.ToString(invalid.Message))
	}
	var modelTimeout *brtypes.ModelTimeoutException
	if errors.As(err, &modelTimeout) {
		return types.NewTimeoutError(aws.ToString(modelTimeout.Message))
	}
	var unavailable *brtypes.ServiceUnavailableException
	if errors.As(err, &unavailable) {
		return types.NewProviderError(aws.ToString(unavailable.Message), 503)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewTimeoutError("request exceeded adapter timeout").WithCause(err)
	}
	return types.NewProviderError(err.Error(), 502).WithRetryable(true).WithCause(err)
}

// Ensure Provider implements the adapter interface.
var _ llm.Provider = (*Provider)(nil)
