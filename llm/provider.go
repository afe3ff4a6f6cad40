// Package llm provides the canonical LLM service facade: provider routing,
// response caching, request ledgering, and structured-output helpers.
package llm

import (
	"context"
	"encoding/json"
	"time"

	"github.com/brianfields/promptflow/structured"
	"github.com/brianfields/promptflow/types"
)

// ProviderType identifies a concrete provider adapter.
type ProviderType string

const (
	ProviderOpenAI     ProviderType = "openai"
	ProviderAnthropic  ProviderType = "anthropic"
	ProviderBedrock    ProviderType = "bedrock"
	ProviderGemini     ProviderType = "gemini"
	ProviderOpenRouter ProviderType = "openrouter"
	ProviderAzure      ProviderType = "azure"
	ProviderNimbus     ProviderType = "nimbus"
)

// GenerateOptions carries per-call overrides. Zero values defer to the
// service/adapter defaults.
type GenerateOptions struct {
	Model           string
	Temperature     *float32
	MaxOutputTokens *int
	// Tools, when non-empty, asks the adapter to offer tool calling; the
	// response may then carry ToolCalls instead of final text.
	Tools []types.ToolSchema
	// Extra holds provider-passthrough parameters. They participate in the
	// cache fingerprint and are persisted with the ledger row.
	Extra map[string]any
}

// Response is the canonical, provider-normalized generation result.
type Response struct {
	Content            string           `json:"content"`
	Provider           ProviderType     `json:"provider"`
	Model              string           `json:"model"`
	TokensUsed         int              `json:"tokens_used"`
	InputTokens        int              `json:"input_tokens"`
	OutputTokens       int              `json:"output_tokens"`
	CostEstimate       float64          `json:"cost_estimate"`
	FinishReason       string           `json:"finish_reason,omitempty"`
	ResponseTimeMs     int64            `json:"response_time_ms"`
	Cached             bool             `json:"cached"`
	ProviderResponseID string           `json:"provider_response_id,omitempty"`
	SystemFingerprint  string           `json:"system_fingerprint,omitempty"`
	ResponseCreatedAt  *time.Time       `json:"response_created_at,omitempty"`
	ToolCalls          []types.ToolCall `json:"tool_calls,omitempty"`
	Raw                json.RawMessage  `json:"raw,omitempty"`
}

// StructuredResult is the provider-validated JSON payload of a structured
// generation, before decoding into the caller's type.
type StructuredResult struct {
	Payload json.RawMessage
	Usage   types.TokenUsage
	Raw     json.RawMessage
}

// ImageRequest describes an image generation call.
type ImageRequest struct {
	Prompt  string `json:"prompt"`
	Size    string `json:"size"`
	Quality string `json:"quality"`
	Style   string `json:"style,omitempty"`
	N       int    `json:"n"`
}

// ImageResponse is the normalized image generation result.
type ImageResponse struct {
	ImageURL      string  `json:"image_url"`
	RevisedPrompt string  `json:"revised_prompt,omitempty"`
	Size          string  `json:"size,omitempty"`
	CostEstimate  float64 `json:"cost_estimate"`
}

// AudioRequest describes a speech synthesis call.
type AudioRequest struct {
	Text   string  `json:"text"`
	Voice  string  `json:"voice"`
	Model  string  `json:"model,omitempty"`
	Format string  `json:"format"`
	Speed  float64 `json:"speed,omitempty"`
}

// AudioResponse is the normalized speech synthesis result.
type AudioResponse struct {
	AudioBase64     string  `json:"audio_base64"`
	MIMEType        string  `json:"mime_type"`
	Voice           string  `json:"voice,omitempty"`
	Model           string  `json:"model,omitempty"`
	CostEstimate    float64 `json:"cost_estimate"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

// Provider is the canonical adapter interface. Every implementation records
// a ledger row in pending state before network I/O (its id is the returned
// request id), retries on transient failures, normalizes the vendor response,
// and maps vendor errors to the types taxonomy.
type Provider interface {
	// Name returns the provider's identifier.
	Name() ProviderType

	// GenerateResponse performs a text (or tool-calling) generation.
	GenerateResponse(ctx context.Context, messages []types.Message, userID *int64, opts GenerateOptions) (*Response, string, error)

	// GenerateStructured performs a schema-constrained generation and returns
	// the schema-validated JSON payload.
	GenerateStructured(ctx context.Context, messages []types.Message, schema *structured.Schema, userID *int64, opts GenerateOptions) (*StructuredResult, string, error)

	// GenerateImage renders an image. Adapters without image support return a
	// CONFIGURATION error.
	GenerateImage(ctx context.Context, req ImageRequest, userID *int64) (*ImageResponse, string, error)

	// GenerateAudio synthesizes speech. Adapters without audio support return
	// a CONFIGURATION error.
	GenerateAudio(ctx context.Context, req AudioRequest, userID *int64) (*AudioResponse, string, error)

	// EstimateCost prices a hypothetical call in USD from the adapter's
	// static rate table.
	EstimateCost(promptTokens, completionTokens int, model string) float64
}

// Factory constructs an adapter for the given provider type, or returns a
// CONFIGURATION error when the provider's credentials are absent.
type Factory func(ProviderType) (Provider, error)
