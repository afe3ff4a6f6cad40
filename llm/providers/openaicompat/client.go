// Package openaicompat implements the OpenAI-compatible chat completion wire
// protocol shared by the openai, azure, openrouter, and nimbus adapters.
// Each adapter supplies a Transport (endpoint construction and auth headers)
// and reuses the translation, normalization, and error mapping here.
package openaicompat

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/brianfields/promptflow/llm"
	"github.com/brianfields/promptflow/llm/providers"
	"github.com/brianfields/promptflow/structured"
	"github.com/brianfields/promptflow/types"
)

// Transport abstracts the per-vendor endpoint and authentication.
type Transport interface {
	// ChatURL returns the chat completion endpoint for the given model.
	ChatURL(model string) string
	// Headers returns the auth and vendor headers for each request.
	Headers() map[string]string
}

// Client speaks the OpenAI-compatible chat protocol over a Transport.
type Client struct {
	Base       *providers.Base
	Transport  Transport
	HTTPClient *http.Client
	// NativeStructured selects schema-constrained decoding via
	// response_format when the vendor supports it; otherwise the schema is
	// injected as a system instruction and the reply is parsed.
	NativeStructured bool
}

// Wire types for the OpenAI-compatible chat protocol.

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

type wireResponseFormat struct {
	Type       string          `json:"type"`
	JSONSchema *wireJSONSchema `json:"json_schema,omitempty"`
}

type wireJSONSchema struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

type chatRequest struct {
	Model          string              `json:"model"`
	Messages       []wireMessage       `json:"messages"`
	Temperature    float32             `json:"temperature,omitempty"`
	MaxTokens      int                 `json:"max_tokens,omitempty"`
	Tools          []wireTool          `json:"tools,omitempty"`
	ResponseFormat *wireResponseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	ID                string `json:"id"`
	Model             string `json:"model"`
	Created           int64  `json:"created"`
	SystemFingerprint string `json:"system_fingerprint"`
	Choices           []struct {
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

func toWireMessages(messages []types.Message) []wireMessage {
	out := make([]wireMessage, 0, len(messages))
	for _, m := range messages {
		wm := wireMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			wtc := wireToolCall{ID: tc.ID, Type: "function"}
			wtc.Function.Name = tc.Name
			wtc.Function.Arguments = string(tc.Arguments)
			wm.ToolCalls = append(wm.ToolCalls, wtc)
		}
		out = append(out, wm)
	}
	return out
}

func toWireTools(tools []types.ToolSchema) []wireTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]wireTool, 0, len(tools))
	for _, t := range tools {
		wt := wireTool{Type: "function"}
		wt.Function.Name = t.Name
		wt.Function.Description = t.Description
		wt.Function.Parameters = t.Parameters
		out = append(out, wt)
	}
	return out
}

// buildRequest translates the canonical request into the wire shape.
func (c *Client) buildRequest(messages []types.Message, opts llm.GenerateOptions, format *wireResponseFormat) chatRequest {
	return chatRequest{
		Model:          c.Base.ResolveModel(opts),
		Messages:       toWireMessages(messages),
		Temperature:    c.Base.ResolveTemperature(opts),
		MaxTokens:      c.Base.ResolveMaxTokens(opts),
		Tools:          toWireTools(opts.Tools),
		ResponseFormat: format,
	}
}

// Complete performs one chat completion attempt and normalizes the result.
func (c *Client) Complete(ctx context.Context, req chatRequest, rates providers.RateTable) (*llm.Response, error) {
	data, status, header, err := c.Base.PostJSON(ctx, c.HTTPClient, c.Transport.ChatURL(req.Model), c.Transport.Headers(), req)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, mapError(status, data, header)
	}

	var wire chatResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, types.NewProviderError("malformed response body", http.StatusBadGateway).WithRetryable(true).WithCause(err)
	}
	if len(wire.Choices) == 0 {
		return nil, types.NewProviderError("response contained no choices", http.StatusBadGateway).WithRetryable(true)
	}

	choice := wire.Choices[0]
	resp := &llm.Response{
		Content:            choice.Message.Content,
		Model:              wire.Model,
		TokensUsed:         wire.Usage.TotalTokens,
		InputTokens:        wire.Usage.PromptTokens,
		OutputTokens:       wire.Usage.CompletionTokens,
		FinishReason:       choice.FinishReason,
		ProviderResponseID: wire.ID,
		SystemFingerprint:  wire.SystemFingerprint,
		Raw:                json.RawMessage(data),
	}
	if wire.Created > 0 {
		created := time.Unix(wire.Created, 0).UTC()
		resp.ResponseCreatedAt = &created
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, types.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	resp.CostEstimate = rates.Estimate(resp.InputTokens, resp.OutputTokens, req.Model)
	return resp, nil
}

// GenerateResponse implements the text/tool-calling path of llm.Provider.
func (c *Client) GenerateResponse(ctx context.Context, messages []types.Message, userID *int64, opts llm.GenerateOptions, rates providers.RateTable) (*llm.Response, string, error) {
	req := c.buildRequest(messages, opts, nil)
	return c.Base.Invoke(ctx, messages, userID, opts, req, func(ctx context.Context) (*llm.Response, error) {
		return c.Complete(ctx, req, rates)
	})
}

// GenerateStructured implements the schema-constrained path of llm.Provider.
func (c *Client) GenerateStructured(ctx context.Context, messages []types.Message, schema *structured.Schema, userID *int64, opts llm.GenerateOptions, rates providers.RateTable) (*llm.StructuredResult, string, error) {
	var req chatRequest
	if c.NativeStructured {
		name := schema.Name
		if name == "" {
			name = "response"
		}
		req = c.buildRequest(messages, opts, &wireResponseFormat{
			Type:       "json_schema",
			JSONSchema: &wireJSONSchema{Name: name, Strict: true, Schema: schema.JSON()},
		})
	} else {
		prompted := append([]types.Message{types.NewSystemMessage(schema.PromptInstruction())}, messages...)
		req = c.buildRequest(prompted, opts, nil)
	}

	resp, requestID, err := c.Base.Invoke(ctx, messages, userID, opts, req, func(ctx context.Context) (*llm.Response, error) {
		resp, err := c.Complete(ctx, req, rates)
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

func mapError(status int, body []byte, header http.Header) *types.Error {
	var wire errorResponse
	message := string(body)
	if err := json.Unmarshal(body, &wire); err == nil && wire.Error.Message != "" {
		message = wire.Error.Message
	}
	return providers.MapHTTPError(status, message, providers.ParseRetryAfter(header.Get("Retry-After")))
}
