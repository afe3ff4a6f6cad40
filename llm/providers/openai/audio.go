package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/brianfields/promptflow/llm"
	"github.com/brianfields/promptflow/llm/providers"
	"github.com/brianfields/promptflow/types"
)

type audioAPIRequest struct {
	Model  string  `json:"model"`
	Input  string  `json:"input"`
	Voice  string  `json:"voice"`
	Format string  `json:"response_format,omitempty"`
	Speed  float64 `json:"speed,omitempty"`
}

var audioMIMETypes = map[string]string{
	"mp3":  "audio/mpeg",
	"opus": "audio/opus",
	"aac":  "audio/aac",
	"flac": "audio/flac",
	"wav":  "audio/wav",
	"pcm":  "audio/pcm",
}

// GenerateAudio implements llm.Provider via the audio/speech endpoint. The
// endpoint returns raw audio bytes rather than JSON, so this path issues the
// request directly instead of going through PostJSON.
func (p *Provider) GenerateAudio(ctx context.Context, req llm.AudioRequest, userID *int64) (*llm.AudioResponse, string, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.AudioModel
	}
	format := req.Format
	if format == "" {
		format = "mp3"
	}
	apiReq := audioAPIRequest{
		Model:  model,
		Input:  req.Text,
		Voice:  req.Voice,
		Format: format,
		Speed:  req.Speed,
	}

	messages := []types.Message{types.NewUserMessage(req.Text)}
	opts := llm.GenerateOptions{Model: model, Extra: map[string]any{"voice": req.Voice, "format": format}}

	var out llm.AudioResponse
	_, requestID, err := p.base.Invoke(ctx, messages, userID, opts, apiReq, func(ctx context.Context) (*llm.Response, error) {
		audio, err := p.postAudio(ctx, apiReq)
		if err != nil {
			return nil, err
		}

		cost := float64(len(req.Text)) / 1e6 * audioPricePerMillionChars
		out = llm.AudioResponse{
			AudioBase64:  base64.StdEncoding.EncodeToString(audio),
			MIMEType:     audioMIMETypes[format],
			Voice:        req.Voice,
			Model:        model,
			CostEstimate: cost,
		}
		return &llm.Response{
			Content:      out.AudioBase64,
			Model:        model,
			CostEstimate: cost,
		}, nil
	})
	if err != nil {
		return nil, requestID, err
	}
	return &out, requestID, nil
}

func (p *Provider) postAudio(ctx context.Context, apiReq audioAPIRequest) ([]byte, error) {
	payload, _ := json.Marshal(apiReq)
	url := strings.TrimRight(p.cfg.BaseURL, "/") + "/audio/speech"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewValidationError("failed to build audio request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range p.Headers() {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, types.NewTimeoutError("audio request exceeded adapter timeout").WithCause(err)
		}
		return nil, types.NewProviderError(err.Error(), http.StatusBadGateway).WithRetryable(true).WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewProviderError("failed to read audio body", http.StatusBadGateway).WithRetryable(true).WithCause(err)
	}
	if resp.StatusCode >= 400 {
		return nil, mapImageError(resp.StatusCode, data, resp.Header.Get("Retry-After"))
	}
	return data, nil
}

// mapStatus converts an OpenAI HTTP status into the canonical taxonomy.
func mapStatus(status int, message, retryAfter string) error {
	return providers.MapHTTPError(status, message, providers.ParseRetryAfter(retryAfter))
}
