package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/brianfields/promptflow/llm"
	"github.com/brianfields/promptflow/types"
)

type imageAPIRequest struct {
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
	Size    string `json:"size,omitempty"`
	Quality string `json:"quality,omitempty"`
	Style   string `json:"style,omitempty"`
	N       int    `json:"n,omitempty"`
}

type imageAPIResponse struct {
	Created int64 `json:"created"`
	Data    []struct {
		URL           string `json:"url"`
		RevisedPrompt string `json:"revised_prompt"`
	} `json:"data"`
}

// GenerateImage implements llm.Provider via the images/generations endpoint.
func (p *Provider) GenerateImage(ctx context.Context, req llm.ImageRequest, userID *int64) (*llm.ImageResponse, string, error) {
	model := p.cfg.ImageModel
	if model == "" {
		model = "dall-e-3"
	}
	n := req.N
	if n == 0 {
		n = 1
	}
	apiReq := imageAPIRequest{
		Model:   model,
		Prompt:  req.Prompt,
		Size:    req.Size,
		Quality: req.Quality,
		Style:   req.Style,
		N:       n,
	}

	messages := []types.Message{types.NewUserMessage(req.Prompt)}
	opts := llm.GenerateOptions{Model: model, Extra: map[string]any{"size": req.Size, "quality": req.Quality}}

	var out llm.ImageResponse
	_, requestID, err := p.base.Invoke(ctx, messages, userID, opts, apiReq, func(ctx context.Context) (*llm.Response, error) {
		url := strings.TrimRight(p.cfg.BaseURL, "/") + "/images/generations"
		data, status, header, err := p.base.PostJSON(ctx, p.http, url, p.Headers(), apiReq)
		if err != nil {
			return nil, err
		}
		if status >= 400 {
			return nil, mapImageError(status, data, header.Get("Retry-After"))
		}

		var wire imageAPIResponse
		if err := json.Unmarshal(data, &wire); err != nil || len(wire.Data) == 0 {
			return nil, types.NewProviderError("malformed image response", http.StatusBadGateway).WithRetryable(true)
		}

		out = llm.ImageResponse{
			ImageURL:      wire.Data[0].URL,
			RevisedPrompt: wire.Data[0].RevisedPrompt,
			Size:          req.Size,
			CostEstimate:  imagePrice(req.Quality, req.Size) * float64(n),
		}
		return &llm.Response{
			Content:      out.ImageURL,
			Model:        model,
			CostEstimate: out.CostEstimate,
			Raw:          json.RawMessage(data),
		}, nil
	})
	if err != nil {
		return nil, requestID, err
	}
	return &out, requestID, nil
}

func imagePrice(quality, size string) float64 {
	if quality == "" {
		quality = "standard"
	}
	bySize, ok := imagePrices[quality]
	if !ok {
		bySize = imagePrices["standard"]
	}
	if price, ok := bySize[size]; ok {
		return price
	}
	return bySize["1024x1024"]
}

func mapImageError(status int, body []byte, retryAfter string) error {
	var wire struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	message := string(body)
	if err := json.Unmarshal(body, &wire); err == nil && wire.Error.Message != "" {
		message = wire.Error.Message
	}
	return mapStatus(status, message, retryAfter)
}
