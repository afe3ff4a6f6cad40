package testutil

import (
	"context"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/brianfields/promptflow/config"
	"github.com/brianfields/promptflow/llm"
	"github.com/brianfields/promptflow/llm/cache"
	"github.com/brianfields/promptflow/llm/ledger"
	"github.com/brianfields/promptflow/llm/providers"
	"github.com/brianfields/promptflow/llm/retry"
	"github.com/brianfields/promptflow/structured"
	"github.com/brianfields/promptflow/types"
)

// ScriptStep is one scripted vendor outcome.
type ScriptStep struct {
	// Content is the response text (or JSON for structured calls).
	Content string
	// ToolCalls, when non-empty, makes the turn a tool-calling turn.
	ToolCalls []types.ToolCall
	// Err fails the attempt instead of responding.
	Err error
}

// FakeProvider is a scripted adapter that runs the real request lifecycle
// (pending ledger row, retry loop, terminal ledger write) around canned
// vendor outcomes. Each underlying attempt consumes one script step.
type FakeProvider struct {
	ProviderName llm.ProviderType
	Base         *providers.Base

	mu     sync.Mutex
	script []ScriptStep
	// Calls counts underlying vendor attempts (not logical requests).
	Calls int
}

// FakeDefaults are the generation defaults used by test services.
func FakeDefaults() config.LLMConfig {
	return config.LLMConfig{
		DefaultProvider: "fake",
		Model:           "fake-model",
		Temperature:     0.2,
		MaxOutputTokens: 256,
		Timeout:         5 * time.Second,
		MaxRetries:      3,
	}
}

// NewFakeProvider builds a fake adapter over the given database with a
// fast, deterministic retry policy.
func NewFakeProvider(db *gorm.DB, script ...ScriptStep) *FakeProvider {
	base := providers.NewBase("fake", providers.Deps{
		Ledger:   ledger.NewRepo(db),
		Defaults: FakeDefaults(),
	})
	base.Retryer = retry.New(&retry.Policy{
		MaxRetries:   FakeDefaults().MaxRetries,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2,
	}, nil)
	return &FakeProvider{ProviderName: "fake", Base: base, script: script}
}

// Append adds script steps for subsequent attempts.
func (p *FakeProvider) Append(steps ...ScriptStep) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, steps...)
}

func (p *FakeProvider) next() ScriptStep {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls++
	if len(p.script) == 0 {
		return ScriptStep{Content: "ok"}
	}
	step := p.script[0]
	p.script = p.script[1:]
	return step
}

// Name implements llm.Provider.
func (p *FakeProvider) Name() llm.ProviderType { return p.ProviderName }

func (p *FakeProvider) respond(step ScriptStep, model string) (*llm.Response, error) {
	if step.Err != nil {
		return nil, step.Err
	}
	now := time.Now().UTC()
	return &llm.Response{
		Content:           step.Content,
		Model:             model,
		InputTokens:       10,
		OutputTokens:      5,
		TokensUsed:        15,
		CostEstimate:      0.0005,
		FinishReason:      "stop",
		ToolCalls:         step.ToolCalls,
		ResponseCreatedAt: &now,
	}, nil
}

// GenerateResponse implements llm.Provider.
func (p *FakeProvider) GenerateResponse(ctx context.Context, messages []types.Message, userID *int64, opts llm.GenerateOptions) (*llm.Response, string, error) {
	model := p.Base.ResolveModel(opts)
	return p.Base.Invoke(ctx, messages, userID, opts, nil, func(context.Context) (*llm.Response, error) {
		return p.respond(p.next(), model)
	})
}

// GenerateStructured implements llm.Provider: the scripted content is
// parsed and validated against the schema.
func (p *FakeProvider) GenerateStructured(ctx context.Context, messages []types.Message, schema *structured.Schema, userID *int64, opts llm.GenerateOptions) (*llm.StructuredResult, string, error) {
	model := p.Base.ResolveModel(opts)
	resp, requestID, err := p.Base.Invoke(ctx, messages, userID, opts, nil, func(context.Context) (*llm.Response, error) {
		resp, err := p.respond(p.next(), model)
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

// GenerateImage implements llm.Provider.
func (p *FakeProvider) GenerateImage(ctx context.Context, req llm.ImageRequest, userID *int64) (*llm.ImageResponse, string, error) {
	messages := []types.Message{types.NewUserMessage(req.Prompt)}
	var out llm.ImageResponse
	_, requestID, err := p.Base.Invoke(ctx, messages, userID, llm.GenerateOptions{}, nil, func(context.Context) (*llm.Response, error) {
		step := p.next()
		if step.Err != nil {
			return nil, step.Err
		}
		out = llm.ImageResponse{ImageURL: "https://images.test/" + req.Prompt, Size: req.Size, CostEstimate: 0.04}
		return &llm.Response{Content: out.ImageURL, Model: "fake-image", CostEstimate: out.CostEstimate}, nil
	})
	if err != nil {
		return nil, requestID, err
	}
	return &out, requestID, nil
}

// GenerateAudio implements llm.Provider.
func (p *FakeProvider) GenerateAudio(ctx context.Context, req llm.AudioRequest, userID *int64) (*llm.AudioResponse, string, error) {
	messages := []types.Message{types.NewUserMessage(req.Text)}
	var out llm.AudioResponse
	_, requestID, err := p.Base.Invoke(ctx, messages, userID, llm.GenerateOptions{}, nil, func(context.Context) (*llm.Response, error) {
		step := p.next()
		if step.Err != nil {
			return nil, step.Err
		}
		out = llm.AudioResponse{AudioBase64: "ZmFrZQ==", MIMEType: "audio/mpeg", Voice: req.Voice, Model: "fake-audio", CostEstimate: 0.001}
		return &llm.Response{Content: out.AudioBase64, Model: "fake-audio", CostEstimate: out.CostEstimate}, nil
	})
	if err != nil {
		return nil, requestID, err
	}
	return &out, requestID, nil
}

// EstimateCost implements llm.Provider with a flat test rate.
func (p *FakeProvider) EstimateCost(promptTokens, completionTokens int, _ string) float64 {
	return float64(promptTokens)/1e6*1.0 + float64(completionTokens)/1e6*2.0
}

// NewFakeService builds an llm.Service whose only constructible adapter is
// the fake provider. respCache may be nil.
func NewFakeService(db *gorm.DB, provider *FakeProvider, respCache *cache.Cache) *llm.Service {
	factory := func(t llm.ProviderType) (llm.Provider, error) {
		if t == provider.Name() {
			return provider, nil
		}
		return nil, types.NewConfigurationError("provider not configured in tests: " + string(t))
	}
	return llm.NewService(FakeDefaults(), factory, ledger.NewRepo(db), respCache, nil, nil)
}

// Ensure FakeProvider implements the adapter interface.
var _ llm.Provider = (*FakeProvider)(nil)
