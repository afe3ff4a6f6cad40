package llm

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/brianfields/promptflow/config"
	"github.com/brianfields/promptflow/internal/metrics"
	"github.com/brianfields/promptflow/llm/cache"
	"github.com/brianfields/promptflow/llm/ledger"
	"github.com/brianfields/promptflow/llm/tokenizer"
	"github.com/brianfields/promptflow/structured"
	"github.com/brianfields/promptflow/types"
)

// Service is the canonical facade over the provider adapters. It routes by
// model name, consults the response cache, maintains the request ledger,
// and late-binds user ownership.
type Service struct {
	cfg     config.LLMConfig
	factory Factory
	ledger  *ledger.Repo
	cache   *cache.Cache
	metrics *metrics.Collector
	logger  *zap.Logger

	mu       sync.Mutex
	adapters map[ProviderType]Provider
}

// NewService wires the facade. cache and collector may be nil.
func NewService(cfg config.LLMConfig, factory Factory, repo *ledger.Repo, respCache *cache.Cache, collector *metrics.Collector, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:      cfg,
		factory:  factory,
		ledger:   repo,
		cache:    respCache,
		metrics:  collector,
		logger:   logger.With(zap.String("component", "llm_service")),
		adapters: map[ProviderType]Provider{},
	}
}

// Ledger exposes the request ledger for collaborating engines.
func (s *Service) Ledger() *ledger.Repo { return s.ledger }

// ensure lazily constructs and caches the adapter for a provider type.
func (s *Service) ensure(t ProviderType) (Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if adapter, ok := s.adapters[t]; ok {
		return adapter, nil
	}
	adapter, err := s.factory(t)
	if err != nil {
		return nil, err
	}
	s.adapters[t] = adapter
	return adapter, nil
}

// selectProvider resolves the adapter for the given model. Prefix candidates
// are tried in precedence order, then the configured default. There is no
// silent fallback across families: when every candidate for a routed prefix
// is unconfigured, the call fails with a CONFIGURATION error.
func (s *Service) selectProvider(model string) (Provider, error) {
	candidates := Route(model)
	if len(candidates) > 0 {
		var lastErr error
		for _, candidate := range candidates {
			adapter, err := s.ensure(candidate)
			if err == nil {
				return adapter, nil
			}
			lastErr = err
		}
		return nil, types.NewConfigurationError("no configured provider can serve model "+model).WithCause(lastErr)
	}

	adapter, err := s.ensure(ProviderType(s.cfg.DefaultProvider))
	if err != nil {
		return nil, types.NewConfigurationError("default provider is not configured: "+s.cfg.DefaultProvider).WithCause(err)
	}
	return adapter, nil
}

// fingerprintKwargs is the kwargs half of the cache fingerprint. Nil-valued
// entries are elided during canonicalization.
func (s *Service) fingerprintKwargs(opts GenerateOptions) map[string]any {
	kwargs := map[string]any{}
	if opts.Model != "" {
		kwargs["model"] = opts.Model
	}
	if opts.Temperature != nil {
		kwargs["temperature"] = *opts.Temperature
	}
	if opts.MaxOutputTokens != nil {
		kwargs["max_output_tokens"] = *opts.MaxOutputTokens
	}
	for k, v := range opts.Extra {
		kwargs[k] = v
	}
	return kwargs
}

// GenerateResponse produces a text (or tool-calling) completion. Cache hits
// skip the vendor entirely but still record a completed ledger row flagged
// cached=true.
func (s *Service) GenerateResponse(ctx context.Context, messages []types.Message, userID *int64, opts GenerateOptions) (*Response, string, error) {
	// Tool-calling turns are never served from cache: tool call ids must be
	// fresh for the caller's follow-up messages.
	if s.cache != nil && len(opts.Tools) == 0 {
		kwargs := s.fingerprintKwargs(opts)
		if payload := s.cache.Get(messages, kwargs); payload != nil {
			if resp := s.decodeCached(payload); resp != nil {
				s.metrics.RecordCacheHit()
				requestID, err := s.recordCachedRequest(ctx, messages, userID, opts, resp)
				if err != nil {
					return nil, "", err
				}
				s.assignUser(ctx, requestID, userID)
				return resp, requestID, nil
			}
		}
		s.metrics.RecordCacheMiss()
	}

	provider, err := s.selectProvider(opts.Model)
	if err != nil {
		return nil, "", err
	}

	resp, requestID, err := provider.GenerateResponse(ctx, messages, userID, opts)
	if err != nil {
		s.metrics.RecordRequest(string(provider.Name()), ledger.StatusFailed, 0, 0, 0)
		return nil, requestID, err
	}
	s.metrics.RecordRequest(string(provider.Name()), ledger.StatusCompleted, resp.InputTokens, resp.OutputTokens, resp.CostEstimate)

	if s.cache != nil && len(opts.Tools) == 0 && len(resp.ToolCalls) == 0 {
		if payload, err := json.Marshal(resp); err == nil {
			s.cache.Set(messages, s.fingerprintKwargs(opts), payload)
		}
	}

	s.assignUser(ctx, requestID, userID)
	return resp, requestID, nil
}

func (s *Service) decodeCached(payload json.RawMessage) *Response {
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		s.logger.Warn("discarding undecodable cache payload", zap.Error(err))
		return nil
	}
	resp.Cached = true
	return &resp
}

// recordCachedRequest writes the ledger row for a cache-served response.
func (s *Service) recordCachedRequest(ctx context.Context, messages []types.Message, userID *int64, opts GenerateOptions, resp *Response) (string, error) {
	messagesJSON, err := json.Marshal(messages)
	if err != nil {
		return "", err
	}
	model := opts.Model
	if model == "" {
		model = s.cfg.Model
	}
	row := &ledger.LLMRequest{
		UserID:   userID,
		Provider: string(resp.Provider),
		Model:    model,
		Messages: messagesJSON,
	}
	if err := s.ledger.Create(ctx, row); err != nil {
		return "", err
	}
	err = s.ledger.UpdateSuccess(ctx, row.ID, ledger.SuccessFields{
		ResponseContent: resp.Content,
		ResponseRaw:     resp.Raw,
		TokensUsed:      resp.TokensUsed,
		InputTokens:     resp.InputTokens,
		OutputTokens:    resp.OutputTokens,
		CostEstimate:    resp.CostEstimate,
		FinishReason:    resp.FinishReason,
		RetryAttempt:    1,
		Cached:          true,
	})
	return row.ID, err
}

func (s *Service) assignUser(ctx context.Context, requestID string, userID *int64) {
	if userID == nil || requestID == "" {
		return
	}
	if err := s.ledger.AssignUser(ctx, requestID, *userID); err != nil {
		s.logger.Warn("failed to assign user to request",
			zap.String("request_id", requestID),
			zap.Int64("user_id", *userID),
			zap.Error(err),
		)
	}
}

// GenerateStructuredRaw produces a schema-validated JSON payload.
func (s *Service) GenerateStructuredRaw(ctx context.Context, messages []types.Message, schema *structured.Schema, userID *int64, opts GenerateOptions) (*StructuredResult, string, error) {
	provider, err := s.selectProvider(opts.Model)
	if err != nil {
		return nil, "", err
	}
	result, requestID, err := provider.GenerateStructured(ctx, messages, schema, userID, opts)
	if err != nil {
		s.metrics.RecordRequest(string(provider.Name()), ledger.StatusFailed, 0, 0, 0)
		return nil, requestID, err
	}
	s.metrics.RecordRequest(string(provider.Name()), ledger.StatusCompleted, result.Usage.PromptTokens, result.Usage.CompletionTokens, 0)
	s.assignUser(ctx, requestID, userID)
	return result, requestID, nil
}

// GenerateStructured decodes a schema-validated response into T.
func GenerateStructured[T any](ctx context.Context, s *Service, messages []types.Message, userID *int64, opts GenerateOptions) (T, string, types.TokenUsage, error) {
	var zero T
	schema, err := structured.SchemaOf[T]()
	if err != nil {
		return zero, "", types.TokenUsage{}, types.NewValidationError("failed to derive response schema").WithCause(err)
	}
	result, requestID, err := s.GenerateStructuredRaw(ctx, messages, schema, userID, opts)
	if err != nil {
		return zero, requestID, types.TokenUsage{}, err
	}
	value, err := structured.Decode[T](schema, result.Payload)
	if err != nil {
		return zero, requestID, result.Usage, err
	}
	return value, requestID, result.Usage, nil
}

// GenerateImage renders an image with the configured default provider;
// image requests carry no model, so prefix routing does not apply.
func (s *Service) GenerateImage(ctx context.Context, req ImageRequest, userID *int64) (*ImageResponse, string, error) {
	provider, err := s.selectProvider("")
	if err != nil {
		return nil, "", err
	}
	if req.Size == "" {
		req.Size = "1024x1024"
	}
	if req.Quality == "" {
		req.Quality = "standard"
	}
	resp, requestID, err := provider.GenerateImage(ctx, req, userID)
	if err != nil {
		return nil, requestID, err
	}
	s.assignUser(ctx, requestID, userID)
	return resp, requestID, nil
}

// GenerateAudio synthesizes speech with the default (or routed) provider.
func (s *Service) GenerateAudio(ctx context.Context, req AudioRequest, userID *int64) (*AudioResponse, string, error) {
	provider, err := s.selectProvider(req.Model)
	if err != nil {
		return nil, "", err
	}
	resp, requestID, err := provider.GenerateAudio(ctx, req, userID)
	if err != nil {
		return nil, requestID, err
	}
	s.assignUser(ctx, requestID, userID)
	return resp, requestID, nil
}

// EstimateCost prices a prospective request before making it. The prompt is
// counted with the model's tokenizer (len/4 for unknown encodings); the
// completion is assumed to be a quarter of the prompt.
func (s *Service) EstimateCost(messages []types.Message, model string) float64 {
	provider, err := s.selectProvider(model)
	if err != nil {
		return 0
	}
	if model == "" {
		model = s.cfg.Model
	}
	promptTokens := tokenizer.CountMessages(model, messages)
	return provider.EstimateCost(promptTokens, promptTokens/4, model)
}

// GetRequest returns a ledger row by id.
func (s *Service) GetRequest(ctx context.Context, requestID string) (*ledger.LLMRequest, error) {
	return s.ledger.ByID(ctx, requestID)
}

// GetUserRequests returns a user's recent requests.
func (s *Service) GetUserRequests(ctx context.Context, userID int64, limit, offset int) ([]ledger.LLMRequest, error) {
	return s.ledger.ByUser(ctx, userID, limit, offset)
}

// GetRecentRequests returns the newest requests. For admin use.
func (s *Service) GetRecentRequests(ctx context.Context, limit, offset int) ([]ledger.LLMRequest, error) {
	return s.ledger.Recent(ctx, limit, offset)
}

// CountAllRequests returns the ledger row count. For admin use.
func (s *Service) CountAllRequests(ctx context.Context) (int64, error) {
	return s.ledger.CountAll(ctx)
}

// CountRequestsByUser returns a user's ledger row count.
func (s *Service) CountRequestsByUser(ctx context.Context, userID int64) (int64, error) {
	return s.ledger.CountByUser(ctx, userID)
}

// CountRequestsByStatus returns the ledger row count in the given status.
func (s *Service) CountRequestsByStatus(ctx context.Context, status string) (int64, error) {
	return s.ledger.CountByStatus(ctx, status)
}
