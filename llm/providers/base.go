// Package providers holds the shared adapter machinery: the ledger-backed
// request lifecycle, the retry loop, static pricing tables, and HTTP
// plumbing. Concrete adapters live in the subpackages.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/brianfields/promptflow/config"
	"github.com/brianfields/promptflow/llm"
	"github.com/brianfields/promptflow/llm/ledger"
	"github.com/brianfields/promptflow/llm/retry"
	"github.com/brianfields/promptflow/types"
)

// Rate prices a model in USD per million tokens.
type Rate struct {
	Input  float64
	Output float64
}

// RateTable maps model names to rates. Rates are tabulated alongside the
// adapter code, not loaded at runtime.
type RateTable map[string]Rate

// Estimate prices a call. Unknown models fall back to the cheapest entry in
// the table.
func (t RateTable) Estimate(promptTokens, completionTokens int, model string) float64 {
	rate, ok := t[model]
	if !ok {
		rate = t.cheapest()
	}
	return float64(promptTokens)/1e6*rate.Input + float64(completionTokens)/1e6*rate.Output
}

func (t RateTable) cheapest() Rate {
	var best Rate
	first := true
	for _, rate := range t {
		if first || rate.Input+rate.Output < best.Input+best.Output {
			best = rate
			first = false
		}
	}
	return best
}

// Deps bundles the collaborators every adapter needs.
type Deps struct {
	Ledger   *ledger.Repo
	Logger   *zap.Logger
	Defaults config.LLMConfig
}

// Base carries the shared request lifecycle. Concrete adapters embed it.
type Base struct {
	ProviderName llm.ProviderType
	Ledger       *ledger.Repo
	Logger       *zap.Logger
	Defaults     config.LLMConfig
	Retryer      *retry.Retryer
	Clock        types.Clock
}

// NewBase wires the shared lifecycle for one adapter.
func NewBase(name llm.ProviderType, deps Deps) *Base {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	policy := retry.DefaultPolicy()
	policy.MaxRetries = deps.Defaults.MaxRetries
	return &Base{
		ProviderName: name,
		Ledger:       deps.Ledger,
		Logger:       logger.With(zap.String("provider", string(name))),
		Defaults:     deps.Defaults,
		Retryer:      retry.New(policy, logger),
		Clock:        time.Now,
	}
}

// ResolveModel applies the per-call override over the configured default.
func (b *Base) ResolveModel(opts llm.GenerateOptions) string {
	if opts.Model != "" {
		return opts.Model
	}
	return b.Defaults.Model
}

// ResolveTemperature applies the per-call override over the configured default.
func (b *Base) ResolveTemperature(opts llm.GenerateOptions) float32 {
	if opts.Temperature != nil {
		return *opts.Temperature
	}
	return b.Defaults.Temperature
}

// ResolveMaxTokens applies the per-call override over the configured default.
func (b *Base) ResolveMaxTokens(opts llm.GenerateOptions) int {
	if opts.MaxOutputTokens != nil {
		return *opts.MaxOutputTokens
	}
	return b.Defaults.MaxOutputTokens
}

// Invoke runs one logical generation: it records a pending ledger row before
// any network I/O, executes call under the retry policy and per-attempt
// timeout, and writes the terminal outcome back to the row. The returned
// request id is the ledger row id regardless of outcome.
func (b *Base) Invoke(
	ctx context.Context,
	messages []types.Message,
	userID *int64,
	opts llm.GenerateOptions,
	requestPayload any,
	call func(ctx context.Context) (*llm.Response, error),
) (*llm.Response, string, error) {
	row, err := b.createRow(ctx, messages, userID, opts, requestPayload)
	if err != nil {
		return nil, "", fmt.Errorf("create ledger row: %w", err)
	}

	start := b.Clock()
	result, callErr := retry.Do(ctx, b.Retryer, func(ctx context.Context) (*llm.Response, error) {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if b.Defaults.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, b.Defaults.Timeout)
			defer cancel()
		}
		resp, err := call(attemptCtx)
		if err != nil {
			return nil, b.normalizeError(err)
		}
		return resp, nil
	})
	elapsed := b.Clock().Sub(start).Milliseconds()

	if callErr != nil {
		if uerr := b.Ledger.UpdateError(ctx, row.ID, callErr, elapsed, result.Attempt); uerr != nil {
			b.Logger.Error("failed to record ledger error", zap.String("request_id", row.ID), zap.Error(uerr))
		}
		return nil, row.ID, callErr
	}

	resp := result.Value
	resp.Provider = b.ProviderName
	resp.ResponseTimeMs = elapsed

	fields := ledger.SuccessFields{
		ResponseContent:    resp.Content,
		ResponseRaw:        resp.Raw,
		TokensUsed:         resp.TokensUsed,
		InputTokens:        resp.InputTokens,
		OutputTokens:       resp.OutputTokens,
		CostEstimate:       resp.CostEstimate,
		FinishReason:       resp.FinishReason,
		ExecutionTimeMs:    elapsed,
		RetryAttempt:       result.Attempt,
		Cached:             resp.Cached,
		ProviderResponseID: resp.ProviderResponseID,
		SystemFingerprint:  resp.SystemFingerprint,
		ResponseCreatedAt:  resp.ResponseCreatedAt,
	}
	if err := b.Ledger.UpdateSuccess(ctx, row.ID, fields); err != nil {
		b.Logger.Error("failed to record ledger success", zap.String("request_id", row.ID), zap.Error(err))
	}

	return resp, row.ID, nil
}

func (b *Base) createRow(ctx context.Context, messages []types.Message, userID *int64, opts llm.GenerateOptions, requestPayload any) (*ledger.LLMRequest, error) {
	messagesJSON, err := json.Marshal(messages)
	if err != nil {
		return nil, err
	}
	maxTokens := b.ResolveMaxTokens(opts)
	row := &ledger.LLMRequest{
		UserID:          userID,
		Provider:        string(b.ProviderName),
		Model:           b.ResolveModel(opts),
		Temperature:     b.ResolveTemperature(opts),
		MaxOutputTokens: &maxTokens,
		Messages:        messagesJSON,
		Status:          ledger.StatusPending,
	}
	if len(opts.Extra) > 0 {
		row.AdditionalParams, _ = json.Marshal(opts.Extra)
	}
	if requestPayload != nil {
		row.RequestPayload, _ = json.Marshal(requestPayload)
	}
	if err := b.Ledger.Create(ctx, row); err != nil {
		return nil, err
	}
	return row, nil
}

// normalizeError folds context errors into the taxonomy; typed errors pass
// through, tagged with this provider when they carry none.
func (b *Base) normalizeError(err error) error {
	var typed *types.Error
	if errors.As(err, &typed) {
		if typed.Provider == "" {
			typed.Provider = string(b.ProviderName)
		}
		return typed
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewTimeoutError("request exceeded adapter timeout").WithCause(err).WithProvider(string(b.ProviderName))
	}
	if errors.Is(err, context.Canceled) {
		return types.NewError(types.ErrExecution, "request cancelled").WithCause(err).WithProvider(string(b.ProviderName))
	}
	return types.NewProviderError(err.Error(), 0).WithRetryable(true).WithCause(err).WithProvider(string(b.ProviderName))
}

// PostJSON issues a JSON POST and returns the response body, status, and
// headers. Transport failures map to retryable provider errors; deadline
// expiry maps to a timeout error.
func (b *Base) PostJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body any) ([]byte, int, http.Header, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, 0, nil, types.NewValidationError("failed to encode request payload").WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, nil, types.NewValidationError("failed to build request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, 0, nil, types.NewTimeoutError("request exceeded adapter timeout").WithCause(err)
		}
		return nil, 0, nil, types.NewProviderError(err.Error(), http.StatusBadGateway).WithRetryable(true).WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, resp.Header, types.NewProviderError("failed to read response body", http.StatusBadGateway).WithRetryable(true).WithCause(err)
	}
	return data, resp.StatusCode, resp.Header, nil
}

// MapHTTPError converts a vendor HTTP status into the canonical taxonomy.
// retryAfter is honored for 429 responses.
func MapHTTPError(status int, message string, retryAfter time.Duration) *types.Error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return types.NewAuthenticationError(message).WithHTTPStatus(status)
	case status == http.StatusTooManyRequests:
		return types.NewRateLimitError(message, retryAfter)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return types.NewTimeoutError(message).WithHTTPStatus(status)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return types.NewValidationError(message).WithHTTPStatus(status)
	case status >= 500:
		return types.NewProviderError(message, status)
	default:
		return types.NewProviderError(message, status)
	}
}

// ParseRetryAfter reads a Retry-After style seconds value.
func ParseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	var seconds float64
	if _, err := fmt.Sscanf(header, "%f", &seconds); err != nil {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}
