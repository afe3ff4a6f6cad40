package openaicompat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brianfields/promptflow/llm"
	"github.com/brianfields/promptflow/llm/ledger"
	"github.com/brianfields/promptflow/llm/providers"
	"github.com/brianfields/promptflow/llm/retry"
	"github.com/brianfields/promptflow/structured"
	"github.com/brianfields/promptflow/testutil"
	"github.com/brianfields/promptflow/types"
)

type testTransport struct {
	url string
}

func (t *testTransport) ChatURL(string) string { return t.url }
func (t *testTransport) Headers() map[string]string {
	return map[string]string{"Authorization": "Bearer test"}
}

var testRates = providers.RateTable{"fake-model": {Input: 1, Output: 2}}

func newClient(t *testing.T, serverURL string) (*Client, *ledger.Repo) {
	t.Helper()
	db := testutil.OpenTestDB(t)
	base := providers.NewBase("openai", providers.Deps{
		Ledger:   ledger.NewRepo(db),
		Defaults: testutil.FakeDefaults(),
	})
	base.Retryer = retry.New(&retry.Policy{MaxRetries: 2, InitialDelay: 1e6, MaxDelay: 1e7, Multiplier: 2}, nil)
	return &Client{
		Base:             base,
		Transport:        &testTransport{url: serverURL},
		HTTPClient:       &http.Client{},
		NativeStructured: true,
	}, ledger.NewRepo(db)
}

func chatFixture(content string, toolCalls []wireToolCall) map[string]any {
	message := map[string]any{"role": "assistant", "content": content}
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
	}
	return map[string]any{
		"id":      "chatcmpl-1",
		"model":   "fake-model",
		"created": 1735000000,
		"choices": []map[string]any{{
			"message":       message,
			"finish_reason": "stop",
		}},
		"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 7, "total_tokens": 19},
	}
}

func TestGenerateResponseNormalizes(t *testing.T) {
	var sawAuth atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAuth.Store(r.Header.Get("Authorization") == "Bearer test")
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "fake-model", req.Model)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "user", req.Messages[0].Role)
		_ = json.NewEncoder(w).Encode(chatFixture("hello!", nil))
	}))
	defer server.Close()

	client, repo := newClient(t, server.URL)
	resp, requestID, err := client.GenerateResponse(context.Background(), []types.Message{types.NewUserMessage("hi")}, nil, llm.GenerateOptions{}, testRates)
	require.NoError(t, err)
	assert.True(t, sawAuth.Load())
	assert.Equal(t, "hello!", resp.Content)
	assert.Equal(t, 19, resp.TokensUsed)
	assert.Equal(t, 12, resp.InputTokens)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, "chatcmpl-1", resp.ProviderResponseID)
	assert.NotNil(t, resp.ResponseCreatedAt)
	assert.InDelta(t, 12.0/1e6*1+7.0/1e6*2, resp.CostEstimate, 1e-12)

	row, err := repo.ByID(context.Background(), requestID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, row.Status)
	require.NotNil(t, row.ResponseContent)
	assert.Equal(t, "hello!", *row.ResponseContent)
}

func TestToolCallsAreExtracted(t *testing.T) {
	tc := wireToolCall{ID: "call_1", Type: "function"}
	tc.Function.Name = "add"
	tc.Function.Arguments = `{"a":2,"b":3}`

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(chatFixture("", []wireToolCall{tc}))
	}))
	defer server.Close()

	client, _ := newClient(t, server.URL)
	schema := structured.MustSchemaOf[struct {
		A int `json:"a"`
		B int `json:"b"`
	}]()
	opts := llm.GenerateOptions{Tools: []types.ToolSchema{{Name: "add", Parameters: schema.JSON()}}}

	resp, _, err := client.GenerateResponse(context.Background(), []types.Message{types.NewUserMessage("2+3?")}, nil, opts, testRates)
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "add", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"a":2,"b":3}`, string(resp.ToolCalls[0].Arguments))
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantCode  types.ErrorCode
		retryable bool
	}{
		{"unauthorized", 401, `{"error":{"message":"bad key"}}`, types.ErrAuthentication, false},
		{"rate limited", 429, `{"error":{"message":"slow down"}}`, types.ErrRateLimit, true},
		{"bad request", 400, `{"error":{"message":"invalid"}}`, types.ErrValidation, false},
		{"server error", 500, `{"error":{"message":"oops"}}`, types.ErrProvider, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client, repo := newClient(t, server.URL)
			_, requestID, err := client.GenerateResponse(context.Background(), []types.Message{types.NewUserMessage("hi")}, nil, llm.GenerateOptions{}, testRates)
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, types.GetErrorCode(err))
			assert.Equal(t, tt.retryable, types.IsRetryable(err))

			row, rerr := repo.ByID(context.Background(), requestID)
			require.NoError(t, rerr)
			assert.Equal(t, ledger.StatusFailed, row.Status)
		})
	}
}

func TestStructuredNativeFormat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotNil(t, req.ResponseFormat)
		assert.Equal(t, "json_schema", req.ResponseFormat.Type)
		_ = json.NewEncoder(w).Encode(chatFixture(`{"title":"T","score":0.9}`, nil))
	}))
	defer server.Close()

	client, _ := newClient(t, server.URL)
	schema := structured.MustSchemaOf[struct {
		Title string  `json:"title"`
		Score float64 `json:"score"`
	}]()

	result, _, err := client.GenerateStructured(context.Background(), []types.Message{types.NewUserMessage("judge")}, schema, nil, llm.GenerateOptions{}, testRates)
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"T","score":0.9}`, string(result.Payload))
	assert.Equal(t, 19, result.Usage.TotalTokens)
}

func TestStructuredParseFailureIsValidationError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(chatFixture("not json at all", nil))
	}))
	defer server.Close()

	client, repo := newClient(t, server.URL)
	schema := structured.MustSchemaOf[struct {
		Title string `json:"title"`
	}]()

	_, requestID, err := client.GenerateStructured(context.Background(), []types.Message{types.NewUserMessage("judge")}, schema, nil, llm.GenerateOptions{}, testRates)
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))

	row, rerr := repo.ByID(context.Background(), requestID)
	require.NoError(t, rerr)
	assert.Equal(t, ledger.StatusFailed, row.Status)
	require.NotNil(t, row.ErrorType)
	assert.Equal(t, "VALIDATION", *row.ErrorType)
}
