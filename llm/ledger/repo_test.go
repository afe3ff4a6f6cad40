package ledger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brianfields/promptflow/llm/ledger"
	"github.com/brianfields/promptflow/testutil"
	"github.com/brianfields/promptflow/types"
)

func newRepo(t *testing.T) *ledger.Repo {
	t.Helper()
	return ledger.NewRepo(testutil.OpenTestDB(t))
}

func pendingRow() *ledger.LLMRequest {
	return &ledger.LLMRequest{
		Provider: "openai",
		Model:    "gpt-4o-mini",
		Messages: []byte(`[{"role":"user","content":"hi"}]`),
	}
}

func TestCreateStartsPending(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	row := pendingRow()
	require.NoError(t, repo.Create(ctx, row))
	require.NotEmpty(t, row.ID)

	got, err := repo.ByID(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryAttempt)
	assert.Nil(t, got.ResponseContent)
	assert.Nil(t, got.ErrorMessage)
}

func TestUpdateSuccessCompletesRow(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	row := pendingRow()
	require.NoError(t, repo.Create(ctx, row))
	require.NoError(t, repo.UpdateSuccess(ctx, row.ID, ledger.SuccessFields{
		ResponseContent: "hello",
		TokensUsed:      15,
		InputTokens:     10,
		OutputTokens:    5,
		CostEstimate:    0.001,
		FinishReason:    "stop",
		ExecutionTimeMs: 120,
		RetryAttempt:    1,
	}))

	got, err := repo.ByID(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, got.Status)
	require.NotNil(t, got.ResponseContent)
	assert.Equal(t, "hello", *got.ResponseContent)
	require.NotNil(t, got.TokensUsed)
	assert.Equal(t, 15, *got.TokensUsed)
	assert.Nil(t, got.ErrorMessage)
	assert.Nil(t, got.ErrorType)
}

func TestUpdateErrorFailsRow(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	row := pendingRow()
	require.NoError(t, repo.Create(ctx, row))
	require.NoError(t, repo.UpdateError(ctx, row.ID, types.NewRateLimitError("throttled", 0), 250, 4))

	got, err := repo.ByID(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	require.NotNil(t, got.ErrorType)
	assert.Equal(t, "RATE_LIMIT", *got.ErrorType)
	assert.Equal(t, 4, got.RetryAttempt)
	assert.Nil(t, got.ResponseContent)
}

func TestAssignUserIsIdempotent(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	row := pendingRow()
	require.NoError(t, repo.Create(ctx, row))

	require.NoError(t, repo.AssignUser(ctx, row.ID, 42))
	require.NoError(t, repo.AssignUser(ctx, row.ID, 42))

	got, err := repo.ByID(ctx, row.ID)
	require.NoError(t, err)
	require.NotNil(t, got.UserID)
	assert.EqualValues(t, 42, *got.UserID)
	first := got.UpdatedAt

	// Assigning a different user never overwrites an existing owner.
	require.NoError(t, repo.AssignUser(ctx, row.ID, 99))
	got, err = repo.ByID(ctx, row.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 42, *got.UserID)
	assert.Equal(t, first.Unix(), got.UpdatedAt.Unix())
}

func TestQueriesAndCounts(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	userID := int64(7)
	for i := 0; i < 3; i++ {
		row := pendingRow()
		row.UserID = &userID
		require.NoError(t, repo.Create(ctx, row))
		if i < 2 {
			require.NoError(t, repo.UpdateSuccess(ctx, row.ID, ledger.SuccessFields{ResponseContent: "ok"}))
		}
	}
	other := pendingRow()
	other.Provider = "anthropic"
	require.NoError(t, repo.Create(ctx, other))

	byUser, err := repo.ByUser(ctx, userID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, byUser, 3)

	completed, err := repo.ByStatus(ctx, ledger.StatusCompleted, 10, 0)
	require.NoError(t, err)
	assert.Len(t, completed, 2)

	byProvider, err := repo.ByProvider(ctx, "anthropic", 10, 0)
	require.NoError(t, err)
	assert.Len(t, byProvider, 1)

	recent, err := repo.Recent(ctx, 2, 0)
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	total, err := repo.CountAll(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 4, total)

	n, err := repo.CountByUser(ctx, userID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	n, err = repo.CountByStatus(ctx, ledger.StatusPending)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestByIDNotFound(t *testing.T) {
	repo := newRepo(t)
	_, err := repo.ByID(context.Background(), "missing")
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}
