package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/brianfields/promptflow/types"
)

// Repo is the single-table persistence surface for LLMRequest rows. The
// caller owns the session: pass a transaction handle to group mutations.
type Repo struct {
	db *gorm.DB
}

// NewRepo creates a ledger repository over the given session.
func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// Create inserts the row in pending state, minting its id when absent.
func (r *Repo) Create(ctx context.Context, row *LLMRequest) error {
	if row.ID == "" {
		row.ID = uuid.New().String()
	}
	if row.Status == "" {
		row.Status = StatusPending
	}
	if row.RetryAttempt == 0 {
		row.RetryAttempt = 1
	}
	return r.db.WithContext(ctx).Create(row).Error
}

// SuccessFields carries the terminal success transition payload.
type SuccessFields struct {
	ResponseContent    string
	ResponseRaw        []byte
	TokensUsed         int
	InputTokens        int
	OutputTokens       int
	CostEstimate       float64
	FinishReason       string
	ExecutionTimeMs    int64
	RetryAttempt       int
	Cached             bool
	ProviderResponseID string
	SystemFingerprint  string
	ResponseCreatedAt  *time.Time
}

// UpdateSuccess transitions the row to completed with its response data.
func (r *Repo) UpdateSuccess(ctx context.Context, id string, fields SuccessFields) error {
	updates := map[string]any{
		"status":            StatusCompleted,
		"response_content":  fields.ResponseContent,
		"tokens_used":       fields.TokensUsed,
		"input_tokens":      fields.InputTokens,
		"output_tokens":     fields.OutputTokens,
		"cost_estimate":     fields.CostEstimate,
		"execution_time_ms": fields.ExecutionTimeMs,
		"cached":            fields.Cached,
	}
	if len(fields.ResponseRaw) > 0 {
		updates["response_raw"] = string(fields.ResponseRaw)
	}
	if fields.FinishReason != "" {
		updates["finish_reason"] = fields.FinishReason
	}
	if fields.RetryAttempt > 0 {
		updates["retry_attempt"] = fields.RetryAttempt
	}
	if fields.ProviderResponseID != "" {
		updates["provider_response_id"] = fields.ProviderResponseID
	}
	if fields.SystemFingerprint != "" {
		updates["system_fingerprint"] = fields.SystemFingerprint
	}
	if fields.ResponseCreatedAt != nil {
		updates["response_created_at"] = fields.ResponseCreatedAt
	}
	return r.db.WithContext(ctx).Model(&LLMRequest{}).Where("id = ?", id).Updates(updates).Error
}

// UpdateError transitions the row to failed with the mapped error.
func (r *Repo) UpdateError(ctx context.Context, id string, cause error, elapsedMs int64, retryAttempt int) error {
	errType := string(types.GetErrorCode(cause))
	if errType == "" {
		errType = "UNKNOWN"
	}
	return r.db.WithContext(ctx).Model(&LLMRequest{}).Where("id = ?", id).Updates(map[string]any{
		"status":            StatusFailed,
		"error_message":     cause.Error(),
		"error_type":        errType,
		"execution_time_ms": elapsedMs,
		"retry_attempt":     retryAttempt,
	}).Error
}

// AssignUser late-binds ownership of a request. The assignment is
// idempotent: re-assigning the same user is a no-op, and an existing
// owner is never overwritten.
func (r *Repo) AssignUser(ctx context.Context, id string, userID int64) error {
	return r.db.WithContext(ctx).
		Model(&LLMRequest{}).
		Where("id = ? AND (user_id IS NULL OR user_id = ?)", id, userID).
		Update("user_id", userID).Error
}

// ByID returns the row, or a NOT_FOUND error.
func (r *Repo) ByID(ctx context.Context, id string) (*LLMRequest, error) {
	var row LLMRequest
	err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrNotFound, "llm request not found: "+id)
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ByUser returns a user's requests, newest first.
func (r *Repo) ByUser(ctx context.Context, userID int64, limit, offset int) ([]LLMRequest, error) {
	var rows []LLMRequest
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).Offset(offset).
		Find(&rows).Error
	return rows, err
}

// ByStatus returns requests in the given status, newest first.
func (r *Repo) ByStatus(ctx context.Context, status string, limit, offset int) ([]LLMRequest, error) {
	var rows []LLMRequest
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at DESC").
		Limit(limit).Offset(offset).
		Find(&rows).Error
	return rows, err
}

// ByProvider returns requests served by the given provider, newest first.
func (r *Repo) ByProvider(ctx context.Context, provider string, limit, offset int) ([]LLMRequest, error) {
	var rows []LLMRequest
	err := r.db.WithContext(ctx).
		Where("provider = ?", provider).
		Order("created_at DESC").
		Limit(limit).Offset(offset).
		Find(&rows).Error
	return rows, err
}

// Recent returns the newest requests across all users.
func (r *Repo) Recent(ctx context.Context, limit, offset int) ([]LLMRequest, error) {
	var rows []LLMRequest
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).Offset(offset).
		Find(&rows).Error
	return rows, err
}

// CountAll returns the total number of ledger rows.
func (r *Repo) CountAll(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&LLMRequest{}).Count(&n).Error
	return n, err
}

// CountByUser returns the number of rows owned by the user.
func (r *Repo) CountByUser(ctx context.Context, userID int64) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&LLMRequest{}).Where("user_id = ?", userID).Count(&n).Error
	return n, err
}

// CountByStatus returns the number of rows in the given status.
func (r *Repo) CountByStatus(ctx context.Context, status string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&LLMRequest{}).Where("status = ?", status).Count(&n).Error
	return n, err
}
