// Package ledger persists every logical LLM request and its outcome. One
// row corresponds to one attempt as seen by the caller, regardless of how
// many underlying retries the adapter performed.
package ledger

import (
	"time"

	"github.com/brianfields/promptflow/internal/database"
)

// Request statuses.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// LLMRequest is the durable record of one provider call.
type LLMRequest struct {
	ID     string `gorm:"primaryKey;size:36" json:"id"`
	UserID *int64 `gorm:"index" json:"user_id"`

	Provider        string  `gorm:"size:50;not null;index" json:"provider"`
	Model           string  `gorm:"size:100;not null;index" json:"model"`
	Temperature     float32 `json:"temperature"`
	MaxOutputTokens *int    `json:"max_output_tokens"`

	Messages         database.JSON `gorm:"type:text;not null" json:"messages"`
	AdditionalParams database.JSON `gorm:"type:text" json:"additional_params"`
	RequestPayload   database.JSON `gorm:"type:text" json:"request_payload"`

	ResponseContent *string       `gorm:"type:text" json:"response_content"`
	ResponseRaw     database.JSON `gorm:"type:text" json:"response_raw"`

	TokensUsed   *int     `json:"tokens_used"`
	InputTokens  *int     `json:"input_tokens"`
	OutputTokens *int     `json:"output_tokens"`
	CostEstimate *float64 `json:"cost_estimate"`

	FinishReason *string `gorm:"size:50" json:"finish_reason"`

	Status          string `gorm:"size:50;not null;default:pending;index" json:"status"`
	ExecutionTimeMs *int64 `json:"execution_time_ms"`

	ErrorMessage *string `gorm:"type:text" json:"error_message"`
	ErrorType    *string `gorm:"size:100" json:"error_type"`

	RetryAttempt int  `gorm:"not null;default:1" json:"retry_attempt"`
	Cached       bool `gorm:"not null;default:false;index" json:"cached"`

	ProviderResponseID *string    `gorm:"size:200" json:"provider_response_id"`
	SystemFingerprint  *string    `gorm:"size:200" json:"system_fingerprint"`
	ResponseCreatedAt  *time.Time `json:"response_created_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName implements the GORM naming convention hook.
func (LLMRequest) TableName() string {
	return "llm_requests"
}

// TotalTokens returns the recorded total, deriving it from the split
// counters when absent.
func (r *LLMRequest) TotalTokens() *int {
	if r.TokensUsed != nil {
		return r.TokensUsed
	}
	if r.InputTokens != nil && r.OutputTokens != nil {
		total := *r.InputTokens + *r.OutputTokens
		return &total
	}
	return nil
}

// Summary returns a compact view of the row for logging and admin displays.
func (r *LLMRequest) Summary() map[string]any {
	return map[string]any{
		"id":                r.ID,
		"provider":          r.Provider,
		"model":             r.Model,
		"status":            r.Status,
		"tokens_used":       r.TokensUsed,
		"cost_estimate":     r.CostEstimate,
		"execution_time_ms": r.ExecutionTimeMs,
		"cached":            r.Cached,
		"created_at":        r.CreatedAt,
	}
}
