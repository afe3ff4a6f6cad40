// Package flow implements the flow execution engine: persisted runs and
// step runs, an execution context threaded through context.Context, a
// step dispatcher over the four step kinds, and foreground/background
// execution of named flows.
package flow

import (
	"time"

	"github.com/brianfields/promptflow/internal/database"
)

// Run statuses.
const (
	RunStatusPending   = "pending"
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

// Execution modes.
const (
	ModeSync       = "sync"
	ModeBackground = "background"
)

// Step statuses.
const (
	StepStatusPending   = "pending"
	StepStatusRunning   = "running"
	StepStatusCompleted = "completed"
	StepStatusFailed    = "failed"
)

// FlowRun tracks one execution of a named flow.
type FlowRun struct {
	ID       string `gorm:"primaryKey;size:36" json:"id"`
	UserID   *int64 `gorm:"index" json:"user_id"`
	FlowName string `gorm:"size:100;not null;index" json:"flow_name"`

	Status        string `gorm:"size:50;not null;default:pending;index" json:"status"`
	ExecutionMode string `gorm:"size:20;not null;default:sync" json:"execution_mode"`

	CurrentStep        *string `gorm:"size:200" json:"current_step"`
	StepProgress       int     `gorm:"not null;default:0" json:"step_progress"`
	TotalSteps         *int    `json:"total_steps"`
	ProgressPercentage float64 `gorm:"not null;default:0" json:"progress_percentage"`

	Inputs  database.JSON `gorm:"type:text;not null" json:"inputs"`
	Outputs database.JSON `gorm:"type:text" json:"outputs"`

	TotalTokens     int     `gorm:"not null;default:0" json:"total_tokens"`
	TotalCost       float64 `gorm:"not null;default:0" json:"total_cost"`
	ExecutionTimeMs *int64  `json:"execution_time_ms"`

	ErrorMessage *string `gorm:"type:text" json:"error_message"`

	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	StartedAt     *time.Time `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at"`
	LastHeartbeat *time.Time `json:"last_heartbeat"`

	Steps []FlowStepRun `gorm:"foreignKey:FlowRunID;constraint:OnDelete:CASCADE" json:"steps,omitempty"`
}

// TableName implements the GORM naming convention hook.
func (FlowRun) TableName() string { return "flow_runs" }

// IsTerminal reports whether the run has reached a terminal status.
func (r *FlowRun) IsTerminal() bool {
	switch r.Status {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// DurationMs returns the wall-clock duration once both timestamps are set.
func (r *FlowRun) DurationMs() *int64 {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return nil
	}
	ms := r.CompletedAt.Sub(*r.StartedAt).Milliseconds()
	return &ms
}

// FlowStepRun tracks one step inside a flow run.
type FlowStepRun struct {
	ID           string  `gorm:"primaryKey;size:36" json:"id"`
	FlowRunID    string  `gorm:"size:36;not null;index" json:"flow_run_id"`
	LLMRequestID *string `gorm:"size:36;index" json:"llm_request_id"`

	StepName  string `gorm:"size:100;not null;index" json:"step_name"`
	StepOrder int    `gorm:"not null" json:"step_order"`

	Status string `gorm:"size:50;not null;default:pending;index" json:"status"`

	Inputs  database.JSON `gorm:"type:text;not null" json:"inputs"`
	Outputs database.JSON `gorm:"type:text" json:"outputs"`

	TokensUsed      int     `gorm:"not null;default:0" json:"tokens_used"`
	CostEstimate    float64 `gorm:"not null;default:0" json:"cost_estimate"`
	ExecutionTimeMs *int64  `json:"execution_time_ms"`

	ErrorMessage *string `gorm:"type:text" json:"error_message"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

// TableName implements the GORM naming convention hook.
func (FlowStepRun) TableName() string { return "flow_step_runs" }
