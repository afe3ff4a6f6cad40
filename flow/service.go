package flow

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/brianfields/promptflow/internal/database"
	"github.com/brianfields/promptflow/llm"
	"github.com/brianfields/promptflow/types"
)

// Service manages flow run and step run lifecycles and hands steps the LLM
// facade.
type Service struct {
	runs   *RunRepo
	steps  *StepRepo
	llm    *llm.Service
	logger *zap.Logger
	clock  types.Clock
}

// NewService wires the flow engine service over one database session.
func NewService(db *gorm.DB, llmService *llm.Service, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		runs:   NewRunRepo(db),
		steps:  NewStepRepo(db),
		llm:    llmService,
		logger: logger.With(zap.String("component", "flow_engine")),
		clock:  time.Now,
	}
}

// LLM returns the LLM facade for step execution.
func (s *Service) LLM() *llm.Service { return s.llm }

// Runs exposes the run repository for read-only collaborators.
func (s *Service) Runs() *RunRepo { return s.runs }

// Steps exposes the step repository for read-only collaborators.
func (s *Service) Steps() *StepRepo { return s.steps }

// CreateRun records a new flow run in pending state.
func (s *Service) CreateRun(ctx context.Context, flowName string, inputs map[string]any, userID *int64, mode string, totalSteps *int) (string, error) {
	inputsJSON, err := database.MarshalValue(inputs)
	if err != nil {
		return "", types.NewValidationError("flow inputs are not serializable").WithCause(err)
	}
	run := &FlowRun{
		UserID:        userID,
		FlowName:      flowName,
		Status:        RunStatusPending,
		ExecutionMode: mode,
		Inputs:        inputsJSON,
		TotalSteps:    totalSteps,
	}
	if err := s.runs.Create(ctx, run); err != nil {
		return "", err
	}
	s.logger.Info("flow run created",
		zap.String("flow_run_id", run.ID),
		zap.String("flow_name", flowName),
		zap.String("mode", mode),
	)
	return run.ID, nil
}

// MarkRunning transitions pending -> running and stamps started_at.
func (s *Service) MarkRunning(ctx context.Context, runID string) error {
	now := s.clock().UTC()
	return s.runs.Updates(ctx, runID, map[string]any{
		"status":         RunStatusRunning,
		"started_at":     now,
		"last_heartbeat": now,
	})
}

// CompleteRun transitions the run to completed with its outputs. Terminal
// runs are never transitioned again.
func (s *Service) CompleteRun(ctx context.Context, runID string, outputs map[string]any) error {
	run, err := s.runs.ByID(ctx, runID)
	if err != nil {
		return err
	}
	if run.IsTerminal() {
		return nil
	}

	outputsJSON, err := database.MarshalValue(outputs)
	if err != nil {
		return types.NewValidationError("flow outputs are not serializable").WithCause(err)
	}
	now := s.clock().UTC()
	updates := map[string]any{
		"status":              RunStatusCompleted,
		"outputs":             outputsJSON,
		"completed_at":        now,
		"progress_percentage": 100.0,
	}
	if run.StartedAt != nil {
		updates["execution_time_ms"] = now.Sub(*run.StartedAt).Milliseconds()
	}
	if err := s.runs.Updates(ctx, runID, updates); err != nil {
		return err
	}
	s.logger.Info("flow run completed", zap.String("flow_run_id", runID))
	return nil
}

// FailRun transitions the run to failed with the error message.
func (s *Service) FailRun(ctx context.Context, runID, message string) error {
	run, err := s.runs.ByID(ctx, runID)
	if err != nil {
		return err
	}
	if run.IsTerminal() {
		return nil
	}

	now := s.clock().UTC()
	updates := map[string]any{
		"status":        RunStatusFailed,
		"error_message": message,
		"completed_at":  now,
	}
	if run.StartedAt != nil {
		updates["execution_time_ms"] = now.Sub(*run.StartedAt).Milliseconds()
	}
	if err := s.runs.Updates(ctx, runID, updates); err != nil {
		return err
	}
	s.logger.Warn("flow run failed", zap.String("flow_run_id", runID), zap.String("error", message))
	return nil
}

// CancelRun transitions a not-yet-terminal run to cancelled.
func (s *Service) CancelRun(ctx context.Context, runID string) error {
	run, err := s.runs.ByID(ctx, runID)
	if err != nil {
		return err
	}
	if run.IsTerminal() {
		return nil
	}
	return s.runs.Updates(ctx, runID, map[string]any{
		"status":       RunStatusCancelled,
		"completed_at": s.clock().UTC(),
	})
}

// UpdateProgress advances the run's progress counters. The percentage never
// decreases while the run is live.
func (s *Service) UpdateProgress(ctx context.Context, runID, currentStep string, stepProgress int) error {
	run, err := s.runs.ByID(ctx, runID)
	if err != nil {
		return err
	}
	if run.IsTerminal() {
		return nil
	}

	updates := map[string]any{
		"current_step":   currentStep,
		"last_heartbeat": s.clock().UTC(),
	}
	if stepProgress > run.StepProgress {
		updates["step_progress"] = stepProgress
	}
	if run.TotalSteps != nil && *run.TotalSteps > 0 {
		pct := float64(stepProgress) / float64(*run.TotalSteps) * 100
		if pct > 100 {
			pct = 100
		}
		if pct > run.ProgressPercentage {
			updates["progress_percentage"] = pct
		}
	}
	return s.runs.Updates(ctx, runID, updates)
}

// AddUsage accumulates a step's token and cost figures onto the run.
func (s *Service) AddUsage(ctx context.Context, runID string, tokens int, cost float64) error {
	return s.runs.Updates(ctx, runID, map[string]any{
		"total_tokens": gorm.Expr("total_tokens + ?", tokens),
		"total_cost":   gorm.Expr("total_cost + ?", cost),
	})
}

// CreateStepRun records a new step row in pending state.
func (s *Service) CreateStepRun(ctx context.Context, runID, stepName string, stepOrder int, inputs map[string]any) (string, error) {
	inputsJSON, err := database.MarshalValue(inputs)
	if err != nil {
		return "", types.NewValidationError("step inputs are not serializable").WithCause(err)
	}
	step := &FlowStepRun{
		FlowRunID: runID,
		StepName:  stepName,
		StepOrder: stepOrder,
		Status:    StepStatusPending,
		Inputs:    inputsJSON,
	}
	if err := s.steps.Create(ctx, step); err != nil {
		return "", err
	}
	return step.ID, nil
}

// CompleteStepRun transitions the step to completed with its outputs and
// metrics.
func (s *Service) CompleteStepRun(ctx context.Context, stepRunID string, outputs map[string]any, tokens int, cost float64, elapsedMs int64, llmRequestID string) error {
	outputsJSON, err := database.MarshalValue(outputs)
	if err != nil {
		return types.NewValidationError("step outputs are not serializable").WithCause(err)
	}
	updates := map[string]any{
		"status":            StepStatusCompleted,
		"outputs":           outputsJSON,
		"tokens_used":       tokens,
		"cost_estimate":     cost,
		"execution_time_ms": elapsedMs,
		"completed_at":      s.clock().UTC(),
	}
	if llmRequestID != "" {
		updates["llm_request_id"] = llmRequestID
	}
	return s.steps.Updates(ctx, stepRunID, updates)
}

// FailStepRun transitions the step to failed with the error message.
func (s *Service) FailStepRun(ctx context.Context, stepRunID, message string, elapsedMs int64) error {
	return s.steps.Updates(ctx, stepRunID, map[string]any{
		"status":            StepStatusFailed,
		"error_message":     message,
		"execution_time_ms": elapsedMs,
		"completed_at":      s.clock().UTC(),
	})
}
