package flow

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/brianfields/promptflow/types"
)

// RunRepo persists FlowRun rows. The caller owns the session lifecycle.
type RunRepo struct {
	db *gorm.DB
}

// NewRunRepo creates a run repository over the given session.
func NewRunRepo(db *gorm.DB) *RunRepo {
	return &RunRepo{db: db}
}

// Create inserts the run, minting its id when absent.
func (r *RunRepo) Create(ctx context.Context, run *FlowRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = RunStatusPending
	}
	if run.ExecutionMode == "" {
		run.ExecutionMode = ModeSync
	}
	return r.db.WithContext(ctx).Create(run).Error
}

// ByID returns the run, or a NOT_FOUND error.
func (r *RunRepo) ByID(ctx context.Context, id string) (*FlowRun, error) {
	var run FlowRun
	err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrNotFound, "flow run not found: "+id)
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ByIDWithSteps returns the run with its step rows ordered by step_order.
func (r *RunRepo) ByIDWithSteps(ctx context.Context, id string) (*FlowRun, error) {
	var run FlowRun
	err := r.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("step_order ASC") }).
		First(&run, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrNotFound, "flow run not found: "+id)
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// Updates applies a partial update to the run. Updates against a terminal
// run are rejected at the service layer; the repo stays mechanical.
func (r *RunRepo) Updates(ctx context.Context, id string, updates map[string]any) error {
	return r.db.WithContext(ctx).Model(&FlowRun{}).Where("id = ?", id).Updates(updates).Error
}

// ListForUser returns a user's runs, newest first.
func (r *RunRepo) ListForUser(ctx context.Context, userID int64, limit, offset int) ([]FlowRun, error) {
	var runs []FlowRun
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).Offset(offset).
		Find(&runs).Error
	return runs, err
}

// ListRunning returns runs currently in the running status.
func (r *RunRepo) ListRunning(ctx context.Context, limit int) ([]FlowRun, error) {
	var runs []FlowRun
	err := r.db.WithContext(ctx).
		Where("status = ?", RunStatusRunning).
		Order("created_at DESC").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}

// StepRepo persists FlowStepRun rows.
type StepRepo struct {
	db *gorm.DB
}

// NewStepRepo creates a step repository over the given session.
func NewStepRepo(db *gorm.DB) *StepRepo {
	return &StepRepo{db: db}
}

// Create inserts the step row, minting its id when absent.
func (r *StepRepo) Create(ctx context.Context, step *FlowStepRun) error {
	if step.ID == "" {
		step.ID = uuid.New().String()
	}
	if step.Status == "" {
		step.Status = StepStatusPending
	}
	return r.db.WithContext(ctx).Create(step).Error
}

// ByID returns the step row, or a NOT_FOUND error.
func (r *StepRepo) ByID(ctx context.Context, id string) (*FlowStepRun, error) {
	var step FlowStepRun
	err := r.db.WithContext(ctx).First(&step, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrNotFound, "flow step run not found: "+id)
	}
	if err != nil {
		return nil, err
	}
	return &step, nil
}

// ByRun returns the run's step rows in execution order.
func (r *StepRepo) ByRun(ctx context.Context, runID string) ([]FlowStepRun, error) {
	var steps []FlowStepRun
	err := r.db.WithContext(ctx).
		Where("flow_run_id = ?", runID).
		Order("step_order ASC").
		Find(&steps).Error
	return steps, err
}

// Updates applies a partial update to the step row.
func (r *StepRepo) Updates(ctx context.Context, id string, updates map[string]any) error {
	return r.db.WithContext(ctx).Model(&FlowStepRun{}).Where("id = ?", id).Updates(updates).Error
}
