package flow

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/brianfields/promptflow/structured"
	"github.com/brianfields/promptflow/types"
)

// Flow is a named pipeline of steps. The Run body composes ExecuteStep
// calls; the engine supplies run bookkeeping and the execution context.
type Flow struct {
	Name string
	// Inputs validates the input map when set.
	Inputs *structured.Schema
	// TotalSteps, when known, enables percentage progress.
	TotalSteps *int
	// Run is the flow body. It receives a context carrying the bound
	// ExecutionContext and must return the flow outputs.
	Run func(ctx context.Context, inputs map[string]any) (map[string]any, error)
}

// Engine executes flows against one flow service.
type Engine struct {
	service *Service
	logger  *zap.Logger
}

// NewEngine creates a flow engine.
func NewEngine(service *Service, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{service: service, logger: logger.With(zap.String("component", "flow_engine"))}
}

// Service returns the underlying flow service.
func (e *Engine) Service() *Service { return e.service }

func (e *Engine) validateInputs(f *Flow, inputs map[string]any) error {
	if f.Inputs == nil {
		return nil
	}
	inputsJSON, err := json.Marshal(inputs)
	if err != nil {
		return types.NewValidationError("flow inputs are not serializable").WithCause(err)
	}
	return f.Inputs.Validate(inputsJSON)
}

// Execute runs the flow in the foreground: create the run row, bind the
// execution context, run the body, and record completion or failure.
func (e *Engine) Execute(ctx context.Context, f *Flow, inputs map[string]any, userID *int64) (map[string]any, error) {
	if err := e.validateInputs(f, inputs); err != nil {
		return nil, err
	}

	runID, err := e.service.CreateRun(ctx, f.Name, inputs, userID, ModeSync, f.TotalSteps)
	if err != nil {
		return nil, err
	}
	return e.drive(ctx, f, runID, inputs, userID)
}

// ExecuteBackground validates inputs and creates the run row synchronously,
// then drives the body in a detached task. The run id returns immediately
// for progress polling. The engine does not retry failed background runs;
// retries belong to the task queue.
func (e *Engine) ExecuteBackground(ctx context.Context, f *Flow, inputs map[string]any, userID *int64) (string, error) {
	if err := e.validateInputs(f, inputs); err != nil {
		return "", err
	}

	runID, err := e.service.CreateRun(ctx, f.Name, inputs, userID, ModeBackground, f.TotalSteps)
	if err != nil {
		return "", err
	}

	go func() {
		// The caller's context may end as soon as this returns; the
		// background task gets its own.
		bgCtx := context.Background()
		if _, err := e.drive(bgCtx, f, runID, inputs, userID); err != nil {
			e.logger.Warn("background flow run failed",
				zap.String("flow_run_id", runID),
				zap.String("flow_name", f.Name),
				zap.Error(err),
			)
		}
	}()

	return runID, nil
}

// ExecuteExisting drives the flow body against an already-created run row.
// The task queue worker uses this to execute a run whose row was written at
// submission time.
func (e *Engine) ExecuteExisting(ctx context.Context, f *Flow, runID string, inputs map[string]any, userID *int64) (map[string]any, error) {
	if err := e.validateInputs(f, inputs); err != nil {
		if ferr := e.service.FailRun(ctx, runID, err.Error()); ferr != nil {
			e.logger.Error("failed to mark run failed", zap.String("flow_run_id", runID), zap.Error(ferr))
		}
		return nil, err
	}
	return e.drive(ctx, f, runID, inputs, userID)
}

// drive is the shared body: mark running, bind the context, run, settle.
func (e *Engine) drive(ctx context.Context, f *Flow, runID string, inputs map[string]any, userID *int64) (outputs map[string]any, err error) {
	if err := e.service.MarkRunning(ctx, runID); err != nil {
		return nil, err
	}

	ec := NewExecutionContext(e.service, runID, userID)
	ctx = WithExecution(ctx, ec)

	e.logger.Info("executing flow", zap.String("flow_name", f.Name), zap.String("flow_run_id", runID))

	defer func() {
		if r := recover(); r != nil {
			err = types.NewExecutionError(fmt.Sprintf("flow %s panicked: %v", f.Name, r))
			if ferr := e.service.FailRun(ctx, runID, err.Error()); ferr != nil {
				e.logger.Error("failed to mark run failed after panic", zap.String("flow_run_id", runID), zap.Error(ferr))
			}
		}
	}()

	outputs, err = f.Run(ctx, inputs)
	if err != nil {
		if ferr := e.service.FailRun(ctx, runID, err.Error()); ferr != nil {
			e.logger.Error("failed to mark run failed", zap.String("flow_run_id", runID), zap.Error(ferr))
		}
		return nil, err
	}

	if err := e.service.CompleteRun(ctx, runID, outputs); err != nil {
		return nil, err
	}
	return outputs, nil
}
