package flow

import (
	"context"
	"sync"

	"github.com/brianfields/promptflow/types"
)

// ExecutionContext carries run-scoped state through step invocations: the
// engine service handle, the active run and user, the step counter, and the
// last step's token/cost figures. It travels inside context.Context so steps
// never take it as an explicit parameter.
type ExecutionContext struct {
	Service *Service
	RunID   string
	UserID  *int64

	mu          sync.Mutex
	stepCounter int
	lastTokens  int
	lastCost    float64
}

// NewExecutionContext binds a fresh context for one run.
func NewExecutionContext(service *Service, runID string, userID *int64) *ExecutionContext {
	return &ExecutionContext{Service: service, RunID: runID, UserID: userID}
}

// NextStepOrder increments and returns the step counter. A flow run executes
// in a single task, so ordering races cannot occur; the mutex guards against
// accidental concurrent step execution inside one run.
func (ec *ExecutionContext) NextStepOrder() int {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.stepCounter++
	return ec.stepCounter
}

// StepCount returns the number of steps executed so far.
func (ec *ExecutionContext) StepCount() int {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.stepCounter
}

// SetLastUsage records the most recent step's token and cost figures.
func (ec *ExecutionContext) SetLastUsage(tokens int, cost float64) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.lastTokens = tokens
	ec.lastCost = cost
}

// LastUsage returns the most recent step's token and cost figures.
func (ec *ExecutionContext) LastUsage() (int, float64) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.lastTokens, ec.lastCost
}

type contextKey struct{}

// WithExecution installs the execution context into ctx.
func WithExecution(ctx context.Context, ec *ExecutionContext) context.Context {
	return context.WithValue(ctx, contextKey{}, ec)
}

// FromContext returns the installed execution context. Steps executed
// outside a flow fail with an EXECUTION error.
func FromContext(ctx context.Context) (*ExecutionContext, error) {
	ec, ok := ctx.Value(contextKey{}).(*ExecutionContext)
	if !ok || ec == nil {
		return nil, types.NewExecutionError("no flow execution context: steps must run inside a flow's Run function")
	}
	return ec, nil
}
