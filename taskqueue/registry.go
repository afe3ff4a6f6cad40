package taskqueue

import (
	"context"
	"sync"

	"github.com/brianfields/promptflow/types"
)

// ActiveTask is the handle a handler works with: the job payload plus the
// queue surface for progress reporting.
type ActiveTask struct {
	Payload JobPayload
	service *Service
}

// UpdateProgress reports progress on the running task.
func (t *ActiveTask) UpdateProgress(ctx context.Context, percentage float64, currentStep string) error {
	return t.service.UpdateTaskProgress(ctx, t.Payload.TaskID, percentage, currentStep)
}

// Handler executes one task type. The returned map becomes the task's
// outputs. Handlers must be idempotent: the queue delivers at least once.
type Handler func(ctx context.Context, task *ActiveTask) (map[string]any, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Handler{}
)

// RegisterHandler binds a task type to its handler in the process-global
// registry. Worker processes register handlers at startup; the single
// generic entrypoint dispatches through this table.
func RegisterHandler(taskType string, handler Handler) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[taskType] = handler
}

// LookupHandler resolves a task type, or returns an EXECUTION error.
func LookupHandler(taskType string) (Handler, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	handler, ok := registry[taskType]
	if !ok {
		return nil, types.NewExecutionError("no handler registered for task type: " + taskType)
	}
	return handler, nil
}
