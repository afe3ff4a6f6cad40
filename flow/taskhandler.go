package flow

import (
	"context"

	"github.com/brianfields/promptflow/taskqueue"
)

// QueueHandler adapts the engine to the task queue's generic entrypoint: it
// resolves the registered flow named in the payload and drives it exactly
// as a foreground call would, against the run row written at submission
// time (or a fresh one when the submitter did not create it).
func QueueHandler(engine *Engine) taskqueue.Handler {
	return func(ctx context.Context, task *taskqueue.ActiveTask) (map[string]any, error) {
		f, err := Lookup(task.Payload.FlowName)
		if err != nil {
			return nil, err
		}

		runID := task.Payload.FlowRunID
		if runID == "" {
			runID, err = engine.Service().CreateRun(ctx, f.Name, task.Payload.Inputs, task.Payload.UserID, ModeBackground, f.TotalSteps)
			if err != nil {
				return nil, err
			}
		}

		return engine.ExecuteExisting(ctx, f, runID, task.Payload.Inputs, task.Payload.UserID)
	}
}
