package flow_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brianfields/promptflow/config"
	"github.com/brianfields/promptflow/flow"
	"github.com/brianfields/promptflow/taskqueue"
	"github.com/brianfields/promptflow/testutil"
)

// Submitting a flow to the queue and driving it through a worker must leave
// the same records a foreground run would.
func TestQueuedFlowRunsToCompletion(t *testing.T) {
	engine, db, _ := newEngine(t, testutil.ScriptStep{Content: `{"title":"T","score":0.9}`})
	client, _ := testutil.NewTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queueCfg := config.QueueConfig{
		Name:              "flows",
		HeartbeatInterval: 20 * time.Millisecond,
		PollInterval:      20 * time.Millisecond,
		WorkerTTL:         time.Hour,
		JobTimeout:        5 * time.Second,
	}
	queueSvc := taskqueue.NewService(client, queueCfg, nil)

	f := extractFlow()
	flow.Register(f)
	taskqueue.RegisterHandler(taskqueue.TaskTypeFlowExecution, flow.QueueHandler(engine))

	manager := taskqueue.NewManager(queueSvc, "flow-worker", nil)
	worker := taskqueue.NewWorker(queueSvc, manager, nil, nil)
	go func() { _ = worker.Run(ctx) }()

	// Create the run row up front, the way a submitting API would.
	runID, err := engine.Service().CreateRun(ctx, f.Name, map[string]any{"text": "queued"}, nil, flow.ModeBackground, f.TotalSteps)
	require.NoError(t, err)

	result, err := queueSvc.SubmitFlowTask(ctx, f.Name, runID, map[string]any{"text": "queued"}, nil, 0, 0, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := queueSvc.GetTaskStatus(ctx, result.TaskID)
		return err == nil && status != nil && status.Status == taskqueue.TaskCompleted
	}, 5*time.Second, 10*time.Millisecond)

	status, err := queueSvc.GetTaskStatus(ctx, result.TaskID)
	require.NoError(t, err)
	assert.EqualValues(t, 100, status.ProgressPercentage)
	assert.Equal(t, "T", status.Outputs["title"])

	run, err := engine.Service().Runs().ByID(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, flow.RunStatusCompleted, run.Status)

	var outputs map[string]any
	require.NoError(t, run.Outputs.UnmarshalInto(&outputs))
	assert.Equal(t, "T", outputs["title"])

	steps, err := flow.NewStepRepo(db).ByRun(ctx, runID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, flow.StepStatusCompleted, steps[0].Status)
}
