package taskqueue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brianfields/promptflow/config"
	"github.com/brianfields/promptflow/taskqueue"
	"github.com/brianfields/promptflow/testutil"
	"github.com/brianfields/promptflow/types"
)

func queueConfig() config.QueueConfig {
	return config.QueueConfig{
		Name:              "default",
		HeartbeatInterval: 20 * time.Millisecond,
		PollInterval:      20 * time.Millisecond,
		WorkerTTL:         time.Hour,
		JobTimeout:        5 * time.Second,
	}
}

func newQueueService(t *testing.T) *taskqueue.Service {
	t.Helper()
	client, _ := testutil.NewTestRedis(t)
	return taskqueue.NewService(client, queueConfig(), nil)
}

func TestSubmitSeedsPendingStatus(t *testing.T) {
	svc := newQueueService(t)
	ctx := context.Background()

	userID := int64(3)
	result, err := svc.SubmitFlowTask(ctx, "demo", "run-1", map[string]any{"k": "v"}, &userID, 2, 0, "")
	require.NoError(t, err)
	assert.NotEmpty(t, result.TaskID)
	assert.Equal(t, taskqueue.TaskPending, result.Status)
	assert.Equal(t, "default", result.QueueName)

	status, err := svc.GetTaskStatus(ctx, result.TaskID)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, taskqueue.TaskPending, status.Status)
	assert.Equal(t, "demo", status.FlowName)
	assert.Equal(t, 2, status.Priority)
	assert.Nil(t, status.StartedAt)
}

func TestWorkerProcessesTaskWithProgress(t *testing.T) {
	svc := newQueueService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	taskqueue.RegisterHandler("progress_demo", func(ctx context.Context, task *taskqueue.ActiveTask) (map[string]any, error) {
		for _, pct := range []float64{25, 50, 75} {
			if err := task.UpdateProgress(ctx, pct, "working"); err != nil {
				return nil, err
			}
		}
		return map[string]any{"ok": true}, nil
	})

	manager := taskqueue.NewManager(svc, "worker-test", nil)
	worker := taskqueue.NewWorker(svc, manager, nil, nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = worker.Run(ctx)
	}()

	result, err := svc.SubmitFlowTask(ctx, "demo", "run-5", map[string]any{}, nil, 0, 0, "progress_demo")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := svc.GetTaskStatus(ctx, result.TaskID)
		return err == nil && status != nil && status.Status == taskqueue.TaskCompleted
	}, 5*time.Second, 10*time.Millisecond)

	status, err := svc.GetTaskStatus(ctx, result.TaskID)
	require.NoError(t, err)
	assert.EqualValues(t, 100, status.ProgressPercentage)
	assert.Equal(t, map[string]any{"ok": true}, status.Outputs)
	assert.NotNil(t, status.StartedAt)
	assert.NotNil(t, status.CompletedAt)
	assert.Equal(t, "worker-test", status.WorkerID)

	// The standalone progress record observed the intermediate updates.
	progress, err := svc.Repo().GetProgress(ctx, result.TaskID)
	require.NoError(t, err)
	require.NotNil(t, progress)
	assert.EqualValues(t, 75, progress.ProgressPercentage)

	// The worker registered itself and heartbeats are observable.
	require.Eventually(t, func() bool {
		health, err := svc.GetWorkerHealth(ctx, "worker-test")
		return err == nil && health != nil
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done

	health, err := svc.GetWorkerHealth(context.Background(), "worker-test")
	require.NoError(t, err)
	require.NotNil(t, health)
	assert.Equal(t, taskqueue.WorkerOffline, health.Status)
	assert.EqualValues(t, 1, health.TotalTasksProcessed)
}

func TestHandlerFailureMarksTaskFailed(t *testing.T) {
	svc := newQueueService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	taskqueue.RegisterHandler("always_fails", func(context.Context, *taskqueue.ActiveTask) (map[string]any, error) {
		return nil, types.NewExecutionError("handler exploded")
	})

	manager := taskqueue.NewManager(svc, "", nil)
	worker := taskqueue.NewWorker(svc, manager, nil, nil)
	go func() { _ = worker.Run(ctx) }()

	result, err := svc.SubmitFlowTask(ctx, "demo", "", map[string]any{}, nil, 0, 0, "always_fails")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := svc.GetTaskStatus(ctx, result.TaskID)
		return err == nil && status != nil && status.Status == taskqueue.TaskFailed
	}, 5*time.Second, 10*time.Millisecond)

	status, err := svc.GetTaskStatus(ctx, result.TaskID)
	require.NoError(t, err)
	assert.Contains(t, status.ErrorMessage, "handler exploded")
	assert.EqualValues(t, 100, status.ProgressPercentage)
}

func TestCancelBeforeStart(t *testing.T) {
	// No worker is running: the job stays claimable until cancelled.
	svc := newQueueService(t)
	ctx := context.Background()

	result, err := svc.SubmitFlowTask(ctx, "demo", "", map[string]any{}, nil, 0, 0, "")
	require.NoError(t, err)

	ok, err := svc.CancelTask(ctx, result.TaskID)
	require.NoError(t, err)
	assert.True(t, ok)

	status, err := svc.GetTaskStatus(ctx, result.TaskID)
	require.NoError(t, err)
	assert.Equal(t, taskqueue.TaskCancelled, status.Status)
	assert.Nil(t, status.StartedAt)
	assert.NotNil(t, status.CompletedAt)

	// Cancellation is idempotent in outcome but reports false after the
	// first success.
	ok, err = svc.CancelTask(ctx, result.TaskID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCancelledJobIsNotExecuted(t *testing.T) {
	svc := newQueueService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	executed := make(chan struct{}, 1)
	taskqueue.RegisterHandler("should_not_run", func(context.Context, *taskqueue.ActiveTask) (map[string]any, error) {
		executed <- struct{}{}
		return nil, nil
	})

	result, err := svc.SubmitFlowTask(ctx, "demo", "", map[string]any{}, nil, 0, 0, "should_not_run")
	require.NoError(t, err)

	ok, err := svc.CancelTask(ctx, result.TaskID)
	require.NoError(t, err)
	require.True(t, ok)

	manager := taskqueue.NewManager(svc, "", nil)
	worker := taskqueue.NewWorker(svc, manager, nil, nil)
	go func() { _ = worker.Run(ctx) }()

	select {
	case <-executed:
		t.Fatal("cancelled task was executed")
	case <-time.After(200 * time.Millisecond):
	}

	status, err := svc.GetTaskStatus(ctx, result.TaskID)
	require.NoError(t, err)
	assert.Equal(t, taskqueue.TaskCancelled, status.Status)
}

func TestDeferredSubmission(t *testing.T) {
	svc := newQueueService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	completed := make(chan struct{}, 1)
	taskqueue.RegisterHandler("deferred_demo", func(context.Context, *taskqueue.ActiveTask) (map[string]any, error) {
		completed <- struct{}{}
		return map[string]any{"ok": true}, nil
	})

	manager := taskqueue.NewManager(svc, "", nil)
	worker := taskqueue.NewWorker(svc, manager, nil, nil)
	go func() { _ = worker.Run(ctx) }()

	result, err := svc.SubmitFlowTask(ctx, "demo", "", map[string]any{}, nil, 0, 100*time.Millisecond, "deferred_demo")
	require.NoError(t, err)
	require.NotNil(t, result.EstimatedDelay)

	select {
	case <-completed:
	case <-time.After(5 * time.Second):
		t.Fatal("deferred task never ran")
	}
}

func TestCompleteTaskIsIdempotent(t *testing.T) {
	svc := newQueueService(t)
	ctx := context.Background()

	result, err := svc.SubmitFlowTask(ctx, "demo", "", map[string]any{}, nil, 0, 0, "")
	require.NoError(t, err)

	require.NoError(t, svc.CompleteTask(ctx, result.TaskID, map[string]any{"n": float64(1)}, ""))
	require.NoError(t, svc.CompleteTask(ctx, result.TaskID, map[string]any{"n": float64(1)}, ""))

	status, err := svc.GetTaskStatus(ctx, result.TaskID)
	require.NoError(t, err)
	assert.Equal(t, taskqueue.TaskCompleted, status.Status)
	assert.Equal(t, map[string]any{"n": float64(1)}, status.Outputs)
}

func TestQueueStatsAggregates(t *testing.T) {
	svc := newQueueService(t)
	ctx := context.Background()

	first, err := svc.SubmitFlowTask(ctx, "demo", "", map[string]any{}, nil, 0, 0, "")
	require.NoError(t, err)
	_, err = svc.SubmitFlowTask(ctx, "demo", "", map[string]any{}, nil, 0, 0, "")
	require.NoError(t, err)

	require.NoError(t, svc.MarkTaskStarted(ctx, first.TaskID, "w1"))
	require.NoError(t, svc.CompleteTask(ctx, first.TaskID, nil, ""))
	require.NoError(t, svc.RegisterWorker(ctx, "w1", "default", "test"))

	stats, err := svc.GetQueueStats(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PendingTasks)
	assert.Equal(t, 1, stats.CompletedTasks)
	assert.Equal(t, 1, stats.TotalWorkers)
}

func TestWorkerOfflineByHeartbeatTTL(t *testing.T) {
	client, _ := testutil.NewTestRedis(t)
	cfg := queueConfig()
	cfg.WorkerTTL = 50 * time.Millisecond
	svc := taskqueue.NewService(client, cfg, nil)
	ctx := context.Background()

	require.NoError(t, svc.RegisterWorker(ctx, "w-stale", "default", "test"))

	workers, err := svc.GetAllWorkers(ctx, "default")
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.NotEqual(t, taskqueue.WorkerOffline, workers[0].Status)

	// Age the heartbeat past the TTL without touching the record.
	time.Sleep(60 * time.Millisecond)

	workers, err = svc.GetAllWorkers(ctx, "default")
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, taskqueue.WorkerOffline, workers[0].Status)
}
