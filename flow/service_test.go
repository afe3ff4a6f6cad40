package flow_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brianfields/promptflow/flow"
	"github.com/brianfields/promptflow/testutil"
)

func newService(t *testing.T) *flow.Service {
	t.Helper()
	db := testutil.OpenTestDB(t)
	provider := testutil.NewFakeProvider(db)
	return flow.NewService(db, testutil.NewFakeService(db, provider, nil), nil)
}

func TestRunLifecycle(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	totalSteps := 4
	runID, err := svc.CreateRun(ctx, "demo", map[string]any{"k": "v"}, nil, flow.ModeSync, &totalSteps)
	require.NoError(t, err)

	run, err := svc.Runs().ByID(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, flow.RunStatusPending, run.Status)
	assert.Nil(t, run.StartedAt)

	require.NoError(t, svc.MarkRunning(ctx, runID))
	run, err = svc.Runs().ByID(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, flow.RunStatusRunning, run.Status)
	require.NotNil(t, run.StartedAt)
	assert.NotNil(t, run.LastHeartbeat)

	require.NoError(t, svc.CompleteRun(ctx, runID, map[string]any{"done": true}))
	run, err = svc.Runs().ByID(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, flow.RunStatusCompleted, run.Status)
	require.NotNil(t, run.CompletedAt)
	assert.NotNil(t, run.ExecutionTimeMs)
	assert.NotEmpty(t, run.Outputs)
}

func TestTerminalRunsNeverTransition(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	runID, err := svc.CreateRun(ctx, "demo", map[string]any{}, nil, flow.ModeSync, nil)
	require.NoError(t, err)
	require.NoError(t, svc.MarkRunning(ctx, runID))
	require.NoError(t, svc.CompleteRun(ctx, runID, map[string]any{"n": 1}))

	// A late failure report must not move a completed run.
	require.NoError(t, svc.FailRun(ctx, runID, "too late"))
	run, err := svc.Runs().ByID(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, flow.RunStatusCompleted, run.Status)
	assert.Nil(t, run.ErrorMessage)

	// Nor may cancellation.
	require.NoError(t, svc.CancelRun(ctx, runID))
	run, err = svc.Runs().ByID(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, flow.RunStatusCompleted, run.Status)
}

func TestCancelRun(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	runID, err := svc.CreateRun(ctx, "demo", map[string]any{}, nil, flow.ModeBackground, nil)
	require.NoError(t, err)
	require.NoError(t, svc.CancelRun(ctx, runID))

	run, err := svc.Runs().ByID(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, flow.RunStatusCancelled, run.Status)
	require.NotNil(t, run.CompletedAt)
	assert.Empty(t, run.Outputs)
}

func TestProgressPercentageIsMonotonic(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	totalSteps := 4
	runID, err := svc.CreateRun(ctx, "demo", map[string]any{}, nil, flow.ModeSync, &totalSteps)
	require.NoError(t, err)
	require.NoError(t, svc.MarkRunning(ctx, runID))

	require.NoError(t, svc.UpdateProgress(ctx, runID, "step-2", 2))
	run, err := svc.Runs().ByID(ctx, runID)
	require.NoError(t, err)
	assert.EqualValues(t, 50, run.ProgressPercentage)

	// A lower report never moves the percentage backwards.
	require.NoError(t, svc.UpdateProgress(ctx, runID, "step-1", 1))
	run, err = svc.Runs().ByID(ctx, runID)
	require.NoError(t, err)
	assert.EqualValues(t, 50, run.ProgressPercentage)
	assert.Equal(t, 2, run.StepProgress)

	require.NoError(t, svc.UpdateProgress(ctx, runID, "step-4", 4))
	run, err = svc.Runs().ByID(ctx, runID)
	require.NoError(t, err)
	assert.EqualValues(t, 100, run.ProgressPercentage)
}
