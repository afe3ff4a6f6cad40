package flow_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/brianfields/promptflow/flow"
	"github.com/brianfields/promptflow/llm/ledger"
	"github.com/brianfields/promptflow/structured"
	"github.com/brianfields/promptflow/testutil"
	"github.com/brianfields/promptflow/types"
)

type extraction struct {
	Title string  `json:"title"`
	Score float64 `json:"score"`
}

type flowInputs struct {
	Text string `json:"text"`
}

func newEngine(t *testing.T, script ...testutil.ScriptStep) (*flow.Engine, *gorm.DB, *testutil.FakeProvider) {
	t.Helper()
	db := testutil.OpenTestDB(t)
	provider := testutil.NewFakeProvider(db, script...)
	svc := flow.NewService(db, testutil.NewFakeService(db, provider, nil), nil)
	return flow.NewEngine(svc, nil), db, provider
}

func extractFlow() *flow.Flow {
	totalSteps := 1
	return &flow.Flow{
		Name:       "extract",
		Inputs:     structured.MustSchemaOf[flowInputs](),
		TotalSteps: &totalSteps,
		Run: func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
			result, err := flow.ExecuteStep(ctx, flow.Step{
				Name:           "extract_fields",
				Kind:           flow.StepStructured,
				PromptTemplate: "Extract from: {{ text }}",
				OutputSchema:   structured.MustSchemaOf[extraction](),
			}, inputs)
			if err != nil {
				return nil, err
			}
			return result.Output.(map[string]any), nil
		},
	}
}

func TestStructuredStepFlow(t *testing.T) {
	engine, db, _ := newEngine(t, testutil.ScriptStep{Content: `{"title":"T","score":0.9}`})
	ctx := context.Background()

	outputs, err := engine.Execute(ctx, extractFlow(), map[string]any{"text": "hello"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "T", outputs["title"])
	assert.InDelta(t, 0.9, outputs["score"].(float64), 1e-9)

	var runs []flow.FlowRun
	require.NoError(t, db.Find(&runs).Error)
	require.Len(t, runs, 1)
	run := runs[0]
	assert.Equal(t, flow.RunStatusCompleted, run.Status)
	assert.NotNil(t, run.CompletedAt)
	assert.NotEmpty(t, run.Outputs)
	assert.EqualValues(t, 100, run.ProgressPercentage)

	var steps []flow.FlowStepRun
	require.NoError(t, db.Find(&steps).Error)
	require.Len(t, steps, 1)
	assert.Equal(t, flow.StepStatusCompleted, steps[0].Status)
	assert.Equal(t, 1, steps[0].StepOrder)
	assert.NotNil(t, steps[0].LLMRequestID)

	completed, err := ledger.NewRepo(db).CountByStatus(ctx, ledger.StatusCompleted)
	require.NoError(t, err)
	assert.EqualValues(t, 1, completed)
}

func TestStepOrderIsDense(t *testing.T) {
	engine, db, _ := newEngine(t,
		testutil.ScriptStep{Content: "one"},
		testutil.ScriptStep{Content: "two"},
		testutil.ScriptStep{Content: "three"},
	)

	f := &flow.Flow{
		Name: "chain",
		Run: func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
			var last string
			for _, name := range []string{"first", "second", "third"} {
				result, err := flow.ExecuteStep(ctx, flow.Step{
					Name:           name,
					Kind:           flow.StepUnstructured,
					PromptTemplate: "step {{ idx }}",
				}, map[string]any{"idx": name})
				if err != nil {
					return nil, err
				}
				last = result.Output.(string)
			}
			return map[string]any{"last": last}, nil
		},
	}

	outputs, err := engine.Execute(context.Background(), f, map[string]any{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "three", outputs["last"])

	var steps []flow.FlowStepRun
	require.NoError(t, db.Order("step_order ASC").Find(&steps).Error)
	require.Len(t, steps, 3)
	for i, step := range steps {
		assert.Equal(t, i+1, step.StepOrder)
		assert.Equal(t, flow.StepStatusCompleted, step.Status)
	}

	var run flow.FlowRun
	require.NoError(t, db.First(&run).Error)
	assert.Equal(t, 3, run.StepProgress)
	assert.Greater(t, run.TotalTokens, 0)
}

func TestStepFailureFailsRun(t *testing.T) {
	engine, db, _ := newEngine(t,
		testutil.ScriptStep{Err: types.NewAuthenticationError("bad key")},
	)

	f := &flow.Flow{
		Name: "doomed",
		Run: func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
			_, err := flow.ExecuteStep(ctx, flow.Step{
				Name:           "only",
				Kind:           flow.StepUnstructured,
				PromptTemplate: "hi",
			}, map[string]any{})
			return nil, err
		},
	}

	_, err := engine.Execute(context.Background(), f, map[string]any{}, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrAuthentication, types.GetErrorCode(err))

	var run flow.FlowRun
	require.NoError(t, db.First(&run).Error)
	assert.Equal(t, flow.RunStatusFailed, run.Status)
	require.NotNil(t, run.ErrorMessage)
	assert.NotNil(t, run.CompletedAt)
	assert.Empty(t, run.Outputs)

	var step flow.FlowStepRun
	require.NoError(t, db.First(&step).Error)
	assert.Equal(t, flow.StepStatusFailed, step.Status)
	require.NotNil(t, step.ErrorMessage)
}

func TestInputValidationRejectsBadInputs(t *testing.T) {
	engine, db, provider := newEngine(t)

	_, err := engine.Execute(context.Background(), extractFlow(), map[string]any{"text": 42}, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))

	// Validation happens before any run row or vendor call.
	var count int64
	require.NoError(t, db.Model(&flow.FlowRun{}).Count(&count).Error)
	assert.Zero(t, count)
	assert.Zero(t, provider.Calls)
}

func TestStepOutsideFlowFails(t *testing.T) {
	_, _, _ = newEngine(t)
	_, err := flow.ExecuteStep(context.Background(), flow.Step{
		Name:           "orphan",
		Kind:           flow.StepUnstructured,
		PromptTemplate: "hi",
	}, map[string]any{})
	require.Error(t, err)
	assert.Equal(t, types.ErrExecution, types.GetErrorCode(err))
}

func TestBackgroundMatchesForeground(t *testing.T) {
	fg, fgDB, _ := newEngine(t, testutil.ScriptStep{Content: `{"title":"T","score":0.9}`})
	bg, bgDB, _ := newEngine(t, testutil.ScriptStep{Content: `{"title":"T","score":0.9}`})
	ctx := context.Background()

	fgOutputs, err := fg.Execute(ctx, extractFlow(), map[string]any{"text": "same"}, nil)
	require.NoError(t, err)

	runID, err := bg.ExecuteBackground(ctx, extractFlow(), map[string]any{"text": "same"}, nil)
	require.NoError(t, err)

	var bgRun *flow.FlowRun
	require.Eventually(t, func() bool {
		run, err := bg.Service().Runs().ByID(ctx, runID)
		if err != nil || !run.IsTerminal() {
			return false
		}
		bgRun = run
		return true
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, flow.RunStatusCompleted, bgRun.Status)
	assert.Equal(t, flow.ModeBackground, bgRun.ExecutionMode)

	var bgOutputs map[string]any
	require.NoError(t, bgRun.Outputs.UnmarshalInto(&bgOutputs))
	assert.Equal(t, fgOutputs["title"], bgOutputs["title"])

	var fgRun flow.FlowRun
	require.NoError(t, fgDB.First(&fgRun).Error)
	var bgRunRow flow.FlowRun
	require.NoError(t, bgDB.First(&bgRunRow).Error)
	assert.Equal(t, fgRun.TotalTokens, bgRunRow.TotalTokens)
}
