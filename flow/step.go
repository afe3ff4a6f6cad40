package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/brianfields/promptflow/llm"
	"github.com/brianfields/promptflow/structured"
	"github.com/brianfields/promptflow/types"
)

// StepKind selects the executor for a step.
type StepKind string

const (
	StepUnstructured StepKind = "unstructured_llm"
	StepStructured   StepKind = "structured_llm"
	StepImage        StepKind = "image_generation"
	StepAudio        StepKind = "audio_generation"
)

// Step is a declarative unit of work inside a flow. Step authors provide
// data (the prompt template and schemas), not subclasses; ExecuteStep is
// the single dispatcher over every kind.
type Step struct {
	Name string
	Kind StepKind

	// PromptTemplate is rendered with the validated inputs for LLM steps.
	// The template language is {{ name }} substitution only.
	PromptTemplate string
	// PromptFile names the source of the template, recorded in step metadata.
	PromptFile string

	// InputSchema validates step inputs when set.
	InputSchema *structured.Schema
	// OutputSchema is required for structured steps.
	OutputSchema *structured.Schema

	// Options override the service defaults for this step's LLM call.
	Options llm.GenerateOptions
}

// StepResult is the outcome of one step execution.
type StepResult struct {
	StepName string
	Output   any
	Metadata map[string]any
}

// ExecuteStep runs one step under the flow's execution context: validate
// inputs, persist a step row, dispatch on kind, record metrics and progress,
// and return the result. Failures mark the step row failed and propagate.
func ExecuteStep(ctx context.Context, step Step, inputs map[string]any) (*StepResult, error) {
	start := time.Now()

	if step.InputSchema != nil {
		inputsJSON, err := json.Marshal(inputs)
		if err != nil {
			return nil, types.NewValidationError("step inputs are not serializable").WithCause(err)
		}
		if err := step.InputSchema.Validate(inputsJSON); err != nil {
			return nil, err
		}
	}

	ec, err := FromContext(ctx)
	if err != nil {
		return nil, err
	}
	svc := ec.Service

	stepOrder := ec.NextStepOrder()
	stepRunID, err := svc.CreateStepRun(ctx, ec.RunID, step.Name, stepOrder, inputs)
	if err != nil {
		return nil, err
	}

	output, outputs, requestID, tokens, cost, err := dispatch(ctx, svc, ec, step, inputs)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		if ferr := svc.FailStepRun(ctx, stepRunID, err.Error(), elapsed); ferr != nil {
			svc.logger.Error("failed to record step failure",
				zap.String("step_run_id", stepRunID),
				zap.Error(ferr),
			)
		}
		return nil, err
	}

	ec.SetLastUsage(tokens, cost)

	if err := svc.CompleteStepRun(ctx, stepRunID, outputs, tokens, cost, elapsed, requestID); err != nil {
		return nil, err
	}
	if err := svc.AddUsage(ctx, ec.RunID, tokens, cost); err != nil {
		return nil, err
	}
	if err := svc.UpdateProgress(ctx, ec.RunID, step.Name, ec.StepCount()); err != nil {
		return nil, err
	}

	return &StepResult{
		StepName: step.Name,
		Output:   output,
		Metadata: map[string]any{
			"step_run_id":       stepRunID,
			"tokens_used":       tokens,
			"cost_estimate":     cost,
			"execution_time_ms": elapsed,
			"llm_request_id":    requestID,
			"step_type":         string(step.Kind),
			"prompt_file":       step.PromptFile,
		},
	}, nil
}

// dispatch executes the kind-specific body and returns the caller-facing
// output, the persisted outputs map, the linked request id, and usage.
func dispatch(ctx context.Context, svc *Service, ec *ExecutionContext, step Step, inputs map[string]any) (any, map[string]any, string, int, float64, error) {
	switch step.Kind {
	case StepUnstructured:
		prompt, err := RenderTemplate(step.PromptTemplate, inputs)
		if err != nil {
			return nil, nil, "", 0, 0, err
		}
		resp, requestID, err := svc.llm.GenerateResponse(ctx, []types.Message{types.NewUserMessage(prompt)}, ec.UserID, step.Options)
		if err != nil {
			return nil, nil, requestID, 0, 0, err
		}
		return resp.Content, map[string]any{"content": resp.Content}, requestID, resp.TokensUsed, resp.CostEstimate, nil

	case StepStructured:
		if step.OutputSchema == nil {
			return nil, nil, "", 0, 0, types.NewValidationError("structured step " + step.Name + " must declare an output schema")
		}
		prompt, err := RenderTemplate(step.PromptTemplate, inputs)
		if err != nil {
			return nil, nil, "", 0, 0, err
		}
		result, requestID, err := svc.llm.GenerateStructuredRaw(ctx, []types.Message{types.NewUserMessage(prompt)}, step.OutputSchema, ec.UserID, step.Options)
		if err != nil {
			return nil, nil, requestID, 0, 0, err
		}
		var outputs map[string]any
		if err := json.Unmarshal(result.Payload, &outputs); err != nil {
			return nil, nil, requestID, 0, 0, types.NewValidationError("structured step output is not an object").WithCause(err)
		}
		// Structured results carry usage but not cost; read it off the
		// ledger row the adapter already wrote.
		var cost float64
		if row, err := svc.llm.GetRequest(ctx, requestID); err == nil && row.CostEstimate != nil {
			cost = *row.CostEstimate
		}
		return outputs, outputs, requestID, result.Usage.TotalTokens, cost, nil

	case StepImage:
		req := llm.ImageRequest{
			Prompt:  stringInput(inputs, "prompt"),
			Size:    stringInput(inputs, "size"),
			Quality: stringInput(inputs, "quality"),
			Style:   stringInput(inputs, "style"),
		}
		if req.Prompt == "" {
			return nil, nil, "", 0, 0, types.NewValidationError("image step requires a prompt input")
		}
		resp, requestID, err := svc.llm.GenerateImage(ctx, req, ec.UserID)
		if err != nil {
			return nil, nil, requestID, 0, 0, err
		}
		outputs := map[string]any{
			"image_url":      resp.ImageURL,
			"revised_prompt": resp.RevisedPrompt,
			"size":           resp.Size,
		}
		return outputs, outputs, requestID, 0, resp.CostEstimate, nil

	case StepAudio:
		req := llm.AudioRequest{
			Text:   stringInput(inputs, "text"),
			Voice:  stringInput(inputs, "voice"),
			Format: stringInput(inputs, "format"),
		}
		if req.Text == "" || req.Voice == "" {
			return nil, nil, "", 0, 0, types.NewValidationError("audio step requires text and voice inputs")
		}
		resp, requestID, err := svc.llm.GenerateAudio(ctx, req, ec.UserID)
		if err != nil {
			return nil, nil, requestID, 0, 0, err
		}
		outputs := map[string]any{
			"audio_base64": resp.AudioBase64,
			"mime_type":    resp.MIMEType,
			"voice":        resp.Voice,
		}
		return outputs, outputs, requestID, 0, resp.CostEstimate, nil

	default:
		return nil, nil, "", 0, 0, types.NewValidationError(fmt.Sprintf("unknown step kind: %s", step.Kind))
	}
}

func stringInput(inputs map[string]any, key string) string {
	if v, ok := inputs[key].(string); ok {
		return v
	}
	return ""
}
