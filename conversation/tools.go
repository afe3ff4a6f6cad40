package conversation

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/brianfields/promptflow/llm"
	"github.com/brianfields/promptflow/types"
)

// Tool pairs a schema offered to the model with the handler that executes
// its calls. Handlers return a JSON-serializable result map.
type Tool struct {
	Schema  types.ToolSchema
	Handler func(ctx context.Context, arguments json.RawMessage) (map[string]any, error)
}

// DefaultMaxToolIterations bounds the tool-calling loop.
const DefaultMaxToolIterations = 5

// GenerateWithTools drives the full tool-calling cycle: the model generates
// a turn, emitted tool calls execute serially in emission order, results
// feed back as tool-role messages, and the loop repeats until the model
// returns plain text or the iteration bound is hit (an EXECUTION error).
//
// A handler error does not abort the loop: its string form becomes the tool
// result, losing the error type. This matches the historical contract;
// handlers that need typed errors must encode them in the result map.
func (s *Session) GenerateWithTools(ctx context.Context, opts llm.GenerateOptions, maxIterations int) (*Message, error) {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxToolIterations
	}

	opts.Tools = make([]types.ToolSchema, 0, len(s.tools))
	for _, tool := range s.tools {
		opts.Tools = append(opts.Tools, tool.Schema)
	}

	messages, err := s.svc.BuildLLMMessages(ctx, s.cc.ConversationID, s.systemPrompt, false)
	if err != nil {
		return nil, err
	}

	for iteration := 0; iteration < maxIterations; iteration++ {
		resp, requestID, err := s.svc.llm.GenerateResponse(ctx, messages, s.cc.UserID, opts)
		if err != nil {
			return nil, err
		}

		if len(resp.ToolCalls) == 0 {
			tokens := resp.TokensUsed
			return s.RecordAssistantMessage(ctx, resp.Content, nil, requestID, &tokens, &resp.CostEstimate)
		}

		// Keep the assistant's tool-call turn in the working transcript so
		// the follow-up tool results attach to it.
		messages = append(messages, types.NewAssistantMessage(resp.Content).WithToolCalls(resp.ToolCalls))

		for _, call := range resp.ToolCalls {
			var result map[string]any
			tool, known := s.tools[call.Name]
			if !known {
				result = map[string]any{"error": fmt.Sprintf("tool %s not found", call.Name)}
			} else if out, err := tool.Handler(ctx, call.Arguments); err != nil {
				result = map[string]any{"error": err.Error()}
			} else {
				result = out
			}

			payload, err := json.Marshal(result)
			if err != nil {
				payload = []byte(`{"error":"tool result was not serializable"}`)
			}
			messages = append(messages, types.NewToolMessage(call.ID, call.Name, string(payload)))

			s.svc.logger.Debug("tool executed",
				zap.String("conversation_id", s.cc.ConversationID),
				zap.String("tool", call.Name),
			)
		}
	}

	return nil, types.NewExecutionError(fmt.Sprintf("tool execution exceeded max iterations (%d)", maxIterations))
}
