package conversation_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/brianfields/promptflow/conversation"
	"github.com/brianfields/promptflow/llm"
	"github.com/brianfields/promptflow/llm/ledger"
	"github.com/brianfields/promptflow/structured"
	"github.com/brianfields/promptflow/testutil"
	"github.com/brianfields/promptflow/types"
)

func newConversationService(t *testing.T, script ...testutil.ScriptStep) (*conversation.Service, *gorm.DB, *testutil.FakeProvider) {
	t.Helper()
	db := testutil.OpenTestDB(t)
	provider := testutil.NewFakeProvider(db, script...)
	return conversation.NewService(db, testutil.NewFakeService(db, provider, nil), nil), db, provider
}

func addToolSchema(t *testing.T) types.ToolSchema {
	t.Helper()
	type addArgs struct {
		A float64 `json:"a"`
		B float64 `json:"b"`
	}
	schema, err := structured.SchemaOf[addArgs]()
	require.NoError(t, err)
	return types.ToolSchema{Name: "add", Description: "Add two numbers", Parameters: schema.JSON()}
}

func TestToolLoopScenario(t *testing.T) {
	svc, db, provider := newConversationService(t,
		testutil.ScriptStep{ToolCalls: []types.ToolCall{{
			ID:        "call_1",
			Name:      "add",
			Arguments: json.RawMessage(`{"a":2,"b":3}`),
		}}},
		testutil.ScriptStep{Content: "The answer is 5."},
	)
	ctx := context.Background()

	var handlerCalls []map[string]float64
	tools := map[string]conversation.Tool{
		"add": {
			Schema: addToolSchema(t),
			Handler: func(_ context.Context, args json.RawMessage) (map[string]any, error) {
				var parsed map[string]float64
				require.NoError(t, json.Unmarshal(args, &parsed))
				handlerCalls = append(handlerCalls, parsed)
				return map[string]any{"result": parsed["a"] + parsed["b"]}, nil
			},
		},
	}

	err := conversation.WithConversation(ctx, svc, conversation.SessionParams{
		Type:  "calculator",
		Tools: tools,
	}, func(ctx context.Context, s *conversation.Session) error {
		if _, err := s.RecordUserMessage(ctx, "What is 2+3?", nil); err != nil {
			return err
		}
		msg, err := s.GenerateWithTools(ctx, llm.GenerateOptions{}, 5)
		if err != nil {
			return err
		}
		assert.Equal(t, "The answer is 5.", msg.Content)
		assert.NotNil(t, msg.LLMRequestID)
		return nil
	})
	require.NoError(t, err)

	// Handler invoked exactly once with the scripted arguments.
	require.Len(t, handlerCalls, 1)
	assert.Equal(t, map[string]float64{"a": 2, "b": 3}, handlerCalls[0])

	// Transcript is [user, assistant]; tool plumbing never lands in it.
	var messages []conversation.Message
	require.NoError(t, db.Order("message_order ASC").Find(&messages).Error)
	require.Len(t, messages, 2)
	assert.Equal(t, "user", messages[0].Role)
	assert.Equal(t, "What is 2+3?", messages[0].Content)
	assert.Equal(t, "assistant", messages[1].Role)
	assert.Equal(t, "The answer is 5.", messages[1].Content)

	// Two completed ledger rows: the tool turn and the final text turn.
	completed, err := ledger.NewRepo(db).CountByStatus(ctx, ledger.StatusCompleted)
	require.NoError(t, err)
	assert.EqualValues(t, 2, completed)
	assert.Equal(t, 2, provider.Calls)
}

func TestUnknownToolBecomesErrorResult(t *testing.T) {
	svc, _, _ := newConversationService(t,
		testutil.ScriptStep{ToolCalls: []types.ToolCall{{ID: "c1", Name: "mystery", Arguments: json.RawMessage(`{}`)}}},
		testutil.ScriptStep{Content: "done"},
	)

	err := conversation.WithConversation(context.Background(), svc, conversation.SessionParams{Type: "demo"}, func(ctx context.Context, s *conversation.Session) error {
		if _, err := s.RecordUserMessage(ctx, "go", nil); err != nil {
			return err
		}
		msg, err := s.GenerateWithTools(ctx, llm.GenerateOptions{}, 5)
		require.NoError(t, err)
		assert.Equal(t, "done", msg.Content)
		return nil
	})
	require.NoError(t, err)
}

func TestToolLoopExceedsIterations(t *testing.T) {
	call := testutil.ScriptStep{ToolCalls: []types.ToolCall{{ID: "c", Name: "add", Arguments: json.RawMessage(`{"a":1,"b":1}`)}}}
	svc, _, _ := newConversationService(t, call, call, call)

	tools := map[string]conversation.Tool{
		"add": {
			Schema: addToolSchema(t),
			Handler: func(context.Context, json.RawMessage) (map[string]any, error) {
				return map[string]any{"result": 2}, nil
			},
		},
	}

	err := conversation.WithConversation(context.Background(), svc, conversation.SessionParams{Type: "demo", Tools: tools}, func(ctx context.Context, s *conversation.Session) error {
		if _, err := s.RecordUserMessage(ctx, "loop", nil); err != nil {
			return err
		}
		_, err := s.GenerateWithTools(ctx, llm.GenerateOptions{}, 3)
		return err
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrExecution, types.GetErrorCode(err))
}

func TestOrdinalsAreDense(t *testing.T) {
	svc, db, _ := newConversationService(t)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "notes", nil, "", nil)
	require.NoError(t, err)

	for i, content := range []string{"one", "two", "three", "four"} {
		var msg *conversation.Message
		if i%2 == 0 {
			msg, err = svc.RecordUserMessage(ctx, conv.ID, content, nil)
		} else {
			msg, err = svc.RecordAssistantMessage(ctx, conv.ID, content, nil, "", nil, nil)
		}
		require.NoError(t, err)
		assert.Equal(t, i+1, msg.MessageOrder)
	}

	got, err := svc.GetConversationSummary(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.MessageCount)
	assert.NotNil(t, got.LastMessageAt)

	var messages []conversation.Message
	require.NoError(t, db.Where("conversation_id = ?", conv.ID).Order("message_order ASC").Find(&messages).Error)
	for i, msg := range messages {
		assert.Equal(t, i+1, msg.MessageOrder)
	}
}

func TestTypeMismatchRejected(t *testing.T) {
	svc, _, _ := newConversationService(t)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "calculator", nil, "", nil)
	require.NoError(t, err)

	err = conversation.WithConversation(ctx, svc, conversation.SessionParams{
		Type:           "poetry",
		ConversationID: conv.ID,
	}, func(context.Context, *conversation.Session) error { return nil })
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
}

func TestGenerateAssistantReplyRecordsTurn(t *testing.T) {
	svc, db, _ := newConversationService(t, testutil.ScriptStep{Content: "hello back"})
	ctx := context.Background()

	err := conversation.WithConversation(ctx, svc, conversation.SessionParams{
		Type:         "chat",
		SystemPrompt: "Be brief.",
	}, func(ctx context.Context, s *conversation.Session) error {
		if _, err := s.RecordUserMessage(ctx, "hello", nil); err != nil {
			return err
		}
		msg, requestID, resp, err := s.GenerateAssistantReply(ctx, llm.GenerateOptions{})
		require.NoError(t, err)
		assert.Equal(t, "hello back", msg.Content)
		assert.NotEmpty(t, requestID)
		assert.Equal(t, "hello back", resp.Content)
		return nil
	})
	require.NoError(t, err)

	var messages []conversation.Message
	require.NoError(t, db.Order("message_order ASC").Find(&messages).Error)
	require.Len(t, messages, 2)

	var metadata map[string]any
	require.NoError(t, messages[1].Metadata.UnmarshalInto(&metadata))
	assert.Equal(t, "fake", metadata["provider"])
}

func TestStructuredReplyIsNotRecorded(t *testing.T) {
	type coachReply struct {
		Message    string  `json:"message"`
		Confidence float64 `json:"confidence"`
	}

	svc, db, _ := newConversationService(t, testutil.ScriptStep{Content: `{"message":"keep going","confidence":0.8}`})
	ctx := context.Background()

	err := conversation.WithConversation(ctx, svc, conversation.SessionParams{Type: "coach"}, func(ctx context.Context, s *conversation.Session) error {
		if _, err := s.RecordUserMessage(ctx, "how am I doing?", nil); err != nil {
			return err
		}
		reply, requestID, _, err := conversation.GenerateStructuredReply[coachReply](ctx, s, llm.GenerateOptions{})
		require.NoError(t, err)
		assert.Equal(t, "keep going", reply.Message)
		assert.NotEmpty(t, requestID)
		return nil
	})
	require.NoError(t, err)

	// Only the user turn is in the transcript; recording the utterance is
	// the caller's call.
	var count int64
	require.NoError(t, db.Model(&conversation.Message{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestMetadataMergeAndReplace(t *testing.T) {
	svc, _, _ := newConversationService(t)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "demo", nil, "", map[string]any{"a": "1"})
	require.NoError(t, err)

	got, err := svc.UpdateConversationMetadata(ctx, conv.ID, map[string]any{"b": "2"}, true)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": "1", "b": "2"}, got.MetadataMap())

	got, err = svc.UpdateConversationMetadata(ctx, conv.ID, map[string]any{"c": "3"}, false)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"c": "3"}, got.MetadataMap())
}

func TestPaginatedListing(t *testing.T) {
	svc, _, _ := newConversationService(t)
	ctx := context.Background()
	userID := int64(5)

	for i := 0; i < 5; i++ {
		_, err := svc.CreateConversation(ctx, "chat", &userID, "", nil)
		require.NoError(t, err)
	}

	page, err := svc.ListConversationsForUserPaginated(ctx, userID, "chat", "", 1, 2)
	require.NoError(t, err)
	assert.Len(t, page.Conversations, 2)
	assert.EqualValues(t, 5, page.TotalCount)
	assert.True(t, page.HasNext)

	page, err = svc.ListConversationsForUserPaginated(ctx, userID, "chat", "", 3, 2)
	require.NoError(t, err)
	assert.Len(t, page.Conversations, 1)
	assert.False(t, page.HasNext)
}
