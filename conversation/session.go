package conversation

import (
	"context"

	"github.com/brianfields/promptflow/llm"
	"github.com/brianfields/promptflow/types"
)

// Context is the conversation-scoped state carried through a session: the
// service handle, the active conversation and user, and a metadata snapshot.
type Context struct {
	Service        *Service
	ConversationID string
	UserID         *int64
	Metadata       map[string]any
}

type contextKey struct{}

// WithContextValue installs the conversation context into ctx.
func WithContextValue(ctx context.Context, cc *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, cc)
}

// FromContext returns the installed conversation context, or an EXECUTION
// error outside a session.
func FromContext(ctx context.Context) (*Context, error) {
	cc, ok := ctx.Value(contextKey{}).(*Context)
	if !ok || cc == nil {
		return nil, types.NewExecutionError("no conversation context: call WithConversation first")
	}
	return cc, nil
}

// SessionParams configure a conversation session.
type SessionParams struct {
	// Type is the conversation type; required. Re-attaching to an existing
	// conversation of a different type is a VALIDATION error.
	Type string
	// ConversationID re-attaches to an existing conversation when set;
	// otherwise a new conversation is created.
	ConversationID string
	UserID         *int64
	Title          string
	Metadata       map[string]any
	// SystemPrompt is the default system prompt for generation helpers.
	SystemPrompt string
	// Tools registers the tool set offered by GenerateWithTools.
	Tools map[string]Tool
}

// Session is the bound handle a conversation body works with.
type Session struct {
	svc          *Service
	cc           *Context
	systemPrompt string
	tools        map[string]Tool
}

// WithConversation acquires the conversation (creating it when no id is
// given), validates the stored type, binds the conversation context, and
// runs fn. The binding lives in the derived context, so it cannot leak past
// fn on any exit path.
func WithConversation(ctx context.Context, svc *Service, params SessionParams, fn func(ctx context.Context, s *Session) error) error {
	if params.Type == "" {
		return types.NewValidationError("conversation type is required")
	}

	var conv *Conversation
	var err error
	if params.ConversationID == "" {
		conv, err = svc.CreateConversation(ctx, params.Type, params.UserID, params.Title, params.Metadata)
	} else {
		conv, err = svc.GetConversationSummary(ctx, params.ConversationID)
		if err == nil && conv.ConversationType != params.Type {
			return types.NewValidationError("conversation type mismatch: expected " + params.Type + ", got " + conv.ConversationType)
		}
	}
	if err != nil {
		return err
	}

	cc := &Context{
		Service:        svc,
		ConversationID: conv.ID,
		UserID:         params.UserID,
		Metadata:       conv.MetadataMap(),
	}
	session := &Session{
		svc:          svc,
		cc:           cc,
		systemPrompt: params.SystemPrompt,
		tools:        params.Tools,
	}
	return fn(WithContextValue(ctx, cc), session)
}

// ConversationID returns the active conversation id.
func (s *Session) ConversationID() string { return s.cc.ConversationID }

// Metadata returns the session's metadata snapshot.
func (s *Session) Metadata() map[string]any { return s.cc.Metadata }

// RecordUserMessage appends a user turn.
func (s *Session) RecordUserMessage(ctx context.Context, content string, metadata map[string]any) (*Message, error) {
	return s.svc.RecordUserMessage(ctx, s.cc.ConversationID, content, metadata)
}

// RecordSystemMessage appends a system turn.
func (s *Session) RecordSystemMessage(ctx context.Context, content string, metadata map[string]any) (*Message, error) {
	return s.svc.RecordSystemMessage(ctx, s.cc.ConversationID, content, metadata)
}

// RecordAssistantMessage appends an assistant turn.
func (s *Session) RecordAssistantMessage(ctx context.Context, content string, metadata map[string]any, llmRequestID string, tokensUsed *int, costEstimate *float64) (*Message, error) {
	return s.svc.RecordAssistantMessage(ctx, s.cc.ConversationID, content, metadata, llmRequestID, tokensUsed, costEstimate)
}

// GenerateAssistantReply generates and records an assistant turn from the
// transcript.
func (s *Session) GenerateAssistantReply(ctx context.Context, opts llm.GenerateOptions) (*Message, string, *llm.Response, error) {
	return s.svc.GenerateAssistantResponse(ctx, s.cc.ConversationID, s.systemPrompt, s.cc.UserID, nil, opts)
}

// GenerateStructuredReply generates a schema-validated reply WITHOUT
// recording an assistant message: structured replies typically carry
// control-plane fields that are not part of the transcript. The caller
// records whichever field is semantically the utterance.
func GenerateStructuredReply[T any](ctx context.Context, s *Session, opts llm.GenerateOptions) (T, string, types.TokenUsage, error) {
	var zero T
	messages, err := s.svc.BuildLLMMessages(ctx, s.cc.ConversationID, s.systemPrompt, false)
	if err != nil {
		return zero, "", types.TokenUsage{}, err
	}
	return llm.GenerateStructured[T](ctx, s.svc.llm, messages, s.cc.UserID, opts)
}

// UpdateMetadata patches the conversation metadata and refreshes the
// session snapshot.
func (s *Session) UpdateMetadata(ctx context.Context, patch map[string]any, merge bool) (*Conversation, error) {
	conv, err := s.svc.UpdateConversationMetadata(ctx, s.cc.ConversationID, patch, merge)
	if err != nil {
		return nil, err
	}
	s.cc.Metadata = conv.MetadataMap()
	return conv, nil
}

// UpdateTitle sets the conversation title.
func (s *Session) UpdateTitle(ctx context.Context, title string) (*Conversation, error) {
	return s.svc.UpdateConversationTitle(ctx, s.cc.ConversationID, title)
}

// Summary fetches the latest conversation summary and refreshes the
// session's metadata snapshot.
func (s *Session) Summary(ctx context.Context) (*Conversation, error) {
	conv, err := s.svc.GetConversationSummary(ctx, s.cc.ConversationID)
	if err != nil {
		return nil, err
	}
	s.cc.Metadata = conv.MetadataMap()
	return conv, nil
}
