package conversation

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/brianfields/promptflow/internal/database"
	"github.com/brianfields/promptflow/llm"
	"github.com/brianfields/promptflow/types"
)

// PaginatedConversations is a page of conversation summaries.
type PaginatedConversations struct {
	Conversations []Conversation `json:"conversations"`
	TotalCount    int64          `json:"total_count"`
	Page          int            `json:"page"`
	PageSize      int            `json:"page_size"`
	HasNext       bool           `json:"has_next"`
}

// Service manages conversations and drives the LLM facade against their
// transcripts.
type Service struct {
	repo   *Repo
	llm    *llm.Service
	logger *zap.Logger
	clock  types.Clock
}

// NewService wires the conversation engine service over one database session.
func NewService(db *gorm.DB, llmService *llm.Service, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:   NewRepo(db),
		llm:    llmService,
		logger: logger.With(zap.String("component", "conversation_engine")),
		clock:  time.Now,
	}
}

// LLM returns the LLM facade.
func (s *Service) LLM() *llm.Service { return s.llm }

// CreateConversation creates and persists a new conversation.
func (s *Service) CreateConversation(ctx context.Context, conversationType string, userID *int64, title string, metadata map[string]any) (*Conversation, error) {
	conv := &Conversation{
		UserID:           userID,
		ConversationType: conversationType,
		Status:           StatusActive,
		Metadata:         database.MustMarshal(metadata),
	}
	if title != "" {
		conv.Title = &title
	}
	if err := s.repo.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	s.logger.Info("conversation created",
		zap.String("conversation_id", conv.ID),
		zap.String("type", conversationType),
	)
	return conv, nil
}

// GetConversationSummary returns the conversation without its messages.
func (s *Service) GetConversationSummary(ctx context.Context, conversationID string) (*Conversation, error) {
	return s.repo.ConversationByID(ctx, conversationID)
}

// GetConversation returns the conversation with its full message history.
func (s *Service) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	conv, err := s.repo.ConversationByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	messages, err := s.repo.History(ctx, conversationID, 0, true)
	if err != nil {
		return nil, err
	}
	conv.Messages = messages
	return conv, nil
}

// ListConversationsForUser returns a page of a user's conversations.
func (s *Service) ListConversationsForUser(ctx context.Context, userID int64, conversationType, status string, limit, offset int) ([]Conversation, error) {
	return s.repo.ListForUser(ctx, userID, conversationType, status, limit, offset)
}

// ListConversationsByType returns a page of conversations of one type.
func (s *Service) ListConversationsByType(ctx context.Context, conversationType, status string, limit, offset int) ([]Conversation, error) {
	return s.repo.ListForType(ctx, conversationType, status, limit, offset)
}

// ListConversationsForUserPaginated returns a page with pagination metadata.
func (s *Service) ListConversationsForUserPaginated(ctx context.Context, userID int64, conversationType, status string, page, pageSize int) (*PaginatedConversations, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	offset := (page - 1) * pageSize

	convs, err := s.repo.ListForUser(ctx, userID, conversationType, status, pageSize, offset)
	if err != nil {
		return nil, err
	}
	total, err := s.repo.CountForUser(ctx, userID, conversationType, status)
	if err != nil {
		return nil, err
	}

	return &PaginatedConversations{
		Conversations: convs,
		TotalCount:    total,
		Page:          page,
		PageSize:      pageSize,
		HasNext:       int64(offset+len(convs)) < total,
	}, nil
}

// RecordUserMessage appends a user turn to the transcript.
func (s *Service) RecordUserMessage(ctx context.Context, conversationID, content string, metadata map[string]any) (*Message, error) {
	return s.addMessage(ctx, conversationID, string(types.RoleUser), content, metadata, "", nil, nil)
}

// RecordSystemMessage appends a system turn to the transcript.
func (s *Service) RecordSystemMessage(ctx context.Context, conversationID, content string, metadata map[string]any) (*Message, error) {
	return s.addMessage(ctx, conversationID, string(types.RoleSystem), content, metadata, "", nil, nil)
}

// RecordAssistantMessage appends an assistant turn, optionally linked to the
// ledger row that produced it.
func (s *Service) RecordAssistantMessage(ctx context.Context, conversationID, content string, metadata map[string]any, llmRequestID string, tokensUsed *int, costEstimate *float64) (*Message, error) {
	return s.addMessage(ctx, conversationID, string(types.RoleAssistant), content, metadata, llmRequestID, tokensUsed, costEstimate)
}

func (s *Service) addMessage(ctx context.Context, conversationID, role, content string, metadata map[string]any, llmRequestID string, tokensUsed *int, costEstimate *float64) (*Message, error) {
	msg := &Message{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Metadata:       database.MustMarshal(metadata),
		TokensUsed:     tokensUsed,
		CostEstimate:   costEstimate,
	}
	if llmRequestID != "" {
		msg.LLMRequestID = &llmRequestID
	}
	if err := s.repo.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// GetMessageHistory returns the transcript in order.
func (s *Service) GetMessageHistory(ctx context.Context, conversationID string, limit int, includeSystem bool) ([]Message, error) {
	return s.repo.History(ctx, conversationID, limit, includeSystem)
}

// BuildLLMMessages converts the transcript into canonical messages,
// prepending an optional system prompt. Persisted system turns are included
// only when includeSystem is set.
func (s *Service) BuildLLMMessages(ctx context.Context, conversationID, systemPrompt string, includeSystem bool) ([]types.Message, error) {
	var messages []types.Message
	if systemPrompt != "" {
		messages = append(messages, types.NewSystemMessage(systemPrompt))
	}

	history, err := s.repo.History(ctx, conversationID, 0, includeSystem)
	if err != nil {
		return nil, err
	}
	for _, m := range history {
		messages = append(messages, types.Message{Role: types.Role(m.Role), Content: m.Content})
	}
	return messages, nil
}

// GenerateAssistantResponse builds the transcript messages, generates a
// reply, and records it as an assistant turn with provider and model noted
// in the message metadata.
func (s *Service) GenerateAssistantResponse(ctx context.Context, conversationID, systemPrompt string, userID *int64, metadata map[string]any, opts llm.GenerateOptions) (*Message, string, *llm.Response, error) {
	messages, err := s.BuildLLMMessages(ctx, conversationID, systemPrompt, false)
	if err != nil {
		return nil, "", nil, err
	}

	resp, requestID, err := s.llm.GenerateResponse(ctx, messages, userID, opts)
	if err != nil {
		return nil, requestID, nil, err
	}

	msgMetadata := map[string]any{}
	for k, v := range metadata {
		msgMetadata[k] = v
	}
	if _, ok := msgMetadata["provider"]; !ok {
		msgMetadata["provider"] = string(resp.Provider)
	}
	if _, ok := msgMetadata["model"]; !ok {
		msgMetadata["model"] = resp.Model
	}

	tokens := resp.OutputTokens
	if tokens == 0 {
		tokens = resp.TokensUsed
	}
	msg, err := s.RecordAssistantMessage(ctx, conversationID, resp.Content, msgMetadata, requestID, &tokens, &resp.CostEstimate)
	if err != nil {
		return nil, requestID, resp, err
	}
	return msg, requestID, resp, nil
}

// UpdateConversationStatus sets the conversation status.
func (s *Service) UpdateConversationStatus(ctx context.Context, conversationID, status string) (*Conversation, error) {
	conv, err := s.repo.ConversationByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	conv.Status = status
	conv.UpdatedAt = s.clock().UTC()
	if err := s.repo.SaveConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// UpdateConversationMetadata patches the conversation metadata, merging with
// the existing map unless merge is false.
func (s *Service) UpdateConversationMetadata(ctx context.Context, conversationID string, patch map[string]any, merge bool) (*Conversation, error) {
	conv, err := s.repo.ConversationByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	metadata := map[string]any{}
	if merge {
		metadata = conv.MetadataMap()
	}
	for k, v := range patch {
		metadata[k] = v
	}
	conv.Metadata = database.MustMarshal(metadata)
	conv.UpdatedAt = s.clock().UTC()
	if err := s.repo.SaveConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// UpdateConversationTitle sets (or clears) the conversation title.
func (s *Service) UpdateConversationTitle(ctx context.Context, conversationID, title string) (*Conversation, error) {
	conv, err := s.repo.ConversationByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if title == "" {
		conv.Title = nil
	} else {
		conv.Title = &title
	}
	conv.UpdatedAt = s.clock().UTC()
	if err := s.repo.SaveConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}
