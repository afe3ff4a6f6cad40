package conversation

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/brianfields/promptflow/types"
)

// Repo persists Conversation and Message rows. The caller owns the session
// lifecycle; message insertion runs under the parent's transaction.
type Repo struct {
	db *gorm.DB
}

// NewRepo creates a conversation repository over the given session.
func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// DB exposes the underlying session for transactional composition.
func (r *Repo) DB() *gorm.DB { return r.db }

// CreateConversation inserts the conversation, minting its id when absent.
func (r *Repo) CreateConversation(ctx context.Context, conv *Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	if conv.Status == "" {
		conv.Status = StatusActive
	}
	return r.db.WithContext(ctx).Create(conv).Error
}

// ConversationByID returns the conversation, or a NOT_FOUND error.
func (r *Repo) ConversationByID(ctx context.Context, id string) (*Conversation, error) {
	return conversationByID(r.db.WithContext(ctx), id)
}

func conversationByID(db *gorm.DB, id string) (*Conversation, error) {
	var conv Conversation
	err := db.First(&conv, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrNotFound, "conversation not found: "+id)
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// SaveConversation persists in-place mutations of the conversation row.
func (r *Repo) SaveConversation(ctx context.Context, conv *Conversation) error {
	return r.db.WithContext(ctx).Save(conv).Error
}

// ListForUser returns a user's conversations, newest first, optionally
// filtered by type and status.
func (r *Repo) ListForUser(ctx context.Context, userID int64, conversationType, status string, limit, offset int) ([]Conversation, error) {
	q := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if conversationType != "" {
		q = q.Where("conversation_type = ?", conversationType)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var convs []Conversation
	err := q.Order("updated_at DESC").Limit(limit).Offset(offset).Find(&convs).Error
	return convs, err
}

// ListForType returns conversations of one type, newest first.
func (r *Repo) ListForType(ctx context.Context, conversationType, status string, limit, offset int) ([]Conversation, error) {
	q := r.db.WithContext(ctx).Where("conversation_type = ?", conversationType)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var convs []Conversation
	err := q.Order("updated_at DESC").Limit(limit).Offset(offset).Find(&convs).Error
	return convs, err
}

// CountForUser counts a user's conversations under the same filters as
// ListForUser.
func (r *Repo) CountForUser(ctx context.Context, userID int64, conversationType, status string) (int64, error) {
	q := r.db.WithContext(ctx).Model(&Conversation{}).Where("user_id = ?", userID)
	if conversationType != "" {
		q = q.Where("conversation_type = ?", conversationType)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var n int64
	err := q.Count(&n).Error
	return n, err
}

// History returns the conversation's messages in transcript order.
func (r *Repo) History(ctx context.Context, conversationID string, limit int, includeSystem bool) ([]Message, error) {
	q := r.db.WithContext(ctx).Where("conversation_id = ?", conversationID)
	if !includeSystem {
		q = q.Where("role <> ?", string(types.RoleSystem))
	}
	q = q.Order("message_order ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var messages []Message
	err := q.Find(&messages).Error
	return messages, err
}

// AppendMessage inserts msg with the next dense ordinal, updating the
// parent's message_count and last_message_at in the same transaction. The
// parent row is re-read inside the transaction before ordinal assignment so
// concurrent writers serialize through the database.
func (r *Repo) AppendMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conv, err := conversationByID(tx, msg.ConversationID)
		if err != nil {
			return err
		}

		msg.MessageOrder = conv.MessageCount + 1
		if err := tx.Create(msg).Error; err != nil {
			return err
		}

		return tx.Model(&Conversation{}).Where("id = ?", conv.ID).Updates(map[string]any{
			"message_count":   msg.MessageOrder,
			"last_message_at": msg.CreatedAt,
		}).Error
	})
}
