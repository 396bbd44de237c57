package domain

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidContent      = errors.New("message content length out of bounds")
	ErrMessageLimitReached = errors.New("free message limit reached for this conversation")
)

// Message is a single text message inside a conversation. IDs are assigned
// by the store in insertion order, so sorting by ID is chronological.
type Message struct {
	ID             int64      `json:"id"`
	ConversationID string     `json:"conversationId"`
	SenderID       string     `json:"senderId"`
	SenderRole     Role       `json:"senderRole"`
	Content        string     `json:"content"`
	CreatedAt      time.Time  `json:"createdAt"`
	ReadAt         *time.Time `json:"readAt,omitempty"`
}

// MessageRepository defines the interface for message data access
type MessageRepository interface {
	// Append inserts a message and advances the conversation's
	// last_message_at, without touching the client counter. Used for
	// expert-authored messages.
	Append(ctx context.Context, msg *Message) error

	// AppendCounted inserts a client-authored message and increments the
	// conversation's client_message_count in the same transaction. When
	// maxCount >= 0 the increment is guarded: if the counter already sits at
	// maxCount the call fails with ErrMessageLimitReached and nothing is
	// written. maxCount < 0 means unbounded. Returns the counter value after
	// the increment.
	AppendCounted(ctx context.Context, msg *Message, maxCount int) (int, error)

	// ListByConversation returns one page of messages in chronological order.
	// Page zero is the most recent page.
	ListByConversation(ctx context.Context, conversationID string, limit, page int) ([]*Message, error)

	// MarkRead stamps read_at on every unread message authored by the other
	// role. Idempotent. Returns the number of messages stamped.
	MarkRead(ctx context.Context, conversationID string, reader Role, at time.Time) (int64, error)

	UnreadCount(ctx context.Context, conversationID string, reader Role) (int, error)

	// UnreadTotal aggregates unread counts across all of the user's
	// conversations, for notification badges.
	UnreadTotal(ctx context.Context, userID string, reader Role) (int, error)
}
