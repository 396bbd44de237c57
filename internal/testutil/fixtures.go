package testutil

import (
	"time"

	"expertchat/internal/domain"

	"github.com/google/uuid"
)

// ClientIdentity creates a client identity with a random user id
func ClientIdentity() domain.Identity {
	return domain.Identity{UserID: "client-" + uuid.NewString()[:8], Role: domain.RoleClient}
}

// ExpertIdentity creates an expert identity with a random user id
func ExpertIdentity() domain.Identity {
	return domain.Identity{UserID: "expert-" + uuid.NewString()[:8], Role: domain.RoleExpert}
}

// ConversationOptions allows customizing conversation fixture creation
type ConversationOptions struct {
	ID                 string
	ClientID           string
	ExpertID           string
	ClientMessageCount int
	LastMessageAt      time.Time
	CreatedAt          time.Time
}

// NewTestConversation creates a conversation fixture with sensible defaults
func NewTestConversation(opts ...func(*ConversationOptions)) *domain.Conversation {
	o := &ConversationOptions{
		ID:        "conv-" + uuid.NewString()[:8],
		ClientID:  "client-1",
		ExpertID:  "expert-1",
		CreatedAt: time.Now().UTC(),
	}

	for _, opt := range opts {
		opt(o)
	}

	if o.LastMessageAt.IsZero() {
		o.LastMessageAt = o.CreatedAt
	}

	return &domain.Conversation{
		ID:                 o.ID,
		ClientID:           o.ClientID,
		ExpertID:           o.ExpertID,
		ClientMessageCount: o.ClientMessageCount,
		LastMessageAt:      o.LastMessageAt,
		CreatedAt:          o.CreatedAt,
	}
}

// WithConversationID sets the conversation ID
func WithConversationID(id string) func(*ConversationOptions) {
	return func(o *ConversationOptions) {
		o.ID = id
	}
}

// WithParticipants sets both participant ids
func WithParticipants(clientID, expertID string) func(*ConversationOptions) {
	return func(o *ConversationOptions) {
		o.ClientID = clientID
		o.ExpertID = expertID
	}
}

// WithClientMessageCount sets the client message counter
func WithClientMessageCount(n int) func(*ConversationOptions) {
	return func(o *ConversationOptions) {
		o.ClientMessageCount = n
	}
}

// MessageOptions allows customizing message fixture creation
type MessageOptions struct {
	ID             int64
	ConversationID string
	SenderID       string
	SenderRole     domain.Role
	Content        string
	CreatedAt      time.Time
	ReadAt         *time.Time
}

// NewTestMessage creates a message fixture with sensible defaults
func NewTestMessage(opts ...func(*MessageOptions)) *domain.Message {
	o := &MessageOptions{
		ID:             1,
		ConversationID: "conv-1",
		SenderID:       "client-1",
		SenderRole:     domain.RoleClient,
		Content:        "Hello there",
		CreatedAt:      time.Now().UTC(),
	}

	for _, opt := range opts {
		opt(o)
	}

	return &domain.Message{
		ID:             o.ID,
		ConversationID: o.ConversationID,
		SenderID:       o.SenderID,
		SenderRole:     o.SenderRole,
		Content:        o.Content,
		CreatedAt:      o.CreatedAt,
		ReadAt:         o.ReadAt,
	}
}

// WithSender sets the message sender
func WithSender(id string, role domain.Role) func(*MessageOptions) {
	return func(o *MessageOptions) {
		o.SenderID = id
		o.SenderRole = role
	}
}

// WithContent sets the message content
func WithContent(content string) func(*MessageOptions) {
	return func(o *MessageOptions) {
		o.Content = content
	}
}

// WithReadAt marks the message as read at the given time
func WithReadAt(t time.Time) func(*MessageOptions) {
	return func(o *MessageOptions) {
		o.ReadAt = &t
	}
}
