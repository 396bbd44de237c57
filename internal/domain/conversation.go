package domain

import (
	"context"
	"errors"
	"time"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrConversationExists   = errors.New("conversation already exists for this client and expert")
	ErrNotParticipant       = errors.New("user is not a participant of this conversation")
	ErrClientRoleRequired   = errors.New("only clients may start conversations")
	ErrInvalidInput         = errors.New("invalid input")
)

// Conversation is the unique thread between one client and one expert.
// At most one row exists per (ClientID, ExpertID) pair.
type Conversation struct {
	ID                 string    `json:"id"`
	ClientID           string    `json:"clientId"`
	ExpertID           string    `json:"expertId"`
	ClientMessageCount int       `json:"clientMessageCount"`
	LastMessageAt      time.Time `json:"lastMessageAt"`
	CreatedAt          time.Time `json:"createdAt"`

	// UnreadCount is filled in for listings, relative to the requesting role.
	// It is derived from read_at, never stored.
	UnreadCount int `json:"unreadCount"`
}

// RoleOf returns the role userID holds in this conversation, if any.
func (c *Conversation) RoleOf(userID string) (Role, bool) {
	switch userID {
	case c.ClientID:
		return RoleClient, true
	case c.ExpertID:
		return RoleExpert, true
	}
	return "", false
}

// ParticipantID returns the user id bound to the given role.
func (c *Conversation) ParticipantID(role Role) string {
	if role == RoleClient {
		return c.ClientID
	}
	return c.ExpertID
}

// ConversationRepository defines the interface for conversation data access
type ConversationRepository interface {
	// Create inserts a new conversation. Returns ErrConversationExists when
	// another conversation for the same (client, expert) pair already won.
	Create(ctx context.Context, conv *Conversation) error
	GetByID(ctx context.Context, id string) (*Conversation, error)
	GetByPair(ctx context.Context, clientID, expertID string) (*Conversation, error)
	// ListForUser returns the user's conversations ordered by last_message_at
	// descending, with UnreadCount populated for the given role.
	ListForUser(ctx context.Context, userID string, role Role, limit, offset int) ([]*Conversation, error)
}
