package service

import (
	"context"
	"errors"
	"time"

	"expertchat/internal/domain"
	"expertchat/internal/observability"
)

// EventPublisher emits notification events after state changes. Publishing is
// best-effort: a failed publish is logged and counted, never surfaced to the
// sender.
type EventPublisher interface {
	MessageCreated(ctx context.Context, msg *domain.Message, recipientID string) error
	ConversationStarted(ctx context.Context, conv *domain.Conversation) error
}

// Limits bundles the configurable messaging bounds
type Limits struct {
	MessageMinLength      int
	MessageMaxLength      int
	ConversationsPageSize int
	MessagesPageSize      int
}

// DefaultLimits returns the default limits
func DefaultLimits() Limits {
	return Limits{
		MessageMinLength:      1,
		MessageMaxLength:      2000,
		ConversationsPageSize: 20,
		MessagesPageSize:      50,
	}
}

// SendResult is what a successful send reports back to the caller
type SendResult struct {
	Message            *domain.Message
	ClientMessageCount int
	Remaining          int
	Unbounded          bool
}

// ConversationList is one page of conversations plus the badge total
type ConversationList struct {
	Conversations []*domain.Conversation
	UnreadTotal   int
}

// Thread is a conversation with one page of its messages
type Thread struct {
	Conversation *domain.Conversation
	Messages     []*domain.Message
}

// MessagingService implements the conversation registry, message ingestion,
// read-receipt tracking and conversation queries on top of the repositories.
type MessagingService struct {
	conversations domain.ConversationRepository
	messages      domain.MessageRepository
	policy        *AccessPolicy
	events        EventPublisher
	limits        Limits
}

// NewMessagingService wires the messaging service. events may be nil when no
// notification transport is configured.
func NewMessagingService(
	conversations domain.ConversationRepository,
	messages domain.MessageRepository,
	policy *AccessPolicy,
	events EventPublisher,
	limits Limits,
) *MessagingService {
	return &MessagingService{
		conversations: conversations,
		messages:      messages,
		policy:        policy,
		events:        events,
		limits:        limits,
	}
}

// StartConversation returns the thread between the requester and the expert,
// creating it on first contact. Only clients may initiate. Concurrent first
// contacts are resolved by the store's pair uniqueness: the create that loses
// re-reads the surviving row, so exactly one conversation exists per pair.
func (s *MessagingService) StartConversation(ctx context.Context, requester domain.Identity, expertID string) (*domain.Conversation, error) {
	if requester.Role != domain.RoleClient {
		return nil, domain.ErrClientRoleRequired
	}
	if expertID == "" || expertID == requester.UserID {
		return nil, domain.ErrInvalidInput
	}

	conv, err := s.conversations.GetByPair(ctx, requester.UserID, expertID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, domain.ErrConversationNotFound) {
		return nil, err
	}

	conv = &domain.Conversation{ClientID: requester.UserID, ExpertID: expertID}
	err = s.conversations.Create(ctx, conv)
	if errors.Is(err, domain.ErrConversationExists) {
		// Lost the first-contact race; the winner's row is the conversation.
		return s.conversations.GetByPair(ctx, requester.UserID, expertID)
	}
	if err != nil {
		return nil, err
	}

	observability.ConversationsStarted.Inc()
	if s.events != nil {
		if err := s.events.ConversationStarted(ctx, conv); err != nil {
			observability.EventPublishFailures.Inc()
			observability.FromContext(ctx).Warn("failed to publish conversation.started",
				"conversation_id", conv.ID, "error", err)
		}
	}
	return conv, nil
}

// GetConversation retrieves a conversation the requester participates in
func (s *MessagingService) GetConversation(ctx context.Context, requester domain.Identity, id string) (*domain.Conversation, error) {
	conv, err := s.conversations.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := requireParticipant(conv, requester); err != nil {
		return nil, err
	}
	return conv, nil
}

// SendMessage validates and appends a message, enforcing the sender's quota.
// The quota gate and counter increment are one atomic unit at the store; a
// rejected send mutates nothing.
func (s *MessagingService) SendMessage(ctx context.Context, sender domain.Identity, conversationID, content string) (*SendResult, error) {
	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if err := requireParticipant(conv, sender); err != nil {
		return nil, err
	}
	if l := len(content); l < s.limits.MessageMinLength || l > s.limits.MessageMaxLength {
		return nil, domain.ErrInvalidContent
	}

	decision, err := s.policy.CanSend(ctx, conv, sender)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		observability.QuotaRejections.Inc()
		return nil, domain.ErrMessageLimitReached
	}

	msg := &domain.Message{
		ConversationID: conv.ID,
		SenderID:       sender.UserID,
		SenderRole:     sender.Role,
		Content:        content,
	}

	result := &SendResult{Message: msg, Unbounded: decision.Unbounded}
	switch sender.Role {
	case domain.RoleClient:
		maxCount := s.policy.FreeLimit()
		if decision.Unbounded {
			maxCount = -1
		}
		count, err := s.messages.AppendCounted(ctx, msg, maxCount)
		if err != nil {
			if errors.Is(err, domain.ErrMessageLimitReached) {
				// A concurrent send consumed the last slot after our check.
				observability.QuotaRejections.Inc()
			}
			return nil, err
		}
		result.ClientMessageCount = count
		if !decision.Unbounded {
			result.Remaining = maxCount - count
			if result.Remaining < 0 {
				result.Remaining = 0
			}
		}
	default:
		if err := s.messages.Append(ctx, msg); err != nil {
			return nil, err
		}
		result.ClientMessageCount = conv.ClientMessageCount
	}

	observability.MessagesSent.WithLabelValues(string(sender.Role)).Inc()

	if s.events != nil {
		recipientID := conv.ParticipantID(sender.Role.Counterpart())
		if err := s.events.MessageCreated(ctx, msg, recipientID); err != nil {
			observability.EventPublishFailures.Inc()
			observability.FromContext(ctx).Warn("failed to publish message.created",
				"message_id", msg.ID, "conversation_id", conv.ID, "error", err)
		}
	}

	return result, nil
}

// MarkRead stamps read receipts on the counterpart's unread messages in the
// conversation. Idempotent: a second call finds nothing to stamp.
func (s *MessagingService) MarkRead(ctx context.Context, requester domain.Identity, conversationID string) error {
	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return err
	}
	if err := requireParticipant(conv, requester); err != nil {
		return err
	}

	stamped, err := s.messages.MarkRead(ctx, conv.ID, requester.Role, time.Now().UTC())
	if err != nil {
		return err
	}
	observability.MessagesMarkedRead.Add(float64(stamped))
	return nil
}

// ListConversations returns one page of the requester's conversations,
// most recently active first, plus the aggregate unread badge count.
func (s *MessagingService) ListConversations(ctx context.Context, requester domain.Identity, page int) (*ConversationList, error) {
	if page < 0 {
		page = 0
	}
	limit := s.limits.ConversationsPageSize
	conversations, err := s.conversations.ListForUser(ctx, requester.UserID, requester.Role, limit, page*limit)
	if err != nil {
		return nil, err
	}

	total, err := s.messages.UnreadTotal(ctx, requester.UserID, requester.Role)
	if err != nil {
		return nil, err
	}

	return &ConversationList{Conversations: conversations, UnreadTotal: total}, nil
}

// GetThread returns the conversation and one page of its messages in
// chronological order. Page zero is the most recent page.
func (s *MessagingService) GetThread(ctx context.Context, requester domain.Identity, conversationID string, page int) (*Thread, error) {
	conv, err := s.GetConversation(ctx, requester, conversationID)
	if err != nil {
		return nil, err
	}

	if page < 0 {
		page = 0
	}
	messages, err := s.messages.ListByConversation(ctx, conv.ID, s.limits.MessagesPageSize, page)
	if err != nil {
		return nil, err
	}
	conv.UnreadCount, err = s.messages.UnreadCount(ctx, conv.ID, requester.Role)
	if err != nil {
		return nil, err
	}

	return &Thread{Conversation: conv, Messages: messages}, nil
}

// UnreadTotal returns the aggregate unread count for the requester's badge
func (s *MessagingService) UnreadTotal(ctx context.Context, requester domain.Identity) (int, error) {
	return s.messages.UnreadTotal(ctx, requester.UserID, requester.Role)
}

// requireParticipant checks that the identity is bound to the conversation
// under the role it authenticated with.
func requireParticipant(conv *domain.Conversation, id domain.Identity) error {
	role, ok := conv.RoleOf(id.UserID)
	if !ok || role != id.Role {
		return domain.ErrNotParticipant
	}
	return nil
}
