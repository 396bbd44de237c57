package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"expertchat/internal/domain"

	"github.com/google/uuid"
)

const (
	RoutingKeyMessageCreated      = "message.created"
	RoutingKeyConversationStarted = "conversation.started"
)

// MessageCreatedEvent notifies the recipient of a new message. Consumers
// de-duplicate on EventID since delivery is at-least-once.
type MessageCreatedEvent struct {
	EventID        string `json:"event_id"`
	MessageID      int64  `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	SenderRole     string `json:"sender_role"`
	RecipientID    string `json:"recipient_id"`
	Timestamp      int64  `json:"timestamp"`
}

// ConversationStartedEvent notifies the expert of a first contact.
type ConversationStartedEvent struct {
	EventID        string `json:"event_id"`
	ConversationID string `json:"conversation_id"`
	ClientID       string `json:"client_id"`
	ExpertID       string `json:"expert_id"`
	Timestamp      int64  `json:"timestamp"`
}

// Publisher emits notification events to the broker. It implements the
// messaging service's EventPublisher contract.
type Publisher struct {
	broker *Broker
}

func NewPublisher(broker *Broker) *Publisher {
	return &Publisher{broker: broker}
}

func (p *Publisher) MessageCreated(ctx context.Context, msg *domain.Message, recipientID string) error {
	event := MessageCreatedEvent{
		EventID:        uuid.NewString(),
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		SenderRole:     string(msg.SenderRole),
		RecipientID:    recipientID,
		Timestamp:      time.Now().Unix(),
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := p.broker.publish(ctx, RoutingKeyMessageCreated, body); err != nil {
		return err
	}

	slog.Debug("published message.created",
		slog.Int64("message_id", msg.ID),
		slog.String("conversation_id", msg.ConversationID))
	return nil
}

func (p *Publisher) ConversationStarted(ctx context.Context, conv *domain.Conversation) error {
	event := ConversationStartedEvent{
		EventID:        uuid.NewString(),
		ConversationID: conv.ID,
		ClientID:       conv.ClientID,
		ExpertID:       conv.ExpertID,
		Timestamp:      time.Now().Unix(),
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := p.broker.publish(ctx, RoutingKeyConversationStarted, body); err != nil {
		return err
	}

	slog.Debug("published conversation.started",
		slog.String("conversation_id", conv.ID))
	return nil
}
