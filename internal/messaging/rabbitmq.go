package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// EventsExchange carries notification events for downstream consumers
	// (mail digests, mobile push, analytics).
	EventsExchange = "messaging.events"

	// NotificationsQueue is bound to every event so the notification worker
	// sees new messages and new conversations alike.
	NotificationsQueue = "messaging.notifications"
)

// Broker wraps the RabbitMQ connection used for notification events.
type Broker struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

func NewBroker(url string) (*Broker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	b := &Broker{
		conn:    conn,
		channel: ch,
	}

	if err := b.Setup(); err != nil {
		b.Close()
		return nil, err
	}

	return b, nil
}

// NewBrokerWithRetry dials the broker with exponential backoff. RabbitMQ is
// often still starting when the service comes up under compose.
func NewBrokerWithRetry(ctx context.Context, url string, maxAttempts int) (*Broker, error) {
	backoff := time.Second
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		broker, err := NewBroker(url)
		if err == nil {
			return broker, nil
		}
		lastErr = err

		slog.Warn("broker connection failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}

	return nil, fmt.Errorf("broker unavailable after %d attempts: %w", maxAttempts, lastErr)
}

func (b *Broker) Setup() error {
	if err := b.channel.ExchangeDeclare(
		EventsExchange, // name
		"topic",        // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	); err != nil {
		return fmt.Errorf("failed to declare events exchange: %w", err)
	}

	if _, err := b.channel.QueueDeclare(
		NotificationsQueue, // name
		true,               // durable
		false,              // delete when unused
		false,              // exclusive
		false,              // no-wait
		nil,                // arguments
	); err != nil {
		return fmt.Errorf("failed to declare notifications queue: %w", err)
	}

	if err := b.channel.QueueBind(
		NotificationsQueue, // queue name
		"#",                // routing key
		EventsExchange,     // exchange
		false,
		nil,
	); err != nil {
		return fmt.Errorf("failed to bind notifications queue: %w", err)
	}

	slog.Info("broker setup completed successfully")
	return nil
}

func (b *Broker) publish(ctx context.Context, routingKey string, body []byte) error {
	err := b.channel.PublishWithContext(
		ctx,
		EventsExchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", routingKey, err)
	}
	return nil
}

// ConsumeNotifications registers a consumer on the notifications queue.
// Used by integration tests and by the out-of-process notification worker.
func (b *Broker) ConsumeNotifications() (<-chan amqp.Delivery, error) {
	msgs, err := b.channel.Consume(
		NotificationsQueue,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register consumer: %w", err)
	}

	slog.Info("started consuming notifications",
		slog.String("queue", NotificationsQueue))
	return msgs, nil
}

func (b *Broker) IsClosed() bool {
	return b.conn == nil || b.conn.IsClosed()
}

func (b *Broker) Close() error {
	if b.channel != nil {
		b.channel.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
