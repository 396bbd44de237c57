package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"expertchat/internal/domain"
)

// MessageRepository implements domain.MessageRepository for PostgreSQL
type MessageRepository struct {
	db *sql.DB
	tm *TxManager
}

// NewMessageRepository creates a new PostgreSQL message repository
func NewMessageRepository(db *sql.DB) *MessageRepository {
	return &MessageRepository{db: db, tm: NewTxManager(db)}
}

const insertMessageQuery = `
	INSERT INTO messages (conversation_id, sender_id, sender_role, content)
	VALUES ($1, $2, $3, $4)
	RETURNING id, created_at
`

// Append inserts an expert-authored message and advances last_message_at.
// Both writes happen in one transaction so listings never see a message
// whose conversation still carries a stale timestamp.
func (r *MessageRepository) Append(ctx context.Context, msg *domain.Message) error {
	return r.tm.WithTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, insertMessageQuery,
			msg.ConversationID,
			msg.SenderID,
			string(msg.SenderRole),
			msg.Content,
		).Scan(&msg.ID, &msg.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE conversations SET last_message_at = $2 WHERE id = $1`,
			msg.ConversationID, msg.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to update conversation timestamp: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return domain.ErrConversationNotFound
		}
		return nil
	})
}

// AppendCounted inserts a client-authored message and bumps the client
// counter in the same transaction. The conditional UPDATE is the atomic
// check-then-increment: a counter already at maxCount matches no row, the
// transaction rolls back and nothing is written.
func (r *MessageRepository) AppendCounted(ctx context.Context, msg *domain.Message, maxCount int) (int, error) {
	var count int
	err := r.tm.WithTx(ctx, func(tx *sql.Tx) error {
		guarded := `
			UPDATE conversations
			SET client_message_count = client_message_count + 1,
				last_message_at = NOW()
			WHERE id = $1 AND client_message_count < $2
			RETURNING client_message_count
		`
		unbounded := `
			UPDATE conversations
			SET client_message_count = client_message_count + 1,
				last_message_at = NOW()
			WHERE id = $1
			RETURNING client_message_count
		`

		var err error
		if maxCount >= 0 {
			err = tx.QueryRowContext(ctx, guarded, msg.ConversationID, maxCount).Scan(&count)
		} else {
			err = tx.QueryRowContext(ctx, unbounded, msg.ConversationID).Scan(&count)
		}
		if err == sql.ErrNoRows {
			// Either the conversation is gone or the counter hit the limit.
			var exists bool
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS(SELECT 1 FROM conversations WHERE id = $1)`,
				msg.ConversationID,
			).Scan(&exists); err != nil {
				return fmt.Errorf("failed to check conversation: %w", err)
			}
			if !exists {
				return domain.ErrConversationNotFound
			}
			return domain.ErrMessageLimitReached
		}
		if err != nil {
			return fmt.Errorf("failed to increment client counter: %w", err)
		}

		if err := tx.QueryRowContext(ctx, insertMessageQuery,
			msg.ConversationID,
			msg.SenderID,
			string(msg.SenderRole),
			msg.Content,
		).Scan(&msg.ID, &msg.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// ListByConversation retrieves one page of messages in chronological order.
// Page zero is the most recent page, so a thread opens at its tail.
func (r *MessageRepository) ListByConversation(ctx context.Context, conversationID string, limit, page int) ([]*domain.Message, error) {
	query := `
		SELECT id, conversation_id, sender_id, sender_role, content, created_at, read_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY id DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.QueryContext(ctx, query, conversationID, limit, page*limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]*domain.Message, 0, limit)
	for rows.Next() {
		msg := &domain.Message{}
		var role string
		err := rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&msg.SenderID,
			&role,
			&msg.Content,
			&msg.CreatedAt,
			&msg.ReadAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.SenderRole = domain.Role(role)
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	// Reverse the slice to get oldest first
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

// MarkRead stamps read_at on the counterpart role's unread messages.
// A second call matches no rows, which is what makes it idempotent.
func (r *MessageRepository) MarkRead(ctx context.Context, conversationID string, reader domain.Role, at time.Time) (int64, error) {
	query := `
		UPDATE messages
		SET read_at = $3
		WHERE conversation_id = $1 AND sender_role <> $2 AND read_at IS NULL
	`
	res, err := r.db.ExecContext(ctx, query, conversationID, string(reader), at)
	if err != nil {
		return 0, fmt.Errorf("failed to mark messages read: %w", err)
	}
	return res.RowsAffected()
}

// UnreadCount counts the counterpart role's messages with no read receipt
func (r *MessageRepository) UnreadCount(ctx context.Context, conversationID string, reader domain.Role) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM messages
		WHERE conversation_id = $1 AND sender_role <> $2 AND read_at IS NULL
	`
	var count int
	err := r.db.QueryRowContext(ctx, query, conversationID, string(reader)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread messages: %w", err)
	}
	return count, nil
}

// UnreadTotal aggregates unread counts across all of the user's conversations
func (r *MessageRepository) UnreadTotal(ctx context.Context, userID string, reader domain.Role) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM messages m
		JOIN conversations c ON m.conversation_id = c.id
		WHERE m.sender_role <> $2 AND m.read_at IS NULL
			AND (CASE WHEN $2 = 'client' THEN c.client_id ELSE c.expert_id END) = $1
	`
	var count int
	err := r.db.QueryRowContext(ctx, query, userID, string(reader)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread messages: %w", err)
	}
	return count, nil
}
