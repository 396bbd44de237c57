package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"expertchat/internal/domain"
)

// ConversationRepository implements domain.ConversationRepository for PostgreSQL
type ConversationRepository struct {
	db *sql.DB
}

// NewConversationRepository creates a new PostgreSQL conversation repository
func NewConversationRepository(db *sql.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// Create inserts a new conversation. The unique constraint on
// (client_id, expert_id) serializes concurrent first-contact attempts:
// the loser gets domain.ErrConversationExists and re-reads the winner.
func (r *ConversationRepository) Create(ctx context.Context, conv *domain.Conversation) error {
	query := `
		INSERT INTO conversations (client_id, expert_id)
		VALUES ($1, $2)
		RETURNING id, client_message_count, last_message_at, created_at
	`
	err := r.db.QueryRowContext(ctx, query,
		conv.ClientID,
		conv.ExpertID,
	).Scan(&conv.ID, &conv.ClientMessageCount, &conv.LastMessageAt, &conv.CreatedAt)

	if err != nil {
		if IsUniqueViolation(err, "conversations_client_id_expert_id_key") {
			return domain.ErrConversationExists
		}
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

// GetByID retrieves a conversation by ID
func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*domain.Conversation, error) {
	query := `
		SELECT id, client_id, expert_id, client_message_count, last_message_at, created_at
		FROM conversations
		WHERE id = $1
	`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

// GetByPair retrieves the one conversation for a (client, expert) pair
func (r *ConversationRepository) GetByPair(ctx context.Context, clientID, expertID string) (*domain.Conversation, error) {
	query := `
		SELECT id, client_id, expert_id, client_message_count, last_message_at, created_at
		FROM conversations
		WHERE client_id = $1 AND expert_id = $2
	`
	return r.scanOne(r.db.QueryRowContext(ctx, query, clientID, expertID))
}

func (r *ConversationRepository) scanOne(row *sql.Row) (*domain.Conversation, error) {
	conv := &domain.Conversation{}
	err := row.Scan(
		&conv.ID,
		&conv.ClientID,
		&conv.ExpertID,
		&conv.ClientMessageCount,
		&conv.LastMessageAt,
		&conv.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan conversation: %w", err)
	}
	return conv, nil
}

// ListForUser retrieves one page of the user's conversations, most recently
// active first, with the unread count for the given role attached.
func (r *ConversationRepository) ListForUser(ctx context.Context, userID string, role domain.Role, limit, offset int) ([]*domain.Conversation, error) {
	query := `
		SELECT c.id, c.client_id, c.expert_id, c.client_message_count, c.last_message_at, c.created_at,
			(SELECT COUNT(*) FROM messages m
			 WHERE m.conversation_id = c.id AND m.sender_role <> $2 AND m.read_at IS NULL) AS unread_count
		FROM conversations c
		WHERE (CASE WHEN $2 = 'client' THEN c.client_id ELSE c.expert_id END) = $1
		ORDER BY c.last_message_at DESC, c.id
		LIMIT $3 OFFSET $4
	`

	rows, err := r.db.QueryContext(ctx, query, userID, string(role), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	conversations := make([]*domain.Conversation, 0, limit)
	for rows.Next() {
		conv := &domain.Conversation{}
		err := rows.Scan(
			&conv.ID,
			&conv.ClientID,
			&conv.ExpertID,
			&conv.ClientMessageCount,
			&conv.LastMessageAt,
			&conv.CreatedAt,
			&conv.UnreadCount,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conversations = append(conversations, conv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversations: %w", err)
	}

	return conversations, nil
}
