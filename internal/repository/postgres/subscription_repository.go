package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// SubscriptionRepository implements domain.SubscriptionService against the
// subscriptions table maintained by the billing system. The policy engine
// never sees plan names; the plan-to-entitlement mapping lives in this query.
type SubscriptionRepository struct {
	db *sql.DB
}

// NewSubscriptionRepository creates a new PostgreSQL subscription repository
func NewSubscriptionRepository(db *sql.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// HasUnlimitedMessaging reports whether the user holds an active paid plan.
// Users with no subscription row are on the free tier.
func (r *SubscriptionRepository) HasUnlimitedMessaging(ctx context.Context, userID string) (bool, error) {
	query := `
		SELECT EXISTS(
			SELECT 1 FROM subscriptions
			WHERE user_id = $1 AND active AND plan IN ('pro', 'enterprise')
		)
	`
	var unlimited bool
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&unlimited); err != nil {
		return false, fmt.Errorf("failed to check subscription: %w", err)
	}
	return unlimited, nil
}
