package domain

import (
	"context"
	"errors"
	"fmt"
)

var ErrUnknownRole = errors.New("unknown role")

// Role identifies which side of a conversation a user sits on.
type Role string

const (
	RoleClient Role = "client"
	RoleExpert Role = "expert"
)

// ParseRole converts a wire value into a Role
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleClient:
		return RoleClient, nil
	case RoleExpert:
		return RoleExpert, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

// Counterpart returns the other side of a conversation
func (r Role) Counterpart() Role {
	if r == RoleClient {
		return RoleExpert
	}
	return RoleClient
}

// Identity is the authenticated-identity assertion the auth layer hands us:
// a verified user id plus the role it was issued for. It is the only thing
// the messaging core knows about a user.
type Identity struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

// SubscriptionService reports messaging entitlements for a user. Plan names,
// billing and renewal live with the subscription collaborator; the quota
// engine only ever asks this one question.
type SubscriptionService interface {
	HasUnlimitedMessaging(ctx context.Context, userID string) (bool, error)
}
