package service

import (
	"context"

	"expertchat/internal/domain"
)

// QuotaDecision is the outcome of an access-policy check. Remaining is only
// meaningful for bounded senders; callers use it to warn the client before
// the limit hits ("2 messages remaining").
type QuotaDecision struct {
	Allowed   bool `json:"allowed"`
	Unbounded bool `json:"unbounded"`
	Remaining int  `json:"remaining"`
}

// AccessPolicy decides whether a prospective message is within the sender's
// quota. Experts are never limited; clients are limited per conversation
// unless their subscription grants unlimited messaging.
type AccessPolicy struct {
	freeLimit int
	subs      domain.SubscriptionService
}

// NewAccessPolicy creates an access policy with the given free-tier limit
func NewAccessPolicy(freeLimit int, subs domain.SubscriptionService) *AccessPolicy {
	return &AccessPolicy{freeLimit: freeLimit, subs: subs}
}

// FreeLimit returns the configured free-tier message limit
func (p *AccessPolicy) FreeLimit() int {
	return p.freeLimit
}

// CanSend evaluates the quota for a prospective message from sender on conv.
// The decision is advisory under concurrency: the store's conditional
// increment re-checks the counter atomically, so a stale read here can never
// push the counter past the limit.
func (p *AccessPolicy) CanSend(ctx context.Context, conv *domain.Conversation, sender domain.Identity) (QuotaDecision, error) {
	if sender.Role == domain.RoleExpert {
		return QuotaDecision{Allowed: true, Unbounded: true}, nil
	}

	unlimited, err := p.subs.HasUnlimitedMessaging(ctx, sender.UserID)
	if err != nil {
		return QuotaDecision{}, err
	}
	if unlimited {
		return QuotaDecision{Allowed: true, Unbounded: true}, nil
	}

	remaining := p.freeLimit - conv.ClientMessageCount
	if remaining < 0 {
		remaining = 0
	}
	return QuotaDecision{Allowed: remaining > 0, Remaining: remaining}, nil
}
