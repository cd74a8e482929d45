package domain

import (
	"context"
	"errors"
	"time"

	plandomain "github.com/smallbiznis/creditguard/internal/plan/domain"
)

// ApplyRequest moves a subscriber onto a plan and status, typically from a
// billing event.
type ApplyRequest struct {
	SubscriberID           string
	PlanCode               string
	Status                 SubscriptionStatus
	PeriodStart            time.Time
	PeriodEnd              time.Time
	TrialEnd               *time.Time
	CancelAtPeriodEnd      bool
	ExternalSubscriptionID string
	ExternalCustomerID     string
}

type ApplyResult struct {
	Subscription Subscription
	// Previous is the row that was current before the call, if any.
	Previous *Subscription
	// Replaced is true when a new row superseded Previous.
	Replaced bool
}

// Effective is the plan a subscriber is entitled to right now. Subscriptions
// that lapsed resolve to the default plan.
type Effective struct {
	Subscription Subscription
	Plan         plandomain.Plan
	Entitled     bool
}

type Service interface {
	// EnsureAccount creates the ledger entry and default subscription of a
	// new subscriber. Repeated and concurrent calls create one of each.
	EnsureAccount(ctx context.Context, subscriberID string) error
	EnsureDefault(ctx context.Context, subscriberID string) (*Subscription, error)
	Current(ctx context.Context, subscriberID string) (*Subscription, error)
	Effective(ctx context.Context, subscriberID string, now time.Time) (Effective, error)
	Apply(ctx context.Context, req ApplyRequest) (ApplyResult, error)
	HasActivePaidPlan(ctx context.Context, subscriberID string, now time.Time) (bool, error)
}

var (
	ErrInvalidSubscriber    = errors.New("invalid_subscriber")
	ErrInvalidStatus        = errors.New("invalid_status")
	ErrInvalidPeriod        = errors.New("invalid_period")
	ErrInvalidTransition    = errors.New("invalid_transition")
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
)
