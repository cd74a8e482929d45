package domain

import (
	"context"
	"time"
)

type EventType string

const (
	EventSubscriptionCreated   EventType = "subscription_created"
	EventSubscriptionUpdated   EventType = "subscription_updated"
	EventSubscriptionCancelled EventType = "subscription_cancelled"
	EventSubscriptionExpired   EventType = "subscription_expired"
	EventSubscriptionPaused    EventType = "subscription_paused"
	EventSubscriptionResumed   EventType = "subscription_resumed"
	EventSubscriptionUnpaused  EventType = "subscription_unpaused"
	EventPaymentSuccess        EventType = "subscription_payment_success"
	EventPaymentFailed         EventType = "subscription_payment_failed"
)

// Grants reports whether the event carries a period credit allotment.
func (t EventType) Grants() bool {
	return t == EventSubscriptionCreated || t == EventPaymentSuccess
}

// Event is a provider delivery normalized by an Adapter.
type Event struct {
	ID                     string
	Type                   EventType
	SubscriberID           string
	VariantID              string
	ProviderStatus         string
	ExternalSubscriptionID string
	ExternalCustomerID     string
	RenewsAt               *time.Time
	EndsAt                 *time.Time
	TrialEndsAt            *time.Time
}

// Adapter verifies and parses one provider's webhook format.
type Adapter interface {
	Provider() string
	Verify(ctx context.Context, payload []byte, signature string) error
	Parse(ctx context.Context, payload []byte) (*Event, error)
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(secret string) (Adapter, error)
}
