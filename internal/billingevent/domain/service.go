package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type Outcome string

const (
	OutcomeApplied     Outcome = "applied"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeReprocessed Outcome = "reprocessed"
	OutcomeIgnored     Outcome = "ignored"
)

type Result struct {
	EventID      string    `json:"event_id"`
	EventType    EventType `json:"event_type"`
	SubscriberID string    `json:"subscriber_id"`
	Outcome      Outcome   `json:"outcome"`
	Granted      int64     `json:"granted"`
}

type Repository interface {
	// Insert returns false when the event id was already recorded.
	Insert(ctx context.Context, db *gorm.DB, event *BillingEvent) (bool, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, eventID string, at time.Time) error
	FindByEventID(ctx context.Context, db *gorm.DB, eventID string) (*BillingEvent, error)
}

type Reconciler interface {
	Handle(ctx context.Context, payload []byte, signature string) (Result, error)
}

var (
	ErrSignatureMissing  = errors.New("signature_missing")
	ErrSignatureInvalid  = errors.New("signature_invalid")
	ErrSecretMissing     = errors.New("webhook_secret_missing")
	ErrInvalidPayload    = errors.New("invalid_payload")
	ErrInvalidEvent      = errors.New("invalid_event")
	ErrMissingSubscriber = errors.New("missing_subscriber")
	ErrUnknownVariant    = errors.New("unknown_variant")
	ErrProviderNotFound  = errors.New("provider_not_found")
)
