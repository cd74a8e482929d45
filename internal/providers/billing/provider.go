package billing

import (
	"context"
	"errors"
	"fmt"
)

// CheckoutRequest asks the provider for a hosted checkout page that buys
// PlanCode for SubscriberID.
type CheckoutRequest struct {
	SubscriberID string
	Email        string
	PlanCode     string
}

type CheckoutSession struct {
	ID        string
	URL       string
	PlanCode  string
	VariantID string
}

type CheckoutProvider interface {
	CreateCheckout(ctx context.Context, req CheckoutRequest) (CheckoutSession, error)
}

type ErrorKind string

const (
	KindRateLimited    ErrorKind = "rate_limited"
	KindTimeout        ErrorKind = "timeout"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindUpstream       ErrorKind = "upstream"
)

// ProviderError is returned for every failed provider call. Callers classify
// with errors.As on Kind.
type ProviderError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("billing provider %s (%d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("billing provider %s: %s", e.Kind, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

var (
	ErrNotConfigured      = errors.New("billing_provider_not_configured")
	ErrInvalidSubscriber  = errors.New("invalid_subscriber")
	ErrPlanNotPurchasable = errors.New("plan_not_purchasable")
)
