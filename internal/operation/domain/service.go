package domain

import (
	"context"
	"errors"
)

// Executor runs ledger mutations with validation, retry and rollback.
type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

var (
	ErrInvalidOperation  = errors.New("invalid_operation")
	ErrInvalidSubscriber = errors.New("invalid_subscriber")
	ErrAmountOutOfBounds = errors.New("amount_out_of_bounds")
	ErrSourceNotAllowed  = errors.New("credit_source_not_allowed")
	ErrHighRisk          = errors.New("operation_blocked_high_risk")
	ErrRetriesExhausted  = errors.New("retries_exhausted")
	ErrInvalidTransition = errors.New("invalid_state_transition")
)
