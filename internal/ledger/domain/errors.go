package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSubscriber   = errors.New("invalid_subscriber")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidSource       = errors.New("invalid_source")
	ErrLedgerNotFound      = errors.New("ledger_not_found")
	ErrConcurrencyConflict = errors.New("concurrency_conflict")
	ErrInsufficientBalance = errors.New("insufficient_balance")
)

// InsufficientBalanceError carries the balance observed when a debit was
// refused. It matches ErrInsufficientBalance with errors.Is.
type InsufficientBalanceError struct {
	Balance  int64
	Required int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient_balance: balance %d, required %d", e.Balance, e.Required)
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}
