package domain

import (
	"context"
	"time"
)

// DeductRequest debits one metered operation. CorrelationID keys the
// journal row so a replayed request is applied once.
type DeductRequest struct {
	SubscriberID string
	Amount       int64
	// ExpectedBalance, when set, makes the debit conditional on the stored
	// balance still matching what the caller read.
	ExpectedBalance *int64
	OperationType   string
	Quantity        int
	CorrelationID   string
	BatchID         string
	// TransactionID stamps the journal row with the executor call that
	// wrote it.
	TransactionID string
}

type DeductResult struct {
	RemainingBalance int64
	Duplicate        bool
}

type AddRequest struct {
	SubscriberID  string
	Amount        int64
	SourceType    SourceType
	SourceID      string
	CorrelationID string
	TransactionID string
	// Period, when set, starts a new billing window and resets the
	// per-period usage counter.
	Period *Period
}

type AddResult struct {
	Balance int64
	Applied bool
}

// RestoreRequest compensates the journal row identified by SourceType and
// SourceID. When TransactionID is set, a row written by any other call is
// left alone. Snapshot supplies the period fields to put back for grants that
// started a new window.
type RestoreRequest struct {
	SubscriberID  string
	SourceType    SourceType
	SourceID      string
	CorrelationID string
	TransactionID string
	Snapshot      *Snapshot
}

type RestoreResult struct {
	Restored bool
	Balance  int64
}

// RefillRequest tops the balance up to Target and moves the entry into a
// new period.
type RefillRequest struct {
	SubscriberID string
	Target       int64
	Period       Period
	Now          time.Time
}

type RefillResult struct {
	Granted int64
	Balance int64
	Applied bool
}

type Service interface {
	Read(ctx context.Context, subscriberID string) (*LedgerEntry, error)
	Ensure(ctx context.Context, subscriberID string) (*LedgerEntry, error)
	Deduct(ctx context.Context, req DeductRequest) (DeductResult, error)
	Add(ctx context.Context, req AddRequest) (AddResult, error)
	Restore(ctx context.Context, req RestoreRequest) (RestoreResult, error)
	Refill(ctx context.Context, req RefillRequest) (RefillResult, error)
	ListDueForRefill(ctx context.Context, now time.Time, limit int) ([]LedgerEntry, error)
	// DeferRefill moves the next refill check of a subscriber to at
	// without granting anything.
	DeferRefill(ctx context.Context, subscriberID string, at time.Time) error
	History(ctx context.Context, subscriberID string, limit int) ([]CreditTransaction, error)
	FindCharge(ctx context.Context, subscriberID, correlationID string) (*CreditTransaction, error)
}

// Provisioner creates the subscription and ledger entry of a subscriber that
// has none. It must be idempotent.
type Provisioner interface {
	EnsureAccount(ctx context.Context, subscriberID string) error
}
