package domain

import (
	"time"

	ledgerdomain "github.com/smallbiznis/creditguard/internal/ledger/domain"
	plandomain "github.com/smallbiznis/creditguard/internal/plan/domain"
)

type Type string

const (
	TypeDeduct Type = "deduct"
	TypeGrant  Type = "grant"
)

func (t Type) Valid() bool {
	return t == TypeDeduct || t == TypeGrant
}

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

const (
	SignalLargeAmount           = "large_amount"
	SignalLargeAmountNewAccount = "large_amount_new_account"
	SignalHighVelocity          = "high_velocity"
	SignalRepeatedFailures      = "repeated_failures"
	SignalSuspiciousIdentity    = "suspicious_identity"
)

type RiskAssessment struct {
	Level   RiskLevel `json:"level"`
	Signals []string  `json:"signals,omitempty"`
}

// Raise adds a signal and lifts the level when the signal is more severe.
func (r *RiskAssessment) Raise(level RiskLevel, signal string) {
	r.Signals = append(r.Signals, signal)
	if rank(level) > rank(r.Level) {
		r.Level = level
	}
}

func rank(l RiskLevel) int {
	switch l {
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	default:
		return 0
	}
}

// Request is one executor call.
//
// Deductions are priced from OperationType and Quantity. Grants carry an
// explicit Amount and the source that makes them idempotent.
type Request struct {
	Type          Type
	SubscriberID  string
	CorrelationID string

	OperationType plandomain.OperationType
	Quantity      int
	BatchID       string

	Amount     int64
	SourceType ledgerdomain.SourceType
	SourceID   string
	Period     *ledgerdomain.Period
}

// Transaction is the executor's record of one Execute call.
type Transaction struct {
	ID            string
	Type          Type
	SubscriberID  string
	CorrelationID string
	Amount        int64
	State         State
	History       []State
	Attempts      int
	Snapshot      ledgerdomain.Snapshot
	Risk          RiskAssessment
	StartedAt     time.Time
	FinishedAt    time.Time
}

type Result struct {
	Success          bool
	TransactionID    string
	State            State
	Attempts         int
	Amount           int64
	RemainingBalance int64
	Duplicate        bool
	Risk             RiskAssessment
	History          []State
}
