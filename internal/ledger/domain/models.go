package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Direction represents debit or credit postings.
type Direction string

const (
	DirectionDebit  Direction = "debit"
	DirectionCredit Direction = "credit"
)

func (d Direction) Opposite() Direction {
	if d == DirectionDebit {
		return DirectionCredit
	}
	return DirectionDebit
}

type SourceType string

const (
	// ======================
	// Consumption
	// ======================
	SourceTypeUsage SourceType = "usage" // metered operation, keyed by correlation id

	// ======================
	// Grants
	// ======================
	SourceTypeSignupGrant         SourceType = "signup_grant"         // default plan starting balance
	SourceTypeSubscriptionCreated SourceType = "subscription_created" // billing event id
	SourceTypePaymentSuccess      SourceType = "payment_success"      // billing event id
	SourceTypePeriodRefill        SourceType = "period_refill"        // subscriber:period start
	SourceTypePurchase            SourceType = "purchase"             // one-off credit pack
	SourceTypePromo               SourceType = "promo"                // goodwill credit
	SourceTypeAdjustment          SourceType = "adjustment"           // operator correction

	// ======================
	// Compensation
	// ======================
	SourceTypeRollback SourceType = "rollback" // reverses another journal row
)

// LedgerEntry is the single balance row of a subscriber.
type LedgerEntry struct {
	ID                snowflake.ID `gorm:"primaryKey" json:"id"`
	SubscriberID      string       `gorm:"type:text;not null;uniqueIndex" json:"subscriber_id"`
	SubscriptionID    snowflake.ID `gorm:"not null" json:"subscription_id"`
	CurrentBalance    int64        `gorm:"not null" json:"current_balance"`
	LifetimePurchased int64        `gorm:"not null" json:"lifetime_purchased"`
	LifetimeUsed      int64        `gorm:"not null" json:"lifetime_used"`
	UsedThisPeriod    int64        `gorm:"not null" json:"used_this_period"`
	PeriodStart       time.Time    `gorm:"not null" json:"period_start"`
	PeriodEnd         time.Time    `gorm:"not null" json:"period_end"`
	LastRefillAt      *time.Time   `json:"last_refill_at,omitempty"`
	NextRefillAt      *time.Time   `json:"next_refill_at,omitempty"`
	Version           int64        `gorm:"not null" json:"version"`
	CreatedAt         time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time    `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (LedgerEntry) TableName() string { return "credit_ledgers" }

func (e LedgerEntry) Snapshot() Snapshot {
	return Snapshot{
		Balance:           e.CurrentBalance,
		LifetimePurchased: e.LifetimePurchased,
		LifetimeUsed:      e.LifetimeUsed,
		UsedThisPeriod:    e.UsedThisPeriod,
		PeriodStart:       e.PeriodStart,
		PeriodEnd:         e.PeriodEnd,
		Version:           e.Version,
	}
}

// CreditTransaction is one journal row. (subscriber_id, source_type, source_id)
// is unique, which makes every mutation keyed by its source idempotent.
type CreditTransaction struct {
	ID            snowflake.ID `gorm:"primaryKey" json:"id"`
	SubscriberID  string       `gorm:"type:text;not null" json:"subscriber_id"`
	Direction     Direction    `gorm:"type:text;not null" json:"direction"`
	Amount        int64        `gorm:"not null" json:"amount"`
	BalanceAfter  int64        `gorm:"not null" json:"balance_after"`
	SourceType    SourceType   `gorm:"type:text;not null" json:"source_type"`
	SourceID      string       `gorm:"type:text;not null" json:"source_id"`
	CorrelationID string       `gorm:"type:text" json:"correlation_id,omitempty"`
	TransactionID string       `gorm:"type:text" json:"transaction_id,omitempty"`
	CreatedAt     time.Time    `gorm:"not null" json:"created_at"`
}

// TableName sets the database table name.
func (CreditTransaction) TableName() string { return "credit_transactions" }

// Snapshot holds ledger values captured before a mutation.
type Snapshot struct {
	Balance           int64
	LifetimePurchased int64
	LifetimeUsed      int64
	UsedThisPeriod    int64
	PeriodStart       time.Time
	PeriodEnd         time.Time
	Version           int64
}

// Period is a billing window [Start, End).
type Period struct {
	Start time.Time
	End   time.Time
}
