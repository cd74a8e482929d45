package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository methods report whether a conditional write touched a row
// instead of failing, so services decide how to classify a miss.
type Repository interface {
	FindBySubscriber(ctx context.Context, db *gorm.DB, subscriberID string) (*LedgerEntry, error)
	Insert(ctx context.Context, db *gorm.DB, entry *LedgerEntry) (bool, error)
	LinkSubscription(ctx context.Context, db *gorm.DB, subscriberID string, subscriptionID snowflake.ID, now time.Time) error
	CompareAndDeduct(ctx context.Context, db *gorm.DB, subscriberID string, amount int64, expected *int64, now time.Time) (bool, error)
	Credit(ctx context.Context, db *gorm.DB, subscriberID string, amount int64, period *Period, now time.Time) (bool, error)
	ReverseDebit(ctx context.Context, db *gorm.DB, subscriberID string, amount int64, now time.Time) (bool, error)
	ReverseCredit(ctx context.Context, db *gorm.DB, subscriberID string, amount int64, snapshot *Snapshot, now time.Time) (bool, error)
	ApplyRefill(ctx context.Context, db *gorm.DB, subscriberID string, expectedVersion, delta int64, period Period, now time.Time) (bool, error)
	ListDueForRefill(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]LedgerEntry, error)
	SetNextRefill(ctx context.Context, db *gorm.DB, subscriberID string, at, now time.Time) (bool, error)

	InsertTransaction(ctx context.Context, db *gorm.DB, txn *CreditTransaction) (bool, error)
	FindTransaction(ctx context.Context, db *gorm.DB, subscriberID string, sourceType SourceType, sourceID string) (*CreditTransaction, error)
	SetBalanceAfter(ctx context.Context, db *gorm.DB, id snowflake.ID, balance int64) error
	ListTransactions(ctx context.Context, db *gorm.DB, subscriberID string, limit int) ([]CreditTransaction, error)
}
