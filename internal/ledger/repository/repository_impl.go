package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/creditguard/internal/ledger/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() ledgerdomain.Repository {
	return &repo{}
}

func (r *repo) FindBySubscriber(ctx context.Context, db *gorm.DB, subscriberID string) (*ledgerdomain.LedgerEntry, error) {
	var entry ledgerdomain.LedgerEntry
	err := db.WithContext(ctx).
		Where("subscriber_id = ?", subscriberID).
		Take(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

// Insert creates the entry unless the subscriber already has one.
func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *ledgerdomain.LedgerEntry) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(entry)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) LinkSubscription(ctx context.Context, db *gorm.DB, subscriberID string, subscriptionID snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE credit_ledgers SET subscription_id = ?, updated_at = ? WHERE subscriber_id = ?`,
		subscriptionID, now, subscriberID,
	).Error
}

// CompareAndDeduct debits amount in one statement. The balance guard and the
// optional expected-balance guard are evaluated by the store against the
// current row, so two callers can never both debit from the same prior value.
func (r *repo) CompareAndDeduct(ctx context.Context, db *gorm.DB, subscriberID string, amount int64, expected *int64, now time.Time) (bool, error) {
	query := `UPDATE credit_ledgers
		SET current_balance = current_balance - ?,
			lifetime_used = lifetime_used + ?,
			used_this_period = used_this_period + ?,
			version = version + 1,
			updated_at = ?
		WHERE subscriber_id = ? AND current_balance >= ?`
	args := []any{amount, amount, amount, now, subscriberID, amount}
	if expected != nil {
		query += ` AND current_balance = ?`
		args = append(args, *expected)
	}

	res := db.WithContext(ctx).Exec(query, args...)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) Credit(ctx context.Context, db *gorm.DB, subscriberID string, amount int64, period *ledgerdomain.Period, now time.Time) (bool, error) {
	sets := []string{
		"current_balance = current_balance + ?",
		"lifetime_purchased = lifetime_purchased + ?",
		"version = version + 1",
		"updated_at = ?",
	}
	args := []any{amount, amount, now}
	if period != nil {
		sets = append(sets,
			"period_start = ?",
			"period_end = ?",
			"used_this_period = 0",
			"last_refill_at = ?",
			"next_refill_at = ?",
		)
		args = append(args, period.Start, period.End, now, period.End)
	}
	args = append(args, subscriberID)

	res := db.WithContext(ctx).Exec(
		`UPDATE credit_ledgers SET `+strings.Join(sets, ", ")+` WHERE subscriber_id = ?`,
		args...,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ReverseDebit gives back a debit. Counters never drop below zero.
func (r *repo) ReverseDebit(ctx context.Context, db *gorm.DB, subscriberID string, amount int64, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE credit_ledgers
		SET current_balance = current_balance + ?,
			lifetime_used = CASE WHEN lifetime_used >= ? THEN lifetime_used - ? ELSE 0 END,
			used_this_period = CASE WHEN used_this_period >= ? THEN used_this_period - ? ELSE 0 END,
			version = version + 1,
			updated_at = ?
		WHERE subscriber_id = ?`,
		amount, amount, amount, amount, amount, now, subscriberID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ReverseCredit takes back a grant. Credits already spent are not clawed
// into a negative balance.
func (r *repo) ReverseCredit(ctx context.Context, db *gorm.DB, subscriberID string, amount int64, snapshot *ledgerdomain.Snapshot, now time.Time) (bool, error) {
	sets := []string{
		"current_balance = CASE WHEN current_balance >= ? THEN current_balance - ? ELSE 0 END",
		"lifetime_purchased = CASE WHEN lifetime_purchased >= ? THEN lifetime_purchased - ? ELSE 0 END",
		"version = version + 1",
		"updated_at = ?",
	}
	args := []any{amount, amount, amount, amount, now}
	if snapshot != nil {
		sets = append(sets, "period_start = ?", "period_end = ?", "used_this_period = ?")
		args = append(args, snapshot.PeriodStart, snapshot.PeriodEnd, snapshot.UsedThisPeriod)
	}
	args = append(args, subscriberID)

	res := db.WithContext(ctx).Exec(
		`UPDATE credit_ledgers SET `+strings.Join(sets, ", ")+` WHERE subscriber_id = ?`,
		args...,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) ApplyRefill(ctx context.Context, db *gorm.DB, subscriberID string, expectedVersion, delta int64, period ledgerdomain.Period, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE credit_ledgers
		SET current_balance = current_balance + ?,
			lifetime_purchased = lifetime_purchased + ?,
			used_this_period = 0,
			period_start = ?,
			period_end = ?,
			last_refill_at = ?,
			next_refill_at = ?,
			version = version + 1,
			updated_at = ?
		WHERE subscriber_id = ? AND version = ?`,
		delta, delta, period.Start, period.End, now, period.End, now, subscriberID, expectedVersion,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) ListDueForRefill(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]ledgerdomain.LedgerEntry, error) {
	var entries []ledgerdomain.LedgerEntry
	err := db.WithContext(ctx).
		Where("next_refill_at IS NOT NULL AND next_refill_at <= ?", now).
		Order("next_refill_at ASC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

func (r *repo) SetNextRefill(ctx context.Context, db *gorm.DB, subscriberID string, at, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE credit_ledgers SET next_refill_at = ?, updated_at = ? WHERE subscriber_id = ?`,
		at, now, subscriberID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) InsertTransaction(ctx context.Context, db *gorm.DB, txn *ledgerdomain.CreditTransaction) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(txn)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) FindTransaction(ctx context.Context, db *gorm.DB, subscriberID string, sourceType ledgerdomain.SourceType, sourceID string) (*ledgerdomain.CreditTransaction, error) {
	var txn ledgerdomain.CreditTransaction
	err := db.WithContext(ctx).
		Where("subscriber_id = ? AND source_type = ? AND source_id = ?", subscriberID, sourceType, sourceID).
		Take(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &txn, nil
}

func (r *repo) SetBalanceAfter(ctx context.Context, db *gorm.DB, id snowflake.ID, balance int64) error {
	return db.WithContext(ctx).Exec(
		`UPDATE credit_transactions SET balance_after = ? WHERE id = ?`,
		balance, id,
	).Error
}

func (r *repo) ListTransactions(ctx context.Context, db *gorm.DB, subscriberID string, limit int) ([]ledgerdomain.CreditTransaction, error) {
	var txns []ledgerdomain.CreditTransaction
	err := db.WithContext(ctx).
		Where("subscriber_id = ?", subscriberID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&txns).Error
	return txns, err
}
