package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/creditguard/internal/subscription/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (
			id, subscriber_id, plan_code, status, current_period_start, current_period_end,
			trial_start, trial_end, cancel_at_period_end, external_subscription_id,
			external_customer_id, superseded_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		subscription.ID,
		subscription.SubscriberID,
		subscription.PlanCode,
		subscription.Status,
		subscription.CurrentPeriodStart,
		subscription.CurrentPeriodEnd,
		subscription.TrialStart,
		subscription.TrialEnd,
		subscription.CancelAtPeriodEnd,
		subscription.ExternalSubscriptionID,
		subscription.ExternalCustomerID,
		subscription.SupersededAt,
		subscription.CreatedAt,
		subscription.UpdatedAt,
	).Error
}

// FindCurrent returns the newest non-superseded subscription. Row locking is
// skipped on sqlite, which serializes writers on its own.
func (r *repo) FindCurrent(ctx context.Context, db *gorm.DB, subscriberID string, forUpdate bool) (*subscriptiondomain.Subscription, error) {
	query := db.WithContext(ctx).
		Where("subscriber_id = ? AND superseded_at IS NULL", subscriberID).
		Order("created_at DESC, id DESC")
	if forUpdate && db.Dialector.Name() != "sqlite" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var subscription subscriptiondomain.Subscription
	if err := query.Take(&subscription).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &subscription, nil
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = ?,
		     current_period_start = ?,
		     current_period_end = ?,
		     trial_start = ?,
		     trial_end = ?,
		     cancel_at_period_end = ?,
		     external_subscription_id = ?,
		     external_customer_id = ?,
		     updated_at = ?
		 WHERE id = ?`,
		subscription.Status,
		subscription.CurrentPeriodStart,
		subscription.CurrentPeriodEnd,
		subscription.TrialStart,
		subscription.TrialEnd,
		subscription.CancelAtPeriodEnd,
		subscription.ExternalSubscriptionID,
		subscription.ExternalCustomerID,
		subscription.UpdatedAt,
		subscription.ID,
	).Error
}

func (r *repo) Supersede(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET superseded_at = ?, updated_at = ? WHERE id = ? AND superseded_at IS NULL`,
		now, now, id,
	).Error
}

func (r *repo) CountBySubscriber(ctx context.Context, db *gorm.DB, subscriberID string) (int64, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&subscriptiondomain.Subscription{}).
		Where("subscriber_id = ?", subscriberID).
		Count(&count).Error
	return count, err
}
