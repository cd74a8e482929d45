package repository

import (
	"context"
	"time"

	usagedomain "github.com/smallbiznis/creditguard/internal/usage/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() usagedomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *usagedomain.UsageRecord) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO usage_records (
			id, subscriber_id, operation_type, quantity, cost, correlation_id, batch_id, occurred_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.SubscriberID,
		record.OperationType,
		record.Quantity,
		record.Cost,
		record.CorrelationID,
		record.BatchID,
		record.OccurredAt,
		record.CreatedAt,
	).Error
}

// CountBetween counts records with occurred_at in [from, to).
func (r *repo) CountBetween(ctx context.Context, db *gorm.DB, subscriberID string, from, to time.Time) (int64, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&usagedomain.UsageRecord{}).
		Where("subscriber_id = ? AND occurred_at >= ? AND occurred_at < ?", subscriberID, from, to).
		Count(&count).Error
	return count, err
}

func (r *repo) ListRecent(ctx context.Context, db *gorm.DB, subscriberID string, limit int) ([]usagedomain.UsageRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []usagedomain.UsageRecord
	err := db.WithContext(ctx).
		Where("subscriber_id = ?", subscriberID).
		Order("occurred_at DESC, id DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}
