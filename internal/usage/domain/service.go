package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

var ErrInvalidSubscriber = errors.New("invalid_subscriber")

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, record *UsageRecord) error
	CountBetween(ctx context.Context, db *gorm.DB, subscriberID string, from, to time.Time) (int64, error)
	ListRecent(ctx context.Context, db *gorm.DB, subscriberID string, limit int) ([]UsageRecord, error)
}

type Service interface {
	// DailyCount is the number of operations in the UTC day containing now.
	DailyCount(ctx context.Context, subscriberID string, now time.Time) (int64, error)
	CountSince(ctx context.Context, subscriberID string, since, now time.Time) (int64, error)
	ListRecent(ctx context.Context, subscriberID string, limit int) ([]UsageRecord, error)
}
