package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindCurrent(ctx context.Context, db *gorm.DB, subscriberID string, forUpdate bool) (*Subscription, error)
	Update(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	Supersede(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error
	CountBySubscriber(ctx context.Context, db *gorm.DB, subscriberID string) (int64, error)
}
