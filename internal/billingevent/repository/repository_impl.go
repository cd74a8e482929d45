package repository

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/creditguard/internal/billingevent/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, event *domain.BillingEvent) (bool, error) {
	if event == nil {
		return false, nil
	}
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(event)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) MarkProcessed(ctx context.Context, db *gorm.DB, eventID string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE billing_events SET processed_at = ? WHERE event_id = ?`,
		at,
		eventID,
	).Error
}

func (r *repo) FindByEventID(ctx context.Context, db *gorm.DB, eventID string) (*domain.BillingEvent, error) {
	var event domain.BillingEvent
	err := db.WithContext(ctx).Where("event_id = ?", eventID).Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}
