package repository

import (
	"context"

	plandomain "github.com/smallbiznis/creditguard/internal/plan/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() plandomain.Repository {
	return &repo{}
}

// Upsert inserts a plan or refreshes the catalog columns of an existing code.
// The row id of an existing plan is kept.
func (r *repo) Upsert(ctx context.Context, db *gorm.DB, plan *plandomain.Plan) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "code"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"name", "tier", "price_cents", "currency", "billing_interval",
				"credits_per_period", "max_operations_per_day", "requests_per_minute",
				"requests_per_hour", "features", "external_variant_id", "is_default", "updated_at",
			}),
		}).
		Create(plan).Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB) ([]plandomain.Plan, error) {
	var plans []plandomain.Plan
	err := db.WithContext(ctx).Order("tier ASC, code ASC").Find(&plans).Error
	return plans, err
}
