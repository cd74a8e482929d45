package domain

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

var (
	ErrPlanNotFound    = errors.New("plan_not_found")
	ErrVariantNotFound = errors.New("plan_variant_not_found")
)

// Catalog resolves plans from the live configuration.
type Catalog interface {
	Get(code string) (Plan, error)
	Default() Plan
	ByVariant(variantID string) (Plan, error)
	List() []Plan
}

type Repository interface {
	Upsert(ctx context.Context, db *gorm.DB, plan *Plan) error
	List(ctx context.Context, db *gorm.DB) ([]Plan, error)
}
