package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditguard/internal/config"
	planrepository "github.com/smallbiznis/creditguard/internal/plan/repository"
	planservice "github.com/smallbiznis/creditguard/internal/plan/service"
	"gorm.io/gorm"
)

// EnsurePlans writes the configured catalog into the plans table. Existing
// codes keep their ids and get their catalog columns refreshed.
func EnsurePlans(db *gorm.DB, catalog config.PlanCatalogConfig) (int, error) {
	if db == nil {
		return 0, errors.New("seed database handle is required")
	}
	if err := config.ValidatePlanCatalog(catalog); err != nil {
		return 0, err
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return 0, err
	}

	repo := planrepository.Provide()
	ctx := context.Background()
	now := time.Now().UTC()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, pc := range catalog.Plans {
			plan := planservice.FromConfig(pc)
			plan.ID = node.Generate()
			plan.CreatedAt = now
			plan.UpdatedAt = now
			if err := repo.Upsert(ctx, tx, &plan); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(catalog.Plans), nil
}
