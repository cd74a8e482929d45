package plan

import (
	"github.com/smallbiznis/creditguard/internal/plan/repository"
	"github.com/smallbiznis/creditguard/internal/plan/service"
	"go.uber.org/fx"
)

var Module = fx.Module("plan.catalog",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewCatalog),
)
