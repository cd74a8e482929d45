package subscription

import (
	"github.com/smallbiznis/creditguard/internal/subscription/repository"
	"github.com/smallbiznis/creditguard/internal/subscription/service"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(service.AsProvisioner),
)
