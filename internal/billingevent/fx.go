package billingevent

import (
	"github.com/smallbiznis/creditguard/internal/billingevent/adapters"
	"github.com/smallbiznis/creditguard/internal/billingevent/adapters/lemonsqueezy"
	"github.com/smallbiznis/creditguard/internal/billingevent/repository"
	"github.com/smallbiznis/creditguard/internal/billingevent/service"
	"go.uber.org/fx"
)

var Module = fx.Module("billingevent.service",
	fx.Provide(func() *adapters.Registry {
		return adapters.NewRegistry(lemonsqueezy.NewFactory())
	}),
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
