package operation

import (
	"github.com/smallbiznis/creditguard/internal/operation/service"
	"go.uber.org/fx"
)

var Module = fx.Module("operation.executor",
	fx.Provide(service.NewExecutor),
)
