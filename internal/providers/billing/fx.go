package billing

import (
	"github.com/smallbiznis/creditguard/internal/config"
	plandomain "github.com/smallbiznis/creditguard/internal/plan/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("billing.provider",
	fx.Provide(func(cfg config.Config, catalog plandomain.Catalog, log *zap.Logger) CheckoutProvider {
		return NewLemonSqueezyClient(cfg.BillingProvider, catalog, nil, log)
	}),
)
