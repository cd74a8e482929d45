package ratelimit

import (
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creditguard/internal/clock"
	"github.com/smallbiznis/creditguard/internal/config"
	obsmetrics "github.com/smallbiznis/creditguard/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("rate.limit",
	fx.Provide(NewStore),
	fx.Provide(DefaultRules),
	fx.Provide(provideLimiter),
)

type StoreParams struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
	Redis  *redis.Client `optional:"true"`
}

// NewStore falls back to the memory store when Redis was requested but no
// client is configured.
func NewStore(p StoreParams) (Store, error) {
	if p.Config.RateLimit.Backend == config.RateLimitBackendRedis {
		if p.Redis != nil {
			return NewRedisStore(p.Redis, p.Config.RateLimit.KeyPrefix)
		}
		p.Log.Warn("rate limit backend redis requested without redis client, using memory store")
	}
	return NewMemoryStore(), nil
}

type LimiterParams struct {
	fx.In

	Store      Store
	Rules      Rules
	Clock      clock.Clock
	Log        *zap.Logger
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

func provideLimiter(p LimiterParams) *Limiter {
	return NewLimiter(p.Store, p.Rules, p.Clock, p.Log, p.ObsMetrics)
}
