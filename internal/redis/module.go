package redis

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creditguard/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("redis",
	fx.Provide(NewClient),
	fx.Provide(provideLocker),
)

func provideLocker(client *redis.Client, cfg config.Config) *Locker {
	return NewLocker(client, cfg.AppName+":lock")
}

// NewClient returns nil when Redis is disabled. Consumers treat a nil client
// as "process-local only".
func NewClient(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*redis.Client, error) {
	redisCfg := cfg.Redis
	if !redisCfg.Enabled || strings.TrimSpace(redisCfg.Addr) == "" {
		log.Info("redis disabled")
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     strings.TrimSpace(redisCfg.Addr),
		Password: strings.TrimSpace(redisCfg.Password),
		DB:       redisCfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})

	log.Info("redis connected", zap.String("addr", redisCfg.Addr))
	return client, nil
}
