package ratelimit

import (
	"context"
	"strings"

	"github.com/smallbiznis/cashup/internal/clock"
	"github.com/smallbiznis/cashup/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("rate.limit",
	fx.Provide(NewRedisClient),
	fx.Provide(NewLimiter),
	fx.Provide(NewLocker),
)

// NewRedisClient returns nil when no Redis address is configured; callers
// treat nil as "run in-process".
func NewRedisClient(lc fx.Lifecycle, cfg config.Config) *redis.Client {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.Redis.Password),
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return client.Close() },
	})
	return client
}

type LimiterParams struct {
	fx.In

	Client *redis.Client
	Clock  clock.Clock
}

func NewLimiter(p LimiterParams) Limiter {
	if p.Client != nil {
		return NewTokenBucket(p.Client)
	}
	return NewLocalBucket(p.Clock)
}
