package locks

import (
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/shopfront/payplus/internal/config"
)

// NewFromConfig builds the cross-process locker. Without a redis address
// the service runs in single-process mode and the locker is nil.
func NewFromConfig(cfg config.Config, log *zap.Logger) *Locker {
	if cfg.RedisAddr == "" {
		return nil
	}
	log.Info("redis locker enabled", zap.String("addr", cfg.RedisAddr))
	return New(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
}

var Module = fx.Module("locks",
	fx.Provide(NewFromConfig),
)
