package ordersync

import (
	"context"

	"go.uber.org/fx"

	"github.com/shopfront/payplus/internal/config"
)

func startLoop(lc fx.Lifecycle, cfg config.Config, s *Service) {
	if !cfg.Sync.Enabled {
		return
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go s.RunForever(loopCtx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			return nil
		},
	})
}

var Module = fx.Module("ordersync",
	fx.Provide(NewService),
	fx.Invoke(startLoop),
)
