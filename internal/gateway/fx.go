package gateway

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/shopfront/payplus/internal/config"
)

type Params struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
}

func New(p Params) API {
	return NewClient(p.Config.Gateway, p.Log)
}

var Module = fx.Module("gateway",
	fx.Provide(New),
)
