package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"

	"github.com/shopfront/payplus/internal/config"
	"github.com/shopfront/payplus/internal/observability/metrics"
)

func provideMetrics(cfg config.Config) *metrics.Metrics {
	return metrics.New(prometheus.DefaultRegisterer, cfg)
}

var Module = fx.Module("observability",
	fx.Provide(provideMetrics),
)
