package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/shopfront/payplus/internal/checkout"
	"github.com/shopfront/payplus/internal/clock"
	"github.com/shopfront/payplus/internal/config"
	"github.com/shopfront/payplus/internal/gateway"
	"github.com/shopfront/payplus/internal/locks"
	"github.com/shopfront/payplus/internal/logger"
	"github.com/shopfront/payplus/internal/observability"
	"github.com/shopfront/payplus/internal/order"
	"github.com/shopfront/payplus/internal/ordersync"
	"github.com/shopfront/payplus/internal/providers/email"
	"github.com/shopfront/payplus/internal/reconcile"
	"github.com/shopfront/payplus/internal/server"
	"github.com/shopfront/payplus/pkg/db"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		locks.Module,

		// Payment domain
		order.Module,
		gateway.Module,
		email.Module,
		checkout.Module,
		reconcile.Module,
		ordersync.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
