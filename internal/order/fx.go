package order

import (
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/shopfront/payplus/internal/order/domain"
	"github.com/shopfront/payplus/internal/order/repository"
)

func migrate(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&domain.Order{},
		&domain.OrderItem{},
		&domain.PaymentRecord{},
		&domain.ProcessedTransaction{},
		&domain.VaultToken{},
		&domain.OrderNote{},
	)
}

var Module = fx.Module("order",
	fx.Provide(repository.Provide),
	fx.Invoke(migrate),
)
