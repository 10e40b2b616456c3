package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/shopfront/payplus/internal/order/domain"
	"github.com/shopfront/payplus/pkg/db"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByIncrementID(ctx context.Context, conn *gorm.DB, incrementID string) (*domain.Order, error) {
	var order domain.Order
	err := conn.WithContext(ctx).
		Preload("Items").
		Preload("Payment").
		Where("increment_id = ?", incrementID).
		First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *repo) FindByPageRequestUID(ctx context.Context, conn *gorm.DB, method, pageRequestUID string) (*domain.Order, error) {
	var record domain.PaymentRecord
	err := conn.WithContext(ctx).
		Where("method = ? AND page_request_uid = ?", method, pageRequestUID).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}

	var order domain.Order
	err = conn.WithContext(ctx).
		Preload("Items").
		Preload("Payment").
		First(&order, "id = ?", record.OrderID).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *repo) Save(ctx context.Context, conn *gorm.DB, order *domain.Order) error {
	return conn.WithContext(ctx).
		Session(&gorm.Session{FullSaveAssociations: true}).
		Save(order).Error
}

// LockOrder reloads the order under a row lock inside tx. SQLite locks the
// whole database on write, so the locking clause is skipped there.
func (r *repo) LockOrder(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.Order, error) {
	query := tx.WithContext(ctx)
	if tx.Dialector.Name() != "sqlite" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var order domain.Order
	err := query.First(&order, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := tx.WithContext(ctx).Preload("Items").Preload("Payment").First(&order, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *repo) BindPageRequest(ctx context.Context, conn *gorm.DB, order *domain.Order, pageRequestUID string) error {
	if order.Payment == nil {
		return domain.ErrOrderNotFound
	}

	// Drop snapshots from any earlier placement attempt so a stale raw
	// response cannot leak its page-request id into the sync fallback.
	order.Payment.Snapshots = nil
	order.Payment.TransactionUID = ""
	order.Payment.ParentTransactionUID = ""
	order.Payment.Status = domain.PaymentStatusPrePayment
	order.Payment.PageRequestUID = &pageRequestUID

	err := conn.WithContext(ctx).Save(order.Payment).Error
	if db.IsDuplicateKeyErr(err) {
		order.Payment.PageRequestUID = nil
		return domain.ErrDuplicatePageRequest
	}
	return err
}

func (r *repo) AddNote(ctx context.Context, conn *gorm.DB, note *domain.OrderNote) error {
	return conn.WithContext(ctx).Create(note).Error
}

func (r *repo) NotesWithPrefix(ctx context.Context, conn *gorm.DB, orderID snowflake.ID, prefix string) (int64, error) {
	var count int64
	err := conn.WithContext(ctx).
		Model(&domain.OrderNote{}).
		Where("order_id = ? AND note LIKE ?", orderID, prefix+"%").
		Count(&count).Error
	return count, err
}

func (r *repo) InsertProcessedTransaction(ctx context.Context, conn *gorm.DB, txn *domain.ProcessedTransaction) (bool, error) {
	res := conn.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(txn)
	if res.Error != nil {
		if db.IsDuplicateKeyErr(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindProcessedTransaction(ctx context.Context, conn *gorm.DB, method, transactionUID string) (*domain.ProcessedTransaction, error) {
	var txn domain.ProcessedTransaction
	err := conn.WithContext(ctx).
		Where("method = ? AND transaction_uid = ?", method, transactionUID).
		First(&txn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

func (r *repo) MarkTransactionProcessed(ctx context.Context, conn *gorm.DB, id snowflake.ID, processedAt time.Time) error {
	return conn.WithContext(ctx).
		Model(&domain.ProcessedTransaction{}).
		Where("id = ?", id).
		Update("processed_at", processedAt).Error
}

func (r *repo) InsertVaultToken(ctx context.Context, conn *gorm.DB, token *domain.VaultToken) (bool, error) {
	res := conn.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(token)
	if res.Error != nil {
		if db.IsDuplicateKeyErr(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindPending(ctx context.Context, conn *gorm.DB, q domain.PendingQuery) ([]domain.Order, error) {
	query := conn.WithContext(ctx).
		Joins("JOIN payment_records ON payment_records.order_id = orders.id").
		Where("payment_records.method = ?", q.Method).
		Where("orders.created_at >= ? AND orders.created_at < ?", q.From, q.To).
		Preload("Items").
		Preload("Payment").
		Order("orders.created_at ASC")
	if len(q.States) > 0 {
		query = query.Where("orders.state IN ?", q.States)
	}
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}

	var orders []domain.Order
	if err := query.Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

func (r *repo) FindStalePending(ctx context.Context, conn *gorm.DB, method string, customerID snowflake.ID, olderThan, youngerThan time.Time) ([]domain.Order, error) {
	var orders []domain.Order
	err := conn.WithContext(ctx).
		Joins("JOIN payment_records ON payment_records.order_id = orders.id").
		Where("payment_records.method = ?", method).
		Where("orders.customer_id = ?", customerID).
		Where("orders.state = ?", domain.StatePendingPayment).
		Where("orders.created_at < ? AND orders.created_at > ?", olderThan, youngerThan).
		Preload("Payment").
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}
