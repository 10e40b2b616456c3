package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrOrderNotFound        = errors.New("order_not_found")
	ErrDuplicatePageRequest = errors.New("duplicate_page_request")
)

// PendingQuery selects orders for the sync scheduler.
type PendingQuery struct {
	Method string
	States []string
	From   time.Time
	To     time.Time
	Limit  int
}

type Repository interface {
	FindByIncrementID(ctx context.Context, db *gorm.DB, incrementID string) (*Order, error)
	FindByPageRequestUID(ctx context.Context, db *gorm.DB, method, pageRequestUID string) (*Order, error)
	Save(ctx context.Context, db *gorm.DB, order *Order) error
	LockOrder(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*Order, error)

	// BindPageRequest clears any stale page-request id on the order's
	// payment record and atomically claims the new one. A unique-index
	// collision with another order surfaces as ErrDuplicatePageRequest.
	BindPageRequest(ctx context.Context, db *gorm.DB, order *Order, pageRequestUID string) error

	AddNote(ctx context.Context, db *gorm.DB, note *OrderNote) error
	NotesWithPrefix(ctx context.Context, db *gorm.DB, orderID snowflake.ID, prefix string) (int64, error)

	InsertProcessedTransaction(ctx context.Context, db *gorm.DB, txn *ProcessedTransaction) (bool, error)
	FindProcessedTransaction(ctx context.Context, db *gorm.DB, method, transactionUID string) (*ProcessedTransaction, error)
	MarkTransactionProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error

	InsertVaultToken(ctx context.Context, db *gorm.DB, token *VaultToken) (bool, error)

	FindPending(ctx context.Context, db *gorm.DB, q PendingQuery) ([]Order, error)
	FindStalePending(ctx context.Context, db *gorm.DB, method string, customerID snowflake.ID, olderThan, youngerThan time.Time) ([]Order, error)
}
