package domain

import (
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Order lifecycle states.
const (
	StatePendingPayment = "pending_payment"
	StateProcessing     = "processing"
	StateComplete       = "complete"
	StateVoided         = "voided"
	StateCanceled       = "canceled"
)

// Default fine-grained statuses for the two success paths.
const (
	StatusHolded   = "holded"
	StatusComplete = "complete"
	StatusCanceled = "canceled"
)

// Payment sub-statuses, distinct from the order status.
const (
	PaymentStatusPrePayment   = "pre_payment"
	PaymentStatusPendingClear = "pending_clear"
	PaymentStatusPaid         = "paid"
	PaymentStatusDenied       = "denied"
)

// Transaction types recorded against a payment.
const (
	TxnTypeAuth    = "authorization"
	TxnTypeCapture = "capture"
	TxnTypeVoid    = "void"
)

type Order struct {
	ID             snowflake.ID  `json:"id" gorm:"primaryKey"`
	IncrementID    string        `json:"increment_id" gorm:"type:text;not null;uniqueIndex"`
	State          string        `json:"state" gorm:"type:text;not null"`
	Status         string        `json:"status" gorm:"type:text;not null"`
	GrandTotal     int64         `json:"grand_total" gorm:"not null"`
	CurrencyCode   string        `json:"currency_code" gorm:"type:text;not null"`
	CurrencyRate   float64       `json:"currency_rate" gorm:"not null;default:1"`
	CouponCode     string        `json:"coupon_code" gorm:"type:text"`
	ShippingAmount int64         `json:"shipping_amount" gorm:"not null;default:0"`
	DiscountAmount int64         `json:"discount_amount" gorm:"not null;default:0"`
	TaxAmount      int64         `json:"tax_amount" gorm:"not null;default:0"`
	CustomerID     *snowflake.ID `json:"customer_id" gorm:"index"`
	CustomerEmail  string        `json:"customer_email" gorm:"type:text"`
	CustomerName   string        `json:"customer_name" gorm:"type:text"`
	CustomerPhone  string        `json:"customer_phone" gorm:"type:text"`
	CreatedAt      time.Time     `json:"created_at" gorm:"not null;index"`
	UpdatedAt      time.Time     `json:"updated_at"`

	Items   []OrderItem    `json:"items" gorm:"foreignKey:OrderID"`
	Payment *PaymentRecord `json:"payment" gorm:"foreignKey:OrderID"`
}

func (Order) TableName() string { return "orders" }

// IsGuest reports whether the order belongs to an unregistered customer.
func (o *Order) IsGuest() bool { return o.CustomerID == nil }

type OrderItem struct {
	ID           snowflake.ID `json:"id" gorm:"primaryKey"`
	OrderID      snowflake.ID `json:"order_id" gorm:"not null;index"`
	Name         string       `json:"name" gorm:"type:text;not null"`
	SKU          string       `json:"sku" gorm:"type:text"`
	PriceInclTax int64        `json:"price_incl_tax" gorm:"not null"`
	Quantity     int          `json:"quantity" gorm:"not null"`
	TaxAmount    int64        `json:"tax_amount" gorm:"not null;default:0"`
}

func (OrderItem) TableName() string { return "order_items" }

// PaymentRecord is the 1:1 payment state attached to an order. The
// (method, page_request_uid) unique index is what makes page-request
// binding atomic across concurrent checkouts.
type PaymentRecord struct {
	ID                   snowflake.ID   `json:"id" gorm:"primaryKey"`
	OrderID              snowflake.ID   `json:"order_id" gorm:"not null;uniqueIndex"`
	Method               string         `json:"method" gorm:"type:text;not null;uniqueIndex:idx_payment_page_request,priority:1"`
	Status               string         `json:"status" gorm:"type:text;not null"`
	TransactionUID       string         `json:"transaction_uid" gorm:"type:text"`
	ParentTransactionUID string         `json:"parent_transaction_uid" gorm:"type:text"`
	PageRequestUID       *string        `json:"page_request_uid" gorm:"type:text;uniqueIndex:idx_payment_page_request,priority:2"`
	TxnType              string         `json:"txn_type" gorm:"type:text"`
	CcLast4              string         `json:"cc_last4" gorm:"type:text"`
	CcExpMonth           string         `json:"cc_exp_month" gorm:"type:text"`
	CcExpYear            string         `json:"cc_exp_year" gorm:"type:text"`
	Snapshots            datatypes.JSON `json:"snapshots"`
	CreatedAt            time.Time      `json:"created_at" gorm:"not null"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

func (PaymentRecord) TableName() string { return "payment_records" }

// SnapshotSet is the typed view of PaymentRecord.Snapshots. The raw
// gateway payloads are kept verbatim for audit.
type SnapshotSet struct {
	PaymentPageResponse json.RawMessage `json:"payment_page_response,omitempty"`
	CaptureResponse     json.RawMessage `json:"capture_response,omitempty"`
	RelatedBreakdown    json.RawMessage `json:"related_breakdown,omitempty"`
	Combined            bool            `json:"combined,omitempty"`
	VaultTokenUID       string          `json:"vault_token_uid,omitempty"`
}

func (p *PaymentRecord) Snapshot() (SnapshotSet, error) {
	var set SnapshotSet
	if len(p.Snapshots) == 0 {
		return set, nil
	}
	if err := json.Unmarshal(p.Snapshots, &set); err != nil {
		return SnapshotSet{}, err
	}
	return set, nil
}

func (p *PaymentRecord) SetSnapshot(set SnapshotSet) error {
	raw, err := json.Marshal(set)
	if err != nil {
		return err
	}
	p.Snapshots = datatypes.JSON(raw)
	return nil
}

// ProcessedTransaction is the idempotency ledger: one row per gateway
// transaction uid ever applied, unique per method.
type ProcessedTransaction struct {
	ID             snowflake.ID `json:"id" gorm:"primaryKey"`
	Method         string       `json:"method" gorm:"type:text;not null;uniqueIndex:idx_processed_txn,priority:1"`
	TransactionUID string       `json:"transaction_uid" gorm:"type:text;not null;uniqueIndex:idx_processed_txn,priority:2"`
	OrderID        snowflake.ID `json:"order_id" gorm:"not null;index"`
	ReceivedAt     time.Time    `json:"received_at" gorm:"not null"`
	ProcessedAt    *time.Time   `json:"processed_at"`
}

func (ProcessedTransaction) TableName() string { return "processed_transactions" }

// VaultToken is a stored card token for a registered customer. Expiry is
// normalized to the first day of the expiry month.
type VaultToken struct {
	ID         snowflake.ID `json:"id" gorm:"primaryKey"`
	CustomerID snowflake.ID `json:"customer_id" gorm:"not null;index"`
	Method     string       `json:"method" gorm:"type:text;not null"`
	TokenUID   string       `json:"token_uid" gorm:"type:text;not null;uniqueIndex"`
	Last4      string       `json:"last4" gorm:"type:text;not null"`
	Brand      string       `json:"brand" gorm:"type:text;not null"`
	ExpiresAt  time.Time    `json:"expires_at" gorm:"not null"`
	CreatedAt  time.Time    `json:"created_at" gorm:"not null"`
}

func (VaultToken) TableName() string { return "vault_tokens" }

// OrderNote is an append-only history entry on an order.
type OrderNote struct {
	ID        snowflake.ID `json:"id" gorm:"primaryKey"`
	OrderID   snowflake.ID `json:"order_id" gorm:"not null;index"`
	Note      string       `json:"note" gorm:"type:text;not null"`
	Status    string       `json:"status" gorm:"type:text"`
	CreatedAt time.Time    `json:"created_at" gorm:"not null"`
}

func (OrderNote) TableName() string { return "order_notes" }
