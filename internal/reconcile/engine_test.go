package reconcile

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/shopfront/payplus/internal/clock"
	"github.com/shopfront/payplus/internal/config"
	"github.com/shopfront/payplus/internal/gateway"
	"github.com/shopfront/payplus/internal/order/domain"
	"github.com/shopfront/payplus/internal/order/repository"
)

type recordingMail struct {
	sent []string
}

func (m *recordingMail) Send(ctx context.Context, to []string, subject string, htmlBody string) error {
	m.sent = append(m.sent, subject)
	return nil
}

type engineFixture struct {
	db    *gorm.DB
	eng   *Engine
	mail  *recordingMail
	clock *clock.FakeClock
}

func newFixture(t *testing.T, cfg config.Config) *engineFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&domain.Order{},
		&domain.OrderItem{},
		&domain.PaymentRecord{},
		&domain.ProcessedTransaction{},
		&domain.VaultToken{},
		&domain.OrderNote{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	mail := &recordingMail{}
	fake := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	eng := NewEngine(Params{
		DB:    db,
		Log:   zap.NewNop(),
		Cfg:   cfg,
		GenID: node,
		Clock: fake,
		Repo:  repository.Provide(),
		Email: mail,
	})
	return &engineFixture{db: db, eng: eng, mail: mail, clock: fake}
}

func emailConfig() config.Config {
	cfg := config.Config{}
	cfg.Orders.SendEmailApproval = true
	cfg.Orders.SendEmailFailure = true
	return cfg
}

func seedOrder(t *testing.T, db *gorm.DB, id snowflake.ID, incrementID string) *domain.Order {
	t.Helper()
	pru := "pru-" + incrementID
	order := &domain.Order{
		ID:            id,
		IncrementID:   incrementID,
		State:         domain.StatePendingPayment,
		Status:        "pending_payment",
		GrandTotal:    25000,
		CurrencyCode:  "ILS",
		CurrencyRate:  1,
		CreatedAt:     time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC),
		CustomerEmail: "dana@example.com",
		CustomerName:  "Dana Levi",
		Payment: &domain.PaymentRecord{
			ID:             id,
			OrderID:        id,
			Method:         config.MethodCode,
			Status:         domain.PaymentStatusPrePayment,
			PageRequestUID: &pru,
		},
	}
	require.NoError(t, db.Create(order).Error)
	return order
}

func chargeResult(incrementID string) *gateway.GatewayResult {
	return &gateway.GatewayResult{
		TransactionUID: "txn-" + incrementID,
		PageRequestUID: "pru-" + incrementID,
		StatusCode:     "000",
		Type:           gateway.TypeCharge,
		AmountMinor:    25000,
		Currency:       "ILS",
		MoreInfo:       incrementID,
		ApprovalNum:    "0012345",
		FourDigits:     "4580",
		BrandName:      "Visa",
		ExpiryMonth:    "09",
		ExpiryYear:     "27",
		Raw:            json.RawMessage(`{"status_code":"000","type":"Charge"}`),
	}
}

func countNotes(t *testing.T, db *gorm.DB, orderID snowflake.ID) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&domain.OrderNote{}).Where("order_id = ?", orderID).Count(&n).Error)
	return n
}

func reloadOrder(t *testing.T, db *gorm.DB, id snowflake.ID) *domain.Order {
	t.Helper()
	var order domain.Order
	require.NoError(t, db.Preload("Payment").First(&order, "id = ?", id).Error)
	return &order
}

func TestApplyChargeCapturesOrder(t *testing.T) {
	f := newFixture(t, emailConfig())
	order := seedOrder(t, f.db, 1, "1000000123")

	outcome, err := f.eng.Apply(context.Background(), order, chargeResult("1000000123"), false)
	require.NoError(t, err)
	assert.True(t, outcome.Accepted)
	assert.Equal(t, domain.TxnTypeCapture, outcome.TxnType)

	got := reloadOrder(t, f.db, 1)
	assert.Equal(t, domain.StateComplete, got.State)
	assert.Equal(t, domain.StatusComplete, got.Status)
	assert.Equal(t, domain.PaymentStatusPaid, got.Payment.Status)
	assert.Equal(t, "txn-1000000123", got.Payment.TransactionUID)
	assert.Equal(t, "4580", got.Payment.CcLast4)

	set, err := got.Payment.Snapshot()
	require.NoError(t, err)
	assert.NotEmpty(t, set.PaymentPageResponse)

	assert.Equal(t, int64(1), countNotes(t, f.db, 1))
	require.Len(t, f.mail.sent, 1)
	assert.Contains(t, f.mail.sent[0], "1000000123")
}

func TestApplyIsIdempotentPerTransactionUID(t *testing.T) {
	f := newFixture(t, emailConfig())
	order := seedOrder(t, f.db, 1, "1000000123")
	result := chargeResult("1000000123")

	first, err := f.eng.Apply(context.Background(), order, result, false)
	require.NoError(t, err)
	assert.False(t, first.AlreadyProcessed)

	second, err := f.eng.Apply(context.Background(), order, result, false)
	require.NoError(t, err)
	assert.True(t, second.AlreadyProcessed)
	assert.True(t, second.Accepted)

	got := reloadOrder(t, f.db, 1)
	assert.Equal(t, domain.StateComplete, got.State)
	assert.Equal(t, int64(1), countNotes(t, f.db, 1))
	assert.Len(t, f.mail.sent, 1)
}

func TestApplyRejectsMismatchedMoreInfo(t *testing.T) {
	f := newFixture(t, emailConfig())
	seedOrder(t, f.db, 1, "1000000123")
	other := seedOrder(t, f.db, 2, "1000000124")

	// Result bound to order A applied to order B.
	_, err := f.eng.Apply(context.Background(), other, chargeResult("1000000123"), false)
	assert.ErrorIs(t, err, ErrMismatchedResult)

	got := reloadOrder(t, f.db, 2)
	assert.Equal(t, domain.StatePendingPayment, got.State)
	assert.Equal(t, domain.PaymentStatusPrePayment, got.Payment.Status)
	assert.Equal(t, int64(0), countNotes(t, f.db, 2))
	assert.Empty(t, f.mail.sent)
}

func TestApplyRejectsMismatchedAmount(t *testing.T) {
	f := newFixture(t, emailConfig())
	order := seedOrder(t, f.db, 1, "1000000123")

	result := chargeResult("1000000123")
	result.AmountMinor = 25500
	_, err := f.eng.Apply(context.Background(), order, result, false)
	assert.ErrorIs(t, err, ErrMismatchedResult)

	// One minor unit of drift is tolerated.
	result = chargeResult("1000000123")
	result.AmountMinor = 25001
	outcome, err := f.eng.Apply(context.Background(), order, result, false)
	require.NoError(t, err)
	assert.True(t, outcome.Accepted)
}

func TestApplyTrustedSkipsValidation(t *testing.T) {
	f := newFixture(t, emailConfig())
	order := seedOrder(t, f.db, 1, "1000000123")

	result := chargeResult("1000000123")
	result.MoreInfo = "someone-else"
	outcome, err := f.eng.Apply(context.Background(), order, result, true)
	require.NoError(t, err)
	assert.True(t, outcome.Accepted)
}

func TestApplyApprovalUsesConfiguredDefaults(t *testing.T) {
	f := newFixture(t, emailConfig())
	order := seedOrder(t, f.db, 1, "1000000123")

	result := chargeResult("1000000123")
	result.Type = gateway.TypeApproval
	outcome, err := f.eng.Apply(context.Background(), order, result, false)
	require.NoError(t, err)
	assert.True(t, outcome.Accepted)
	assert.Equal(t, domain.TxnTypeAuth, outcome.TxnType)

	got := reloadOrder(t, f.db, 1)
	assert.Equal(t, domain.StateProcessing, got.State)
	assert.Equal(t, domain.StatusHolded, got.Status)
	assert.Equal(t, domain.PaymentStatusPendingClear, got.Payment.Status)
}

func TestApplyApprovalHonorsConfigOverrides(t *testing.T) {
	cfg := emailConfig()
	cfg.Orders.ApprovalState = "processing"
	cfg.Orders.ApprovalStatus = "payment_review"
	f := newFixture(t, cfg)
	order := seedOrder(t, f.db, 1, "1000000123")

	result := chargeResult("1000000123")
	result.Type = gateway.TypeApproval
	_, err := f.eng.Apply(context.Background(), order, result, false)
	require.NoError(t, err)

	got := reloadOrder(t, f.db, 1)
	assert.Equal(t, "payment_review", got.Status)
}

func TestApplyDeniedResultVoidsOrder(t *testing.T) {
	f := newFixture(t, emailConfig())
	order := seedOrder(t, f.db, 1, "1000000123")

	result := chargeResult("1000000123")
	result.StatusCode = "001"
	outcome, err := f.eng.Apply(context.Background(), order, result, false)
	require.NoError(t, err)
	assert.False(t, outcome.Accepted)
	assert.Equal(t, domain.TxnTypeVoid, outcome.TxnType)

	got := reloadOrder(t, f.db, 1)
	assert.Equal(t, domain.StateVoided, got.State)
	assert.Equal(t, domain.PaymentStatusDenied, got.Payment.Status)

	require.Len(t, f.mail.sent, 1)
	assert.Contains(t, f.mail.sent[0], "failed")
}

func TestApplyCreatesVaultTokenForRegisteredCustomer(t *testing.T) {
	f := newFixture(t, emailConfig())
	order := seedOrder(t, f.db, 1, "1000000123")
	customerID := snowflake.ID(42)
	order.CustomerID = &customerID
	require.NoError(t, f.db.Model(&domain.Order{}).Where("id = ?", order.ID).Update("customer_id", customerID).Error)

	result := chargeResult("1000000123")
	result.TokenUID = "tok-1"
	_, err := f.eng.Apply(context.Background(), order, result, false)
	require.NoError(t, err)

	var token domain.VaultToken
	require.NoError(t, f.db.First(&token, "token_uid = ?", "tok-1").Error)
	assert.Equal(t, customerID, token.CustomerID)
	assert.Equal(t, "4580", token.Last4)
	assert.Equal(t, time.Date(2027, 9, 1, 0, 0, 0, 0, time.UTC), token.ExpiresAt)
}

func TestApplyCombinedTransactionSuppressesVaultToken(t *testing.T) {
	f := newFixture(t, emailConfig())
	order := seedOrder(t, f.db, 1, "1000000123")
	customerID := snowflake.ID(42)
	order.CustomerID = &customerID
	require.NoError(t, f.db.Model(&domain.Order{}).Where("id = ?", order.ID).Update("customer_id", customerID).Error)

	result := chargeResult("1000000123")
	result.TokenUID = "tok-1"
	result.IsMultipleTransaction = true
	result.RelatedTransactions = []gateway.RelatedTransaction{
		{TransactionUID: "sub-1", Method: "credit-card", Amount: 150.00, FourDigits: "4580"},
		{TransactionUID: "sub-2", Method: "multipass", Amount: 100.00},
	}

	_, err := f.eng.Apply(context.Background(), order, result, false)
	require.NoError(t, err)

	var tokens int64
	require.NoError(t, f.db.Model(&domain.VaultToken{}).Count(&tokens).Error)
	assert.Equal(t, int64(0), tokens)

	// The breakdown lands as a second order note.
	assert.Equal(t, int64(2), countNotes(t, f.db, 1))

	got := reloadOrder(t, f.db, 1)
	set, err := got.Payment.Snapshot()
	require.NoError(t, err)
	assert.True(t, set.Combined)
	assert.NotEmpty(t, set.RelatedBreakdown)
}

func TestApplyGuestOrderSuppressesVaultToken(t *testing.T) {
	f := newFixture(t, emailConfig())
	order := seedOrder(t, f.db, 1, "1000000123")

	result := chargeResult("1000000123")
	result.TokenUID = "tok-1"
	_, err := f.eng.Apply(context.Background(), order, result, false)
	require.NoError(t, err)

	var tokens int64
	require.NoError(t, f.db.Model(&domain.VaultToken{}).Count(&tokens).Error)
	assert.Equal(t, int64(0), tokens)
}

func TestApplyRejectsWrongMethod(t *testing.T) {
	f := newFixture(t, emailConfig())
	order := seedOrder(t, f.db, 1, "1000000123")
	order.Payment.Method = "checkmo"

	_, err := f.eng.Apply(context.Background(), order, chargeResult("1000000123"), false)
	assert.ErrorIs(t, err, ErrInvalidResult)
}

// sequencingRepo records the order of the lock and receipt lookups so the
// serialization point of concurrent deliveries can be asserted.
type sequencingRepo struct {
	domain.Repository
	calls []string
}

func (r *sequencingRepo) LockOrder(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.Order, error) {
	r.calls = append(r.calls, "lock_order")
	return r.Repository.LockOrder(ctx, tx, id)
}

func (r *sequencingRepo) FindProcessedTransaction(ctx context.Context, db *gorm.DB, method, transactionUID string) (*domain.ProcessedTransaction, error) {
	r.calls = append(r.calls, "find_receipt")
	return r.Repository.FindProcessedTransaction(ctx, db, method, transactionUID)
}

// A delivery that loses the insert race re-checks the receipt only after
// the order row lock is held. Checking before the lock lets the loser read
// a stale unprocessed receipt while the winner is committing, then apply
// the transition a second time.
func TestApplyReChecksReceiptUnderOrderLock(t *testing.T) {
	f := newFixture(t, config.Config{})
	seq := &sequencingRepo{Repository: repository.Provide()}
	f.eng.repo = seq

	order := seedOrder(t, f.db, 1, "1000000123")
	_, err := f.eng.Apply(context.Background(), order, chargeResult("1000000123"), false)
	require.NoError(t, err)

	lockAt, findAt := -1, -1
	for i, call := range seq.calls {
		switch call {
		case "lock_order":
			if lockAt == -1 {
				lockAt = i
			}
		case "find_receipt":
			if findAt == -1 {
				findAt = i
			}
		}
	}
	require.NotEqual(t, -1, lockAt)
	require.NotEqual(t, -1, findAt)
	assert.Less(t, lockAt, findAt)
}

func TestExpiryFirstOfMonth(t *testing.T) {
	got, ok := expiryFirstOfMonth("09", "27")
	require.True(t, ok)
	assert.Equal(t, time.Date(2027, 9, 1, 0, 0, 0, 0, time.UTC), got)

	got, ok = expiryFirstOfMonth("2", "2030")
	require.True(t, ok)
	assert.Equal(t, time.Date(2030, 2, 1, 0, 0, 0, 0, time.UTC), got)

	_, ok = expiryFirstOfMonth("13", "27")
	assert.False(t, ok)
	_, ok = expiryFirstOfMonth("", "")
	assert.False(t, ok)
}
