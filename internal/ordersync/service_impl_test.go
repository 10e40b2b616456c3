package ordersync

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
	"github.com/shopfront/payplus/internal/reconcile"
)

type fakeGateway struct {
	results map[string]*gateway.GatewayResult
	err     error
	calls   int
}

func (f *fakeGateway) GenerateLink(ctx context.Context, req *gateway.PaymentPageRequest) (*gateway.PaymentLink, error) {
	return nil, gateway.ErrGatewayUnavailable
}

func (f *fakeGateway) CheckStatus(ctx context.Context, q gateway.StatusQuery) (*gateway.GatewayResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if result, ok := f.results[q.PageRequestUID]; ok {
		return result, nil
	}
	// Unknown page request: the gateway answers with an empty result.
	return &gateway.GatewayResult{}, nil
}

func (f *fakeGateway) Capture(ctx context.Context, req *gateway.CaptureRequest) (*gateway.GatewayResult, error) {
	return nil, gateway.ErrGatewayUnavailable
}

type fixture struct {
	db  *gorm.DB
	svc *Service
	gw  *fakeGateway
}

func newFixture(t *testing.T) *fixture {
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

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	fake := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	repo := repository.Provide()
	appCfg := config.Config{}
	appCfg.Sync.SyncOnCancel = true
	appCfg.Sync.MaxSyncAttempts = 5

	gw := &fakeGateway{results: map[string]*gateway.GatewayResult{}}
	engine := reconcile.NewEngine(reconcile.Params{
		DB:    db,
		Log:   zap.NewNop(),
		Cfg:   appCfg,
		GenID: node,
		Clock: fake,
		Repo:  repo,
	})
	svc := NewService(Params{
		DB:     db,
		Log:    zap.NewNop(),
		AppCfg: appCfg,
		GenID:  node,
		Clock:  fake,
		Repo:   repo,
		API:    gw,
		Engine: engine,
	})
	return &fixture{db: db, svc: svc, gw: gw}
}

func seedPending(t *testing.T, db *gorm.DB, id snowflake.ID, incrementID string, pru *string) *domain.Order {
	t.Helper()
	order := &domain.Order{
		ID:           id,
		IncrementID:  incrementID,
		State:        domain.StatePendingPayment,
		Status:       "pending_payment",
		GrandTotal:   25000,
		CurrencyCode: "ILS",
		CurrencyRate: 1,
		CreatedAt:    time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
		Payment: &domain.PaymentRecord{
			ID:             id,
			OrderID:        id,
			Method:         config.MethodCode,
			Status:         domain.PaymentStatusPrePayment,
			PageRequestUID: pru,
		},
	}
	require.NoError(t, db.Create(order).Error)
	return order
}

func approvedCharge(incrementID, pru string) *gateway.GatewayResult {
	return &gateway.GatewayResult{
		TransactionUID: "txn-" + incrementID,
		PageRequestUID: pru,
		StatusCode:     "000",
		Type:           gateway.TypeCharge,
		AmountMinor:    25000,
		Currency:       "ILS",
		MoreInfo:       incrementID,
		Raw:            json.RawMessage(`{"status_code":"000"}`),
	}
}

func strptr(s string) *string { return &s }

func TestSyncOrderAppliesMatchingResult(t *testing.T) {
	f := newFixture(t)
	order := seedPending(t, f.db, 1, "1000000123", strptr("pru-1"))
	f.gw.results["pru-1"] = approvedCharge("1000000123", "pru-1")

	applied, err := f.svc.SyncOrder(context.Background(), order)
	require.NoError(t, err)
	assert.True(t, applied)

	var got domain.Order
	require.NoError(t, f.db.First(&got, "id = ?", 1).Error)
	assert.Equal(t, domain.StateComplete, got.State)
}

func TestSyncOrderRecoversPageRequestFromSnapshot(t *testing.T) {
	f := newFixture(t)
	order := seedPending(t, f.db, 1, "1000000123", nil)

	set := domain.SnapshotSet{PaymentPageResponse: json.RawMessage(`{"page_request_uid":"pru-snap"}`)}
	require.NoError(t, order.Payment.SetSnapshot(set))
	require.NoError(t, f.db.Model(&domain.PaymentRecord{}).Where("order_id = ?", 1).Update("snapshots", order.Payment.Snapshots).Error)

	f.gw.results["pru-snap"] = approvedCharge("1000000123", "pru-snap")

	applied, err := f.svc.SyncOrder(context.Background(), order)
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestSyncOrderRejectsForeignResult(t *testing.T) {
	f := newFixture(t)
	order := seedPending(t, f.db, 1, "1000000123", strptr("pru-1"))
	// The result claims to belong to a different order.
	f.gw.results["pru-1"] = approvedCharge("1000000999", "pru-1")

	applied, err := f.svc.SyncOrder(context.Background(), order)
	assert.False(t, applied)
	assert.ErrorIs(t, err, reconcile.ErrMismatchedResult)

	var got domain.Order
	require.NoError(t, f.db.First(&got, "id = ?", 1).Error)
	assert.Equal(t, domain.StatePendingPayment, got.State)
}

func TestSyncOrderNothingToApplyYet(t *testing.T) {
	f := newFixture(t)
	order := seedPending(t, f.db, 1, "1000000123", strptr("pru-1"))

	applied, err := f.svc.SyncOrder(context.Background(), order)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestSyncOrderWithoutPageRequest(t *testing.T) {
	f := newFixture(t)
	order := seedPending(t, f.db, 1, "1000000123", nil)

	_, err := f.svc.SyncOrder(context.Background(), order)
	assert.ErrorIs(t, err, ErrNoPageRequest)
	assert.Zero(t, f.gw.calls)
}

func TestSyncTodayReportAggregation(t *testing.T) {
	f := newFixture(t)
	seedPending(t, f.db, 1, "1000000123", strptr("pru-1"))
	seedPending(t, f.db, 2, "1000000124", strptr("pru-2"))
	seedPending(t, f.db, 3, "1000000125", nil)

	// Order 4 is from a previous day and must stay outside the window.
	old := seedPending(t, f.db, 4, "1000000099", strptr("pru-4"))
	require.NoError(t, f.db.Model(&domain.Order{}).Where("id = ?", old.ID).
		Update("created_at", time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)).Error)

	f.gw.results["pru-1"] = approvedCharge("1000000123", "pru-1")
	// pru-2 reports a result bound to another order.
	f.gw.results["pru-2"] = approvedCharge("1000000123", "pru-2")

	report, err := f.svc.SyncToday(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, report.Checked)
	assert.Equal(t, 1, report.Successful)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, []string{"1000000123"}, report.ProcessedOrders)
	assert.Contains(t, report.Errors, "1000000124")
}

func TestSyncTodayGatewayDownFailsOrdersIndividually(t *testing.T) {
	f := newFixture(t)
	seedPending(t, f.db, 1, "1000000123", strptr("pru-1"))
	seedPending(t, f.db, 2, "1000000124", strptr("pru-2"))
	f.gw.err = gateway.ErrGatewayUnavailable

	report, err := f.svc.SyncToday(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, 2, report.Failed)
	assert.Empty(t, report.ProcessedOrders)
}

func TestHandleBeforeCancelRecoversPayment(t *testing.T) {
	f := newFixture(t)
	order := seedPending(t, f.db, 1, "1000000123", strptr("pru-1"))
	f.gw.results["pru-1"] = approvedCharge("1000000123", "pru-1")

	recovered, err := f.svc.HandleBeforeCancel(context.Background(), order)
	require.NoError(t, err)
	assert.True(t, recovered)

	// The attempt note was written.
	var notes []domain.OrderNote
	require.NoError(t, f.db.Where("order_id = ?", 1).Find(&notes).Error)
	found := false
	for _, note := range notes {
		if note.Note == "Payment sync attempt 1 of 5" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestHandleBeforeCancelAttemptCap(t *testing.T) {
	f := newFixture(t)
	order := seedPending(t, f.db, 1, "1000000123", strptr("pru-1"))
	f.gw.results["pru-1"] = approvedCharge("1000000123", "pru-1")

	for i := 0; i < 5; i++ {
		require.NoError(t, f.db.Create(&domain.OrderNote{
			ID:        snowflake.ID(100 + i),
			OrderID:   order.ID,
			Note:      "Payment sync attempt stub",
			CreatedAt: time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC),
		}).Error)
	}

	recovered, err := f.svc.HandleBeforeCancel(context.Background(), order)
	require.NoError(t, err)
	assert.False(t, recovered)
	assert.Zero(t, f.gw.calls)
}

func TestHandleBeforeCancelIgnoresOtherMethods(t *testing.T) {
	f := newFixture(t)
	order := seedPending(t, f.db, 1, "1000000123", strptr("pru-1"))
	order.Payment.Method = "checkmo"

	recovered, err := f.svc.HandleBeforeCancel(context.Background(), order)
	require.NoError(t, err)
	assert.False(t, recovered)
	assert.Zero(t, f.gw.calls)
}

func TestCancelAbandonedCancelsStaleOrders(t *testing.T) {
	f := newFixture(t)
	// Three hours old, never paid: cancel.
	seedPending(t, f.db, 1, "1000000300", strptr("pru-stale"))
	// Three hours old but the gateway holds an approved charge: recover.
	seedPending(t, f.db, 2, "1000000301", strptr("pru-paid"))
	f.gw.results["pru-paid"] = approvedCharge("1000000301", "pru-paid")
	// Ten minutes old: too fresh to touch.
	recent := seedPending(t, f.db, 3, "1000000302", strptr("pru-recent"))
	require.NoError(t, f.db.Model(&domain.Order{}).
		Where("id = ?", recent.ID).
		Update("created_at", time.Date(2026, 3, 10, 11, 50, 0, 0, time.UTC)).Error)

	canceled, err := f.svc.CancelAbandoned(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, canceled)

	var stale domain.Order
	require.NoError(t, f.db.First(&stale, "id = ?", 1).Error)
	assert.Equal(t, domain.StateCanceled, stale.State)

	var paid domain.Order
	require.NoError(t, f.db.First(&paid, "id = ?", 2).Error)
	assert.Equal(t, domain.StateComplete, paid.State)

	var fresh domain.Order
	require.NoError(t, f.db.First(&fresh, "id = ?", 3).Error)
	assert.Equal(t, domain.StatePendingPayment, fresh.State)

	var notes []domain.OrderNote
	require.NoError(t, f.db.Where("order_id = ?", 1).Find(&notes).Error)
	found := false
	for _, note := range notes {
		if note.Note == "Canceled abandoned pending order" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestCancelAbandonedPollsEvenWhenCancelHookDisabled(t *testing.T) {
	f := newFixture(t)
	f.svc.cfg.SyncOnCancel = false
	seedPending(t, f.db, 1, "1000000310", strptr("pru-paid"))
	f.gw.results["pru-paid"] = approvedCharge("1000000310", "pru-paid")

	canceled, err := f.svc.CancelAbandoned(context.Background())
	require.NoError(t, err)
	assert.Zero(t, canceled)

	var got domain.Order
	require.NoError(t, f.db.First(&got, "id = ?", 1).Error)
	assert.Equal(t, domain.StateComplete, got.State)
}

func TestCancelAbandonedKeepsOrderWhenGatewayDown(t *testing.T) {
	f := newFixture(t)
	seedPending(t, f.db, 1, "1000000311", strptr("pru-1"))
	f.gw.err = gateway.ErrGatewayUnavailable

	canceled, err := f.svc.CancelAbandoned(context.Background())
	require.NoError(t, err)
	assert.Zero(t, canceled)

	var got domain.Order
	require.NoError(t, f.db.First(&got, "id = ?", 1).Error)
	assert.Equal(t, domain.StatePendingPayment, got.State)
}
