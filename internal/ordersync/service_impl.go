package ordersync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/shopfront/payplus/internal/clock"
	appconfig "github.com/shopfront/payplus/internal/config"
	"github.com/shopfront/payplus/internal/gateway"
	"github.com/shopfront/payplus/internal/locks"
	"github.com/shopfront/payplus/internal/observability/metrics"
	"github.com/shopfront/payplus/internal/order/domain"
	"github.com/shopfront/payplus/internal/reconcile"
)

var (
	// ErrNotSyncable marks orders outside this service's jurisdiction.
	ErrNotSyncable = errors.New("order_not_syncable")

	// ErrNoPageRequest means the order has no page-request uid to poll with.
	ErrNoPageRequest = errors.New("no_page_request_uid")
)

const syncAttemptNotePrefix = "Payment sync attempt"

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	AppCfg  appconfig.Config
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    domain.Repository
	API     gateway.API
	Engine  *reconcile.Engine
	Locker  *locks.Locker    `optional:"true"`
	Metrics *metrics.Metrics `optional:"true"`
}

// Service re-polls the gateway for orders stuck in a pending state and
// feeds results through the reconciliation engine.
type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	cfg     Config
	genID   *snowflake.Node
	clock   clock.Clock
	repo    domain.Repository
	api     gateway.API
	engine  *reconcile.Engine
	locker  *locks.Locker
	metrics *metrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("ordersync"),
		cfg:     FromAppConfig(p.AppCfg),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		api:     p.API,
		engine:  p.Engine,
		locker:  p.Locker,
		metrics: p.Metrics,
	}
}

// Report aggregates one batch run.
type Report struct {
	Checked         int               `json:"checked"`
	Successful      int               `json:"successful"`
	Failed          int               `json:"failed"`
	Skipped         int               `json:"skipped"`
	Errors          map[string]string `json:"errors,omitempty"`
	ProcessedOrders []string          `json:"processed_orders,omitempty"`
}

// SyncOrder polls the gateway for one order and applies the result when it
// passes the two-factor validation. Returns whether an accepted payment was
// applied.
func (s *Service) SyncOrder(ctx context.Context, order *domain.Order) (bool, error) {
	if order == nil || order.Payment == nil || order.Payment.Method != appconfig.MethodCode {
		return false, ErrNotSyncable
	}

	pru := pageRequestUID(order)
	if pru == "" {
		return false, ErrNoPageRequest
	}

	lockKey := "payplus:sync:" + order.IncrementID
	token, acquired, err := s.locker.TryLock(ctx, lockKey, s.cfg.LockTTL)
	if err != nil {
		return false, err
	}
	if !acquired {
		s.log.Debug("order locked by another worker", zap.String("increment_id", order.IncrementID))
		return false, nil
	}
	defer func() {
		if err := s.locker.Release(ctx, lockKey, token); err != nil {
			s.log.Warn("lock release failed", zap.String("key", lockKey), zap.Error(err))
		}
	}()

	result, err := s.api.CheckStatus(ctx, gateway.StatusQuery{PageRequestUID: pru})
	if err != nil {
		s.metrics.RecordGatewayError()
		return false, err
	}
	if result.TransactionUID == "" {
		// The customer never reached the gateway, nothing to reconcile.
		return false, nil
	}

	if err := reconcile.Validate(order, result); err != nil {
		return false, err
	}

	outcome, err := s.engine.Apply(ctx, order, result, false)
	if err != nil {
		return false, err
	}
	return outcome.Accepted, nil
}

// SyncToday iterates today's pending and canceled orders for the gateway
// method. One order's failure never aborts the batch.
func (s *Service) SyncToday(ctx context.Context) (*Report, error) {
	now := s.clock.Now()
	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	orders, err := s.repo.FindPending(ctx, s.db, domain.PendingQuery{
		Method: appconfig.MethodCode,
		States: []string{domain.StatePendingPayment, domain.StateCanceled},
		From:   from,
		To:     now.Add(time.Minute),
		Limit:  s.cfg.BatchLimit,
	})
	if err != nil {
		return nil, err
	}

	report := &Report{Errors: map[string]string{}}
	for i := range orders {
		order := &orders[i]
		report.Checked++

		applied, err := s.SyncOrder(ctx, order)
		switch {
		case errors.Is(err, ErrNotSyncable), errors.Is(err, ErrNoPageRequest):
			report.Skipped++
			s.metrics.RecordSyncOutcome(metrics.SyncOutcomeSkipped)
		case err != nil:
			report.Failed++
			report.Errors[order.IncrementID] = err.Error()
			s.metrics.RecordSyncOutcome(metrics.SyncOutcomeFailed)
			s.log.Warn("order sync failed",
				zap.String("increment_id", order.IncrementID),
				zap.Error(err),
			)
		case applied:
			report.Successful++
			report.ProcessedOrders = append(report.ProcessedOrders, order.IncrementID)
			s.metrics.RecordSyncOutcome(metrics.SyncOutcomeSuccessful)
		default:
			report.Skipped++
			s.metrics.RecordSyncOutcome(metrics.SyncOutcomeSkipped)
		}
	}

	s.log.Info("sync batch finished",
		zap.Int("checked", report.Checked),
		zap.Int("successful", report.Successful),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
	)
	return report, nil
}

// HandleBeforeCancel gives an order one last sync before a cancel commits.
// Attempts are counted through order notes and capped; a recovered payment
// returns true and the caller must abort the cancel.
func (s *Service) HandleBeforeCancel(ctx context.Context, order *domain.Order) (bool, error) {
	if !s.cfg.SyncOnCancel {
		return false, nil
	}
	if order == nil || order.Payment == nil || order.Payment.Method != appconfig.MethodCode {
		return false, nil
	}

	attempts, err := s.repo.NotesWithPrefix(ctx, s.db, order.ID, syncAttemptNotePrefix)
	if err != nil {
		return false, err
	}
	if attempts >= int64(s.cfg.MaxSyncAttempts) {
		s.log.Info("sync attempts exhausted, letting cancel proceed",
			zap.String("increment_id", order.IncrementID),
			zap.Int64("attempts", attempts),
		)
		return false, nil
	}

	if err := s.repo.AddNote(ctx, s.db, &domain.OrderNote{
		ID:        s.genID.Generate(),
		OrderID:   order.ID,
		Note:      fmt.Sprintf("%s %d of %d", syncAttemptNotePrefix, attempts+1, s.cfg.MaxSyncAttempts),
		Status:    order.Status,
		CreatedAt: s.clock.Now(),
	}); err != nil {
		return false, err
	}

	applied, err := s.SyncOrder(ctx, order)
	if err != nil {
		// A transient gateway failure must not block the cancel.
		s.log.Warn("pre-cancel sync failed",
			zap.String("increment_id", order.IncrementID),
			zap.Error(err),
		)
		return false, nil
	}
	return applied, nil
}

// pageRequestUID returns the bound page-request uid, falling back to the
// one recorded in the raw gateway snapshot.
func pageRequestUID(order *domain.Order) string {
	if order.Payment.PageRequestUID != nil && *order.Payment.PageRequestUID != "" {
		return *order.Payment.PageRequestUID
	}

	set, err := order.Payment.Snapshot()
	if err != nil || len(set.PaymentPageResponse) == 0 {
		return ""
	}
	var snapshot struct {
		PageRequestUID string `json:"page_request_uid"`
	}
	if err := json.Unmarshal(set.PaymentPageResponse, &snapshot); err != nil {
		return ""
	}
	return snapshot.PageRequestUID
}

// CancelAbandoned cancels pending orders created between 24 hours and 30
// minutes ago that never completed payment. Each order gets one final poll
// first, regardless of the SyncOnCancel flag: a recovered payment exempts
// it, and a transient gateway failure keeps it for the next run. Returns
// the number of orders canceled.
func (s *Service) CancelAbandoned(ctx context.Context) (int, error) {
	now := s.clock.Now()
	orders, err := s.repo.FindPending(ctx, s.db, domain.PendingQuery{
		Method: appconfig.MethodCode,
		States: []string{domain.StatePendingPayment},
		From:   now.Add(-24 * time.Hour),
		To:     now.Add(-30 * time.Minute),
		Limit:  s.cfg.BatchLimit,
	})
	if err != nil {
		return 0, err
	}

	canceled := 0
	for i := range orders {
		order := &orders[i]

		applied, err := s.SyncOrder(ctx, order)
		switch {
		case errors.Is(err, ErrNotSyncable), errors.Is(err, ErrNoPageRequest):
			// Nothing to recover, the cancel proceeds.
		case err != nil:
			// Unknown payment state, keep the order for the next run.
			s.log.Warn("final poll failed, keeping abandoned order",
				zap.String("increment_id", order.IncrementID),
				zap.Error(err),
			)
			continue
		case applied:
			s.log.Info("abandoned order recovered its payment",
				zap.String("increment_id", order.IncrementID),
			)
			continue
		}

		order.State = domain.StateCanceled
		order.Status = domain.StatusCanceled
		if err := s.repo.Save(ctx, s.db, order); err != nil {
			s.log.Warn("abandoned order cancel failed",
				zap.String("increment_id", order.IncrementID),
				zap.Error(err),
			)
			continue
		}
		if err := s.repo.AddNote(ctx, s.db, &domain.OrderNote{
			ID:        s.genID.Generate(),
			OrderID:   order.ID,
			Note:      "Canceled abandoned pending order",
			Status:    domain.StatusCanceled,
			CreatedAt: now,
		}); err != nil {
			s.log.Warn("cancel note not recorded",
				zap.String("increment_id", order.IncrementID),
				zap.Error(err),
			)
		}
		canceled++
	}

	if canceled > 0 {
		s.log.Info("abandoned orders canceled", zap.Int("count", canceled))
	}
	return canceled, nil
}
