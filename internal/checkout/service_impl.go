package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/shopfront/payplus/internal/clock"
	"github.com/shopfront/payplus/internal/config"
	"github.com/shopfront/payplus/internal/gateway"
	"github.com/shopfront/payplus/internal/observability/metrics"
	"github.com/shopfront/payplus/internal/order/domain"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Cfg     config.Config
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    domain.Repository
	API     gateway.API
	Metrics *metrics.Metrics `optional:"true"`
}

// Service creates hosted payment pages and binds their page-request ids
// to orders.
type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	cfg     config.Config
	genID   *snowflake.Node
	clock   clock.Clock
	repo    domain.Repository
	api     gateway.API
	metrics *metrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("checkout"),
		cfg:     p.Cfg,
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		api:     p.API,
		metrics: p.Metrics,
	}
}

// CreatePaymentLink builds the payment-page request for the order, asks the
// gateway for a link, and claims the returned page-request uid. A rejected
// link comes back as data; a page-request collision is fatal.
func (s *Service) CreatePaymentLink(ctx context.Context, incrementID string) (*gateway.PaymentLink, error) {
	order, err := s.repo.FindByIncrementID(ctx, s.db, incrementID)
	if err != nil {
		return nil, err
	}

	if s.cfg.Sync.AutoCancelPending && !order.IsGuest() {
		if err := s.cancelStalePending(ctx, order); err != nil {
			s.log.Warn("stale pending cleanup failed",
				zap.String("increment_id", incrementID),
				zap.Error(err),
			)
		}
	}

	req, err := BuildPaymentPageRequest(order, s.cfg)
	if err != nil {
		return nil, err
	}

	link, err := s.api.GenerateLink(ctx, req)
	if err != nil {
		return nil, err
	}
	if !link.Approved {
		return link, nil
	}

	if err := s.bindPageRequest(ctx, order, link.PageRequestUID); err != nil {
		return nil, err
	}

	s.log.Info("payment link created",
		zap.String("increment_id", order.IncrementID),
		zap.String("page_request_uid", link.PageRequestUID),
	)
	return link, nil
}

func (s *Service) bindPageRequest(ctx context.Context, order *domain.Order, pageRequestUID string) error {
	err := s.repo.BindPageRequest(ctx, s.db, order, pageRequestUID)
	if errors.Is(err, domain.ErrDuplicatePageRequest) {
		s.metrics.RecordLinkCollision()
		holder, findErr := s.repo.FindByPageRequestUID(ctx, s.db, order.Payment.Method, pageRequestUID)
		holderID := "unknown"
		if findErr == nil && holder != nil {
			holderID = holder.IncrementID
		}
		s.log.Error("page request uid already bound to another order",
			zap.String("page_request_uid", pageRequestUID),
			zap.String("order", order.IncrementID),
			zap.String("colliding_order", holderID),
		)
		return fmt.Errorf("%w: order %s collides with order %s", domain.ErrDuplicatePageRequest, order.IncrementID, holderID)
	}
	if err != nil {
		return err
	}

	return s.repo.AddNote(ctx, s.db, &domain.OrderNote{
		ID:        s.genID.Generate(),
		OrderID:   order.ID,
		Note:      "Payment page created, page_request_uid " + pageRequestUID,
		Status:    order.Status,
		CreatedAt: s.clock.Now(),
	})
}

// cancelStalePending cancels the customer's abandoned pending orders before
// a new payment attempt. Only orders between 30 minutes and 24 hours old
// are touched.
func (s *Service) cancelStalePending(ctx context.Context, order *domain.Order) error {
	now := s.clock.Now()
	stale, err := s.repo.FindStalePending(ctx, s.db, order.Payment.Method, *order.CustomerID,
		now.Add(-30*time.Minute), now.Add(-24*time.Hour))
	if err != nil {
		return err
	}

	var errs []error
	for i := range stale {
		candidate := &stale[i]
		if candidate.ID == order.ID {
			continue
		}
		candidate.State = domain.StateCanceled
		candidate.Status = domain.StatusCanceled
		if err := s.repo.Save(ctx, s.db, candidate); err != nil {
			errs = append(errs, err)
			continue
		}
		_ = s.repo.AddNote(ctx, s.db, &domain.OrderNote{
			ID:        s.genID.Generate(),
			OrderID:   candidate.ID,
			Note:      "Canceled abandoned pending order before new payment attempt",
			Status:    domain.StatusCanceled,
			CreatedAt: now,
		})
		s.log.Info("canceled abandoned pending order",
			zap.String("increment_id", candidate.IncrementID),
		)
	}
	return errors.Join(errs...)
}
