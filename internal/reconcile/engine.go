package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
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
	"github.com/shopfront/payplus/internal/providers/email"
)

var (
	// ErrMismatchedResult means the gateway result does not belong to the
	// order it was applied to. Loud log, no mutation.
	ErrMismatchedResult = errors.New("mismatched_result")

	ErrInvalidResult = errors.New("invalid_gateway_result")
)

// amountToleranceMinor absorbs the gateway's own rounding of converted
// amounts. One minor unit, the equivalent of 0.01 in major units.
const amountToleranceMinor = 1

// Outcome is the business result of one reconciliation. A rejected payment
// is an outcome, not an error.
type Outcome struct {
	Accepted         bool
	AlreadyProcessed bool
	TxnType          string
	Reason           string
}

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Cfg     config.Config
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    domain.Repository
	Email   email.Provider
	Metrics *metrics.Metrics `optional:"true"`
}

// Engine applies gateway results to orders exactly once per transaction uid.
type Engine struct {
	db      *gorm.DB
	log     *zap.Logger
	cfg     config.Config
	genID   *snowflake.Node
	clock   clock.Clock
	repo    domain.Repository
	email   email.Provider
	metrics *metrics.Metrics
}

func NewEngine(p Params) *Engine {
	return &Engine{
		db:      p.DB,
		log:     p.Log.Named("payment.reconcile"),
		cfg:     p.Cfg,
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		email:   p.Email,
		metrics: p.Metrics,
	}
}

// Validate checks that a gateway result belongs to the order: the binding
// key (more_info vs increment id) and the amount, within one minor unit.
// Applied on every untrusted consumption path, callback and poll alike.
func Validate(order *domain.Order, result *gateway.GatewayResult) error {
	if result.MoreInfo != order.IncrementID {
		return fmt.Errorf("%w: more_info %q does not match order %s",
			ErrMismatchedResult, result.MoreInfo, order.IncrementID)
	}

	rate := order.CurrencyRate
	if rate == 0 {
		rate = 1
	}
	expected := gateway.ConvertMinor(order.GrandTotal, rate)
	diff := result.AmountMinor - expected
	if diff < -amountToleranceMinor || diff > amountToleranceMinor {
		return fmt.Errorf("%w: amount %d does not match order total %d",
			ErrMismatchedResult, result.AmountMinor, expected)
	}
	return nil
}

// Apply runs the reconciliation state machine for one gateway result.
// Untrusted results are re-validated first. Re-delivery of an already
// processed transaction uid is a no-op.
func (e *Engine) Apply(ctx context.Context, order *domain.Order, result *gateway.GatewayResult, trusted bool) (Outcome, error) {
	if order == nil || order.Payment == nil || result == nil || result.TransactionUID == "" {
		return Outcome{}, ErrInvalidResult
	}
	if order.Payment.Method != config.MethodCode {
		return Outcome{}, ErrInvalidResult
	}

	if !trusted {
		if err := Validate(order, result); err != nil {
			e.log.Error("gateway result rejected",
				zap.String("order", order.IncrementID),
				zap.String("transaction_uid", result.TransactionUID),
				zap.String("more_info", result.MoreInfo),
				zap.Error(err),
			)
			return Outcome{}, err
		}
	}

	now := e.clock.Now()
	receipt := &domain.ProcessedTransaction{
		ID:             e.genID.Generate(),
		Method:         order.Payment.Method,
		TransactionUID: result.TransactionUID,
		OrderID:        order.ID,
		ReceivedAt:     now,
	}
	inserted, err := e.repo.InsertProcessedTransaction(ctx, e.db, receipt)
	if err != nil {
		return Outcome{}, err
	}
	if !inserted {
		stored, err := e.repo.FindProcessedTransaction(ctx, e.db, receipt.Method, receipt.TransactionUID)
		if err != nil {
			return Outcome{}, err
		}
		if stored == nil {
			return Outcome{}, ErrInvalidResult
		}
		if stored.ProcessedAt != nil {
			e.log.Debug("transaction already processed",
				zap.String("order", order.IncrementID),
				zap.String("transaction_uid", result.TransactionUID),
			)
			return Outcome{Accepted: result.Approved(), AlreadyProcessed: true}, nil
		}
		receipt = stored
	}

	var outcome Outcome
	err = e.db.Transaction(func(tx *gorm.DB) error {
		locked, err := e.repo.LockOrder(ctx, tx, order.ID)
		if err != nil {
			return err
		}

		// Racing deliveries of the same transaction uid target the same
		// order row, so the lock serializes them. Re-check only after it
		// is held: a racer that finished while this delivery was waiting
		// turns the rest into a no-op.
		stored, err := e.repo.FindProcessedTransaction(ctx, tx, receipt.Method, receipt.TransactionUID)
		if err != nil {
			return err
		}
		if stored != nil && stored.ProcessedAt != nil {
			outcome = Outcome{Accepted: result.Approved(), AlreadyProcessed: true}
			return nil
		}

		outcome, err = e.transition(ctx, tx, locked, result, now)
		if err != nil {
			return err
		}

		return e.repo.MarkTransactionProcessed(ctx, tx, receipt.ID, now)
	})
	if err != nil {
		return Outcome{}, err
	}
	if outcome.AlreadyProcessed {
		return outcome, nil
	}

	e.metrics.RecordReconcile(outcome.TxnType, outcome.Accepted)
	e.notify(ctx, order, outcome)

	e.log.Info("gateway result applied",
		zap.String("order", order.IncrementID),
		zap.String("transaction_uid", result.TransactionUID),
		zap.String("txn_type", outcome.TxnType),
		zap.Bool("accepted", outcome.Accepted),
	)
	return outcome, nil
}

func (e *Engine) transition(ctx context.Context, tx *gorm.DB, order *domain.Order, result *gateway.GatewayResult, now time.Time) (Outcome, error) {
	payment := order.Payment
	if payment == nil {
		return Outcome{}, ErrInvalidResult
	}

	set, err := payment.Snapshot()
	if err != nil {
		e.log.Warn("discarding unreadable payment snapshots", zap.Error(err))
		set = domain.SnapshotSet{}
	}
	// A capture of an earlier authorization keeps the original page
	// response and records its own payload separately.
	if payment.TransactionUID != "" && payment.TransactionUID != result.TransactionUID {
		set.CaptureResponse = result.Raw
	} else {
		set.PaymentPageResponse = result.Raw
	}
	if result.Combined() {
		set.Combined = true
		if len(result.RelatedTransactions) > 0 {
			if raw, err := json.Marshal(result.RelatedTransactions); err == nil {
				set.RelatedBreakdown = raw
			}
		}
	}

	var outcome Outcome
	switch {
	case !result.Approved():
		outcome = Outcome{TxnType: domain.TxnTypeVoid, Reason: "status_code " + result.StatusCode}
		payment.Status = domain.PaymentStatusDenied
		payment.TxnType = domain.TxnTypeVoid
		order.State = domain.StateVoided
		order.Status = domain.StatusCanceled

	case result.Type == gateway.TypeApproval:
		outcome = Outcome{Accepted: true, TxnType: domain.TxnTypeAuth}
		payment.Status = domain.PaymentStatusPendingClear
		payment.TxnType = domain.TxnTypeAuth
		order.State = e.approvalState()
		order.Status = e.approvalStatus()

	case result.Type == gateway.TypeCharge:
		outcome = Outcome{Accepted: true, TxnType: domain.TxnTypeCapture}
		if payment.TransactionUID != "" && payment.TransactionUID != result.TransactionUID {
			payment.ParentTransactionUID = payment.TransactionUID
		}
		payment.Status = domain.PaymentStatusPaid
		payment.TxnType = domain.TxnTypeCapture
		order.State = e.captureState()
		order.Status = e.captureStatus()

	default:
		return Outcome{}, fmt.Errorf("%w: unknown transaction type %q", ErrInvalidResult, result.Type)
	}
	payment.TransactionUID = result.TransactionUID

	// Combined transactions may legitimately omit card fields.
	if result.FourDigits != "" {
		payment.CcLast4 = result.FourDigits
	}
	if result.ExpiryMonth != "" {
		payment.CcExpMonth = result.ExpiryMonth
	}
	if result.ExpiryYear != "" {
		payment.CcExpYear = result.ExpiryYear
	}

	if outcome.Accepted {
		if tokenUID, ok := e.storeVaultToken(ctx, tx, order, result, now); ok {
			set.VaultTokenUID = tokenUID
		}
	}

	if err := payment.SetSnapshot(set); err != nil {
		return Outcome{}, err
	}

	if err := e.repo.Save(ctx, tx, order); err != nil {
		return Outcome{}, err
	}

	note := transitionNote(result, outcome)
	if err := e.repo.AddNote(ctx, tx, &domain.OrderNote{
		ID:        e.genID.Generate(),
		OrderID:   order.ID,
		Note:      note,
		Status:    order.Status,
		CreatedAt: now,
	}); err != nil {
		return Outcome{}, err
	}

	if len(result.RelatedTransactions) > 0 {
		if err := e.repo.AddNote(ctx, tx, &domain.OrderNote{
			ID:        e.genID.Generate(),
			OrderID:   order.ID,
			Note:      relatedBreakdownNote(result.RelatedTransactions),
			Status:    order.Status,
			CreatedAt: now,
		}); err != nil {
			return Outcome{}, err
		}
	}

	return outcome, nil
}

// storeVaultToken persists a reusable card token when every precondition
// holds: token present, registered customer, full card fields, and a
// single-method transaction.
func (e *Engine) storeVaultToken(ctx context.Context, tx *gorm.DB, order *domain.Order, result *gateway.GatewayResult, now time.Time) (string, bool) {
	if result.TokenUID == "" || order.IsGuest() || result.Combined() {
		return "", false
	}
	if result.FourDigits == "" || result.BrandName == "" {
		return "", false
	}
	expiry, ok := expiryFirstOfMonth(result.ExpiryMonth, result.ExpiryYear)
	if !ok {
		return "", false
	}

	_, err := e.repo.InsertVaultToken(ctx, tx, &domain.VaultToken{
		ID:         e.genID.Generate(),
		CustomerID: *order.CustomerID,
		Method:     order.Payment.Method,
		TokenUID:   result.TokenUID,
		Last4:      result.FourDigits,
		Brand:      result.BrandName,
		ExpiresAt:  expiry,
		CreatedAt:  now,
	})
	if err != nil {
		e.log.Warn("vault token not stored",
			zap.String("order", order.IncrementID),
			zap.Error(err),
		)
		return "", false
	}
	return result.TokenUID, true
}

// expiryFirstOfMonth normalizes "09"/"27" (or "2027") to 2027-09-01 UTC.
func expiryFirstOfMonth(month, year string) (time.Time, bool) {
	m, err := strconv.Atoi(strings.TrimSpace(month))
	if err != nil || m < 1 || m > 12 {
		return time.Time{}, false
	}
	y, err := strconv.Atoi(strings.TrimSpace(year))
	if err != nil {
		return time.Time{}, false
	}
	if y < 100 {
		y += 2000
	}
	return time.Date(y, time.Month(m), 1, 0, 0, 0, 0, time.UTC), true
}

func transitionNote(result *gateway.GatewayResult, outcome Outcome) string {
	var b strings.Builder
	switch {
	case !outcome.Accepted:
		b.WriteString("Gateway payment denied")
	case outcome.TxnType == domain.TxnTypeAuth:
		b.WriteString("Gateway payment authorized")
	default:
		b.WriteString("Gateway payment captured")
	}
	fmt.Fprintf(&b, ", transaction %s", result.TransactionUID)
	fmt.Fprintf(&b, ", amount %.2f %s", gateway.MajorUnits(result.AmountMinor), result.Currency)
	fmt.Fprintf(&b, ", status code %s", result.StatusCode)
	if result.ApprovalNum != "" {
		fmt.Fprintf(&b, ", approval %s", result.ApprovalNum)
	}
	return b.String()
}

func relatedBreakdownNote(related []gateway.RelatedTransaction) string {
	var b strings.Builder
	b.WriteString("Combined payment breakdown:")
	for _, sub := range related {
		fmt.Fprintf(&b, "\nmethod %s, amount %.2f, transaction %s", sub.Method, sub.Amount, sub.TransactionUID)
		if sub.FourDigits != "" {
			fmt.Fprintf(&b, ", card ****%s", sub.FourDigits)
		}
		if sub.AltMethodID != "" {
			fmt.Fprintf(&b, ", identifier %s", sub.AltMethodID)
		}
		if sub.ApprovalNum != "" {
			fmt.Fprintf(&b, ", approval %s", sub.ApprovalNum)
		}
		if sub.VoucherNum != "" {
			fmt.Fprintf(&b, ", voucher %s", sub.VoucherNum)
		}
	}
	return b.String()
}

// notify sends the customer email for the outcome. Best effort: a mail
// failure never rolls back the financial state change.
func (e *Engine) notify(ctx context.Context, order *domain.Order, outcome Outcome) {
	if e.email == nil || order.CustomerEmail == "" {
		return
	}

	var subject, body string
	switch {
	case outcome.Accepted && e.cfg.Orders.SendEmailApproval:
		subject = fmt.Sprintf("Payment received for order %s", order.IncrementID)
		body = fmt.Sprintf("<p>We received your payment for order <b>%s</b>. Thank you.</p>", order.IncrementID)
	case !outcome.Accepted && e.cfg.Orders.SendEmailFailure:
		subject = fmt.Sprintf("Payment failed for order %s", order.IncrementID)
		body = fmt.Sprintf("<p>Your payment for order <b>%s</b> was not accepted.</p>", order.IncrementID)
	default:
		return
	}

	if err := e.email.Send(ctx, []string{order.CustomerEmail}, subject, body); err != nil {
		e.log.Warn("confirmation email failed",
			zap.String("order", order.IncrementID),
			zap.Error(err),
		)
	}
}

func (e *Engine) approvalState() string {
	if s := e.cfg.Orders.ApprovalState; s != "" {
		return s
	}
	return domain.StateProcessing
}

func (e *Engine) approvalStatus() string {
	if s := e.cfg.Orders.ApprovalStatus; s != "" {
		return s
	}
	return domain.StatusHolded
}

func (e *Engine) captureState() string {
	if s := e.cfg.Orders.CaptureState; s != "" {
		return s
	}
	return domain.StateComplete
}

func (e *Engine) captureStatus() string {
	if s := e.cfg.Orders.CaptureStatus; s != "" {
		return s
	}
	return domain.StatusComplete
}
