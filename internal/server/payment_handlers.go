package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/shopfront/payplus/internal/checkout"
	"github.com/shopfront/payplus/internal/gateway"
)

// gatewayNotification carries the redirect/callback parameters. They are a
// trigger only; the authoritative result is always re-fetched via IPN.
type gatewayNotification struct {
	TransactionUID        string `form:"transaction_uid" json:"transaction_uid"`
	PageRequestUID        string `form:"page_request_uid" json:"page_request_uid"`
	MoreInfo              string `form:"more_info" json:"more_info"`
	IsMultipleTransaction bool   `form:"is_multiple_transaction" json:"is_multiple_transaction"`
}

// HandleReturn serves the customer's redirect back from the payment page.
func (s *Server) HandleReturn(c *gin.Context) {
	s.consumeNotification(c)
}

// HandleCallback serves the gateway's server-to-server callback.
func (s *Server) HandleCallback(c *gin.Context) {
	s.consumeNotification(c)
}

func (s *Server) consumeNotification(c *gin.Context) {
	var note gatewayNotification
	if c.Request.Method == http.MethodGet {
		_ = c.ShouldBindQuery(&note)
	} else {
		_ = c.ShouldBind(&note)
	}
	if note.TransactionUID == "" && note.PageRequestUID == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	ctx := c.Request.Context()
	result, err := s.api.CheckStatus(ctx, gateway.StatusQuery{
		TransactionUID: note.TransactionUID,
		PageRequestUID: note.PageRequestUID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if result.TransactionUID == "" || result.MoreInfo == "" {
		s.log.Warn("notification did not resolve to a transaction",
			zap.String("transaction_uid", note.TransactionUID),
			zap.String("page_request_uid", note.PageRequestUID),
		)
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	order, err := s.repo.FindByIncrementID(ctx, s.db, result.MoreInfo)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	outcome, err := s.reconciler.Apply(ctx, order, result, false)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":            "ok",
		"order":             order.IncrementID,
		"accepted":          outcome.Accepted,
		"already_processed": outcome.AlreadyProcessed,
	})
}

// HandleSyncOrders runs a batch sync on demand and returns the report.
func (s *Server) HandleSyncOrders(c *gin.Context) {
	report, err := s.syncSvc.SyncToday(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// HandleCapture settles a previously authorized transaction. The capture
// result goes through the reconciliation engine as trusted: this service
// initiated the call, so the two-factor validation already holds.
func (s *Server) HandleCapture(c *gin.Context) {
	ctx := c.Request.Context()

	order, err := s.repo.FindByIncrementID(ctx, s.db, c.Param("increment_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	req, err := checkout.BuildCaptureRequest(order)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.api.Capture(ctx, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	outcome, err := s.reconciler.Apply(ctx, order, result, true)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order":    order.IncrementID,
		"accepted": outcome.Accepted,
		"txn_type": outcome.TxnType,
	})
}

// HandleCreatePaymentLink creates a hosted payment page for an order.
func (s *Server) HandleCreatePaymentLink(c *gin.Context) {
	link, err := s.checkoutSvc.CreatePaymentLink(c.Request.Context(), c.Param("increment_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !link.Approved {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"approved":    false,
			"code":        link.Code,
			"description": link.Description,
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"approved":          true,
		"page_request_uid":  link.PageRequestUID,
		"payment_page_link": link.PaymentPageLink,
	})
}
