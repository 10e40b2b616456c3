package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/shopfront/payplus/internal/checkout"
	"github.com/shopfront/payplus/internal/gateway"
	"github.com/shopfront/payplus/internal/order/domain"
	"github.com/shopfront/payplus/internal/reconcile"
)

var ErrInvalidRequest = errors.New("invalid_request")

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, checkout.ErrInvalidPaymentContext):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_request",
			Message: err.Error(),
		}
	case errors.Is(err, domain.ErrOrderNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "order not found",
		}
	case errors.Is(err, domain.ErrDuplicatePageRequest):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "page request uid already bound to another order",
		}
	case errors.Is(err, reconcile.ErrMismatchedResult):
		return http.StatusConflict, errorPayload{
			Type:    "mismatched_result",
			Message: "gateway result does not belong to this order",
		}
	case errors.Is(err, gateway.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "gateway_unavailable",
			Message: "payment gateway unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}
