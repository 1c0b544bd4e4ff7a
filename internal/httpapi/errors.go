package httpapi

import (
	"errors"
	"net/http"

	"rent-billing/internal/billing"
	"rent-billing/internal/gateway"
	"rent-billing/internal/lease"
	"rent-billing/internal/payment"
	"rent-billing/internal/schedule"
	"rent-billing/internal/wallet"
	"rent-billing/pkg/logger"

	"github.com/gin-gonic/gin"
)

// writeError maps a service error onto a status code and a stable body.
// Internal errors are logged and never echoed.
func writeError(c *gin.Context, err error) {
	var ve *billing.ValidationError
	if errors.As(err, &ve) {
		body := gin.H{"error": ve.Error(), "field": ve.Field}
		if ve.SuggestedAmount != nil {
			body["suggested_amount"] = ve.SuggestedAmount.StringFixed(2)
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, body)
		return
	}

	var ge *gateway.Error
	if errors.As(err, &ge) {
		logger.FromGin(c).Warn("gateway call failed", "err", err)
		body := gin.H{"error": "payment gateway error", "provider": ge.Provider}
		if ge.Code != "" {
			body["code"] = ge.Code
		}
		c.AbortWithStatusJSON(http.StatusBadGateway, body)
		return
	}

	status, msg := classify(err)
	if status == http.StatusInternalServerError {
		logger.FromGin(c).Error("request failed", "err", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, wallet.ErrInvalidArgument):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, lease.ErrNotOwner):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, lease.ErrNotFound),
		errors.Is(err, payment.ErrNotFound),
		errors.Is(err, schedule.ErrNotFound),
		errors.Is(err, wallet.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, wallet.ErrInsufficientBalance):
		return http.StatusPaymentRequired, err.Error()
	case errors.Is(err, schedule.ErrScheduleHasPayments),
		errors.Is(err, schedule.ErrAlreadyPaid),
		errors.Is(err, payment.ErrTransitionConflict),
		errors.Is(err, payment.ErrInvalidTransition),
		errors.Is(err, payment.ErrScheduleConflict),
		errors.Is(err, wallet.ErrNotPending),
		errors.Is(err, wallet.ErrWithdrawalInProgress):
		return http.StatusConflict, err.Error()
	case errors.Is(err, gateway.ErrUnknownProvider):
		return http.StatusBadGateway, "payment gateway unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
