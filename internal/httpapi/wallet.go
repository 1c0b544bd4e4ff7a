package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"rent-billing/internal/auth"
	"rent-billing/internal/rbac"
	"rent-billing/internal/wallet"
	"rent-billing/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// walletOwner resolves whose wallet a request targets: the calling landlord,
// or for admins the landlord_id query parameter.
func walletOwner(c *gin.Context) (string, auth.Identity, bool) {
	id, ok := identity(c)
	if !ok {
		return "", id, false
	}
	if rbac.IsAdmin(id.Role) {
		if q := strings.TrimSpace(c.Query("landlord_id")); q != "" {
			return q, id, true
		}
	}
	return id.UserID, id, true
}

func (h Handlers) GetWallet(c *gin.Context) {
	landlordID, _, ok := walletOwner(c)
	if !ok {
		return
	}
	s, err := h.Wallet.Summary(c.Request.Context(), landlordID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h Handlers) GetTransactions(c *gin.Context) {
	landlordID, _, ok := walletOwner(c)
	if !ok {
		return
	}

	f := wallet.HistoryFilter{
		Type:   wallet.TransactionType(c.Query("type")),
		Status: wallet.TransactionStatus(c.Query("status")),
	}
	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		if v := c.Query(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
				return
			}
			*dst = n
		}
	}
	if v := c.Query("from"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid from"})
			return
		}
		f.From = &t
	}
	if v := c.Query("to"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid to"})
			return
		}
		f.To = &t
	}

	txs, err := h.Wallet.History(c.Request.Context(), landlordID, f)
	if err != nil {
		writeError(c, err)
		return
	}
	if txs == nil {
		txs = []wallet.Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs})
}

type withdrawalRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	PhoneNumber string          `json:"phone_number" binding:"required"`
	Description string          `json:"description"`
}

// RequestWithdrawal pays the calling landlord out. A rejected disbursement
// answers 502; the reservation has already been compensated by then.
func (h Handlers) RequestWithdrawal(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	var req withdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json", "detail": err.Error()})
		return
	}

	t, err := h.Wallet.RequestWithdrawal(c.Request.Context(), id.UserID, wallet.WithdrawalRequest{
		Amount:      req.Amount,
		PhoneNumber: strings.TrimSpace(req.PhoneNumber),
		Description: req.Description,
	})
	if err != nil {
		if t.ID != "" {
			logger.FromGin(c).Warn("withdrawal not accepted", "transaction_id", t.ID, "status", t.Status, "err", err)
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, t)
}

type adjustmentRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	Reason         string          `json:"reason" binding:"required"`
	IdempotencyKey string          `json:"idempotency_key" binding:"required"`
}

// AdjustWallet credits a landlord wallet outside the payment flow. Admin only.
func (h Handlers) AdjustWallet(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	var req adjustmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json", "detail": err.Error()})
		return
	}

	t, err := h.Wallet.Adjust(c.Request.Context(), c.Param("landlord_id"), wallet.AdjustmentRequest{
		Amount:         req.Amount,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
		ActorUserID:    id.UserID,
		ActorRole:      id.Role,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}
