package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"rent-billing/internal/auth"
	"rent-billing/internal/billing"
	"rent-billing/internal/lease"
	"rent-billing/internal/payment"
	"rent-billing/internal/rbac"
	"rent-billing/internal/wallet"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// LeaseStore is the lease directory plus the admin write path that keeps the
// local read model in sync with the lease service.
type LeaseStore interface {
	lease.Directory
	Upsert(ctx context.Context, l lease.Lease) error
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, check ownership, call services, return JSON.
type Handlers struct {
	Leases   LeaseStore
	Billing  *billing.Service
	Payments payment.Repository
	Wallet   *wallet.Service
}

// identity returns the verified caller. RequireAccessToken runs first, so a
// missing identity is a wiring bug and answered with 401.
func identity(c *gin.Context) (auth.Identity, bool) {
	id, err := auth.FromContext(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "identity required"})
		return auth.Identity{}, false
	}
	return id, true
}

// authorizeLease rejects callers that are neither party to the lease nor admin.
// It runs before any billing logic.
func (h Handlers) authorizeLease(c *gin.Context, leaseID string) (auth.Identity, bool) {
	id, ok := identity(c)
	if !ok {
		return id, false
	}
	if rbac.IsAdmin(id.Role) {
		return id, true
	}
	if err := lease.CheckOwner(c.Request.Context(), h.Leases, id.UserID, leaseID); err != nil {
		writeError(c, err)
		return id, false
	}
	return id, true
}

// authorizePayment loads the payment and authorizes its lease.
func (h Handlers) authorizePayment(c *gin.Context) (payment.Payment, auth.Identity, bool) {
	id, ok := identity(c)
	if !ok {
		return payment.Payment{}, id, false
	}
	p, err := h.Payments.Get(c.Request.Context(), c.Param("payment_id"))
	if err != nil {
		if !rbac.IsAdmin(id.Role) {
			// Unknown ids look the same as foreign ones.
			writeError(c, lease.ErrNotOwner)
			return p, id, false
		}
		writeError(c, err)
		return p, id, false
	}
	if _, ok := h.authorizeLease(c, p.LeaseID); !ok {
		return p, id, false
	}
	return p, id, true
}

func (h Handlers) Me(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": id.UserID, "role": id.Role})
}

// --- Leases ---

type upsertLeaseRequest struct {
	LandlordID  string          `json:"landlord_id" binding:"required"`
	TenantID    string          `json:"tenant_id" binding:"required"`
	MonthlyRent decimal.Decimal `json:"monthly_rent"`
	PaymentDay  int             `json:"payment_day" binding:"required,min=1,max=31"`
	StartDate   string          `json:"start_date" binding:"required"`
	EndDate     string          `json:"end_date"`
	Status      lease.Status    `json:"status" binding:"required,oneof=draft active terminated expired"`
}

// UpsertLease syncs one lease into the local read model. Admin only.
func (h Handlers) UpsertLease(c *gin.Context) {
	var req upsertLeaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json", "detail": err.Error()})
		return
	}
	if !req.MonthlyRent.IsPositive() {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "monthly_rent must be positive"})
		return
	}
	start, err := parseDate(req.StartDate)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid start_date"})
		return
	}
	l := lease.Lease{
		ID:          c.Param("lease_id"),
		LandlordID:  req.LandlordID,
		TenantID:    req.TenantID,
		MonthlyRent: req.MonthlyRent,
		PaymentDay:  req.PaymentDay,
		StartDate:   start,
		Status:      req.Status,
	}
	if req.EndDate != "" {
		end, err := parseDate(req.EndDate)
		if err != nil || end.Before(start) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid end_date"})
			return
		}
		l.EndDate = &end
	}
	if err := h.Leases.Upsert(c.Request.Context(), l); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

func (h Handlers) ActivateSchedule(c *gin.Context) {
	leaseID := c.Param("lease_id")
	if _, ok := h.authorizeLease(c, leaseID); !ok {
		return
	}
	regenerate, _ := strconv.ParseBool(c.Query("regenerate"))

	entries, err := h.Billing.ActivateLeaseSchedule(c.Request.Context(), leaseID, regenerate)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lease_id": leaseID, "entries": entries})
}

func (h Handlers) GetSchedule(c *gin.Context) {
	leaseID := c.Param("lease_id")
	if _, ok := h.authorizeLease(c, leaseID); !ok {
		return
	}
	entries, err := h.Billing.GetSchedule(c.Request.Context(), leaseID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lease_id": leaseID, "entries": entries})
}

func (h Handlers) GetBalance(c *gin.Context) {
	leaseID := c.Param("lease_id")
	if _, ok := h.authorizeLease(c, leaseID); !ok {
		return
	}
	b, err := h.Billing.GetBalance(c.Request.Context(), leaseID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// --- Payments ---

type initiatePaymentRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	PhoneNumber string          `json:"phone_number" binding:"required"`
	ScheduleID  *string         `json:"schedule_id"`
}

func (h Handlers) InitiatePayment(c *gin.Context) {
	leaseID := c.Param("lease_id")
	if _, ok := h.authorizeLease(c, leaseID); !ok {
		return
	}
	var req initiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json", "detail": err.Error()})
		return
	}

	p, err := h.Billing.InitiatePayment(c.Request.Context(), billing.InitiateRequest{
		LeaseID:     leaseID,
		Amount:      req.Amount,
		PhoneNumber: strings.TrimSpace(req.PhoneNumber),
		ScheduleID:  req.ScheduleID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, p)
}

type manualPaymentRequest struct {
	Amount     decimal.Decimal `json:"amount"`
	Method     payment.Method  `json:"method" binding:"required,oneof=cash bank_transfer"`
	PaidDate   string          `json:"paid_date"`
	ScheduleID *string         `json:"schedule_id"`
	Notes      string          `json:"notes"`
}

func (h Handlers) RegisterManualPayment(c *gin.Context) {
	leaseID := c.Param("lease_id")
	id, ok := h.authorizeLease(c, leaseID)
	if !ok {
		return
	}
	var req manualPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json", "detail": err.Error()})
		return
	}
	mr := billing.ManualRequest{
		LeaseID:     leaseID,
		Amount:      req.Amount,
		Method:      req.Method,
		ScheduleID:  req.ScheduleID,
		Notes:       req.Notes,
		ActorUserID: id.UserID,
		ActorRole:   id.Role,
	}
	if req.PaidDate != "" {
		d, err := parseDate(req.PaidDate)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid paid_date"})
			return
		}
		mr.PaidDate = &d
	}

	p, err := h.Billing.RegisterManualPayment(c.Request.Context(), mr)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h Handlers) ListPayments(c *gin.Context) {
	leaseID := c.Param("lease_id")
	if _, ok := h.authorizeLease(c, leaseID); !ok {
		return
	}
	ps, err := h.Payments.ListByLease(c.Request.Context(), leaseID)
	if err != nil {
		writeError(c, err)
		return
	}
	if ps == nil {
		ps = []payment.Payment{}
	}
	c.JSON(http.StatusOK, gin.H{"lease_id": leaseID, "payments": ps})
}

func (h Handlers) GetPayment(c *gin.Context) {
	p, _, ok := h.authorizePayment(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h Handlers) RefreshPayment(c *gin.Context) {
	p, _, ok := h.authorizePayment(c)
	if !ok {
		return
	}
	out, err := h.Billing.RefreshPayment(c.Request.Context(), p.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

type refundRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (h Handlers) RefundPayment(c *gin.Context) {
	p, id, ok := h.authorizePayment(c)
	if !ok {
		return
	}
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "reason required"})
		return
	}
	out, err := h.Billing.RefundPayment(c.Request.Context(), p.ID, req.Reason, id.UserID, id.Role)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// parseDate accepts a calendar date or a full RFC 3339 timestamp.
func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q: want YYYY-MM-DD or RFC 3339", s)
	}
	return t.UTC(), nil
}
