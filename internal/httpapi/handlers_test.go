package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"rent-billing/internal/audit"
	"rent-billing/internal/auth"
	"rent-billing/internal/auth/authtest"
	"rent-billing/internal/billing"
	"rent-billing/internal/config"
	"rent-billing/internal/gateway"
	"rent-billing/internal/gateway/gatewaytest"
	"rent-billing/internal/lease"
	"rent-billing/internal/payment"
	"rent-billing/internal/rbac"
	"rent-billing/internal/schedule"
	"rent-billing/internal/wallet"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var billingNow = time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)

type api struct {
	router *gin.Engine
	tokens authtest.Issuer
	leases *lease.MemoryDirectory
}

func newAPI(t *testing.T) *api {
	t.Helper()
	gin.SetMode(gin.TestMode)

	authCfg := config.AuthConfig{JWTSecret: "test-secret", JWTIssuer: "rent-billing"}
	m, err := auth.NewManager(authCfg)
	require.NoError(t, err)

	end := time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC)
	leases := lease.NewMemoryDirectory(lease.Lease{
		ID:          "lease-1",
		LandlordID:  "landlord-1",
		TenantID:    "tenant-1",
		MonthlyRent: decimal.RequireFromString("50000"),
		PaymentDay:  1,
		StartDate:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:     &end,
		Status:      lease.StatusActive,
	})

	clock := func() time.Time { return billingNow }
	payments := payment.NewMemoryRepo()
	payments.SetClock(clock)
	walletRepo := wallet.NewMemoryRepo()
	walletRepo.SetClock(clock)
	gw := gatewaytest.New("fake")
	auditSvc := audit.NewService(audit.NewMemoryRepo())

	wallets := wallet.NewService(walletRepo, gw, wallet.Options{
		MinimumWithdrawal: decimal.RequireFromString("10000"),
		Currency:          "UGX",
		Audit:             auditSvc,
	})
	svc := billing.NewService(billing.Deps{
		Leases:    leases,
		Schedules: schedule.NewMemoryRepo(),
		Payments:  payments,
		Wallet:    wallets,
		Gateways:  gateway.NewRegistry(gw),
		Audit:     auditSvc,
	}, billing.Config{
		MinimumPayment: decimal.RequireFromString("10000"),
		GraceDays:      5,
		HorizonMonths:  12,
		Currency:       "UGX",
	})
	svc.SetClock(clock)

	r := gin.New()
	Register(r, Handlers{
		Leases:   leases,
		Billing:  svc,
		Payments: payments,
		Wallet:   wallets,
	}, auth.RequireAccessToken(m))

	return &api{router: r, tokens: authtest.New(authCfg), leases: leases}
}

func (a *api) token(t *testing.T, userID, role string) string {
	t.Helper()
	return a.tokens.Access(t, time.Now(), userID, role)
}

func (a *api) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (a *api) activate(t *testing.T) {
	t.Helper()
	w := a.do(t, http.MethodPost, "/v1/leases/lease-1/schedule", a.token(t, "landlord-1", rbac.RoleLandlord), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestAuthAndOwnership(t *testing.T) {
	a := newAPI(t)
	a.activate(t)

	tests := []struct {
		name  string
		token string
		path  string
		want  int
	}{
		{name: "no token", path: "/v1/leases/lease-1/balance", want: http.StatusUnauthorized},
		{name: "garbage token", token: "nope", path: "/v1/leases/lease-1/balance", want: http.StatusUnauthorized},
		{name: "tenant of lease", token: a.token(t, "tenant-1", rbac.RoleTenant), path: "/v1/leases/lease-1/balance", want: http.StatusOK},
		{name: "landlord of lease", token: a.token(t, "landlord-1", rbac.RoleLandlord), path: "/v1/leases/lease-1/schedule", want: http.StatusOK},
		{name: "foreign tenant", token: a.token(t, "tenant-2", rbac.RoleTenant), path: "/v1/leases/lease-1/balance", want: http.StatusForbidden},
		{name: "unknown lease", token: a.token(t, "tenant-1", rbac.RoleTenant), path: "/v1/leases/lease-9/balance", want: http.StatusForbidden},
		{name: "admin bypasses ownership", token: a.token(t, "ops", rbac.RoleAdmin), path: "/v1/leases/lease-1/balance", want: http.StatusOK},
		{name: "admin unknown lease", token: a.token(t, "ops", rbac.RoleAdmin), path: "/v1/leases/lease-9/balance", want: http.StatusNotFound},
		{name: "tenant has no wallet", token: a.token(t, "tenant-1", rbac.RoleTenant), path: "/v1/wallet", want: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := a.do(t, http.MethodGet, tt.path, tt.token, nil)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestMe(t *testing.T) {
	a := newAPI(t)
	w := a.do(t, http.MethodGet, "/v1/me", a.token(t, "tenant-1", rbac.RoleTenant), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user_id":"tenant-1","role":"tenant"}`, w.Body.String())
}

func TestScheduleActivation(t *testing.T) {
	a := newAPI(t)

	w := a.do(t, http.MethodPost, "/v1/leases/lease-1/schedule", a.token(t, "tenant-1", rbac.RoleTenant), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	a.activate(t)
	w = a.do(t, http.MethodGet, "/v1/leases/lease-1/schedule", a.token(t, "tenant-1", rbac.RoleTenant), nil)
	require.Equal(t, http.StatusOK, w.Code)
	entries := decode(t, w)["entries"].([]any)
	assert.Len(t, entries, 6)

	w = a.do(t, http.MethodGet, "/v1/leases/lease-1/balance", a.token(t, "tenant-1", rbac.RoleTenant), nil)
	require.Equal(t, http.StatusOK, w.Code)
	b := decode(t, w)
	assert.Equal(t, "300000", b["outstanding_balance"])
	assert.Equal(t, true, b["is_overdue"])
}

func TestInitiatePayment(t *testing.T) {
	a := newAPI(t)
	a.activate(t)
	tenant := a.token(t, "tenant-1", rbac.RoleTenant)

	w := a.do(t, http.MethodPost, "/v1/leases/lease-1/payments", tenant, gin.H{"amount": "400000", "phone_number": "256700000001"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decode(t, w)
	assert.Equal(t, "amount", body["field"])
	assert.Equal(t, "300000.00", body["suggested_amount"])

	w = a.do(t, http.MethodPost, "/v1/leases/lease-1/payments", tenant, gin.H{"amount": "50000"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "phone number is required")

	w = a.do(t, http.MethodPost, "/v1/leases/lease-1/payments", tenant, gin.H{"amount": 50000, "phone_number": "256700000001"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	p := decode(t, w)
	assert.Equal(t, "pending", p["status"])
	id := p["id"].(string)

	w = a.do(t, http.MethodGet, "/v1/payments/"+id, tenant, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = a.do(t, http.MethodGet, "/v1/payments/"+id, a.token(t, "landlord-2", rbac.RoleLandlord), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = a.do(t, http.MethodGet, "/v1/payments/missing", tenant, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = a.do(t, http.MethodGet, "/v1/payments/missing", a.token(t, "ops", rbac.RoleAdmin), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = a.do(t, http.MethodPost, "/v1/payments/"+id+"/refresh", tenant, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pending", decode(t, w)["status"])

	w = a.do(t, http.MethodGet, "/v1/leases/lease-1/payments", tenant, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["payments"].([]any), 1)
}

func TestManualPaymentAndRefund(t *testing.T) {
	a := newAPI(t)
	a.activate(t)
	landlord := a.token(t, "landlord-1", rbac.RoleLandlord)
	tenant := a.token(t, "tenant-1", rbac.RoleTenant)

	w := a.do(t, http.MethodPost, "/v1/leases/lease-1/payments/manual", tenant, gin.H{"amount": "50000", "method": "cash"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = a.do(t, http.MethodPost, "/v1/leases/lease-1/payments/manual", landlord, gin.H{"amount": "50000", "method": "cheque"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(t, http.MethodPost, "/v1/leases/lease-1/payments/manual", landlord, gin.H{"amount": "50000", "method": "cash", "paid_date": "2026-04-01"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "paid date in the future")

	w = a.do(t, http.MethodPost, "/v1/leases/lease-1/payments/manual", landlord, gin.H{"amount": "50000", "method": "bank_transfer", "paid_date": "2026-03-10", "notes": "receipt 42"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	p := decode(t, w)
	assert.Equal(t, "completed", p["status"])
	assert.NotEmpty(t, p["schedule_id"])
	id := p["id"].(string)

	w = a.do(t, http.MethodPost, "/v1/payments/"+id+"/refund", landlord, gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(t, http.MethodPost, "/v1/payments/"+id+"/refund", tenant, gin.H{"reason": "duplicate"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = a.do(t, http.MethodPost, "/v1/payments/"+id+"/refund", landlord, gin.H{"reason": "duplicate"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "refunded", decode(t, w)["status"])

	w = a.do(t, http.MethodPost, "/v1/payments/"+id+"/refund", landlord, gin.H{"reason": "duplicate"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRegenerateRefusedOncePaid(t *testing.T) {
	a := newAPI(t)
	a.activate(t)
	landlord := a.token(t, "landlord-1", rbac.RoleLandlord)

	w := a.do(t, http.MethodPost, "/v1/leases/lease-1/payments/manual", landlord, gin.H{"amount": "50000", "method": "cash"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = a.do(t, http.MethodPost, "/v1/leases/lease-1/schedule?regenerate=true", landlord, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestWalletEndpoints(t *testing.T) {
	a := newAPI(t)
	landlord := a.token(t, "landlord-1", rbac.RoleLandlord)
	admin := a.token(t, "ops", rbac.RoleAdmin)

	adj := gin.H{"amount": "50000", "reason": "opening balance", "idempotency_key": "k-1"}
	w := a.do(t, http.MethodPost, "/v1/admin/wallets/landlord-1/adjustments", landlord, adj)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = a.do(t, http.MethodPost, "/v1/admin/wallets/landlord-1/adjustments", admin, adj)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = a.do(t, http.MethodPost, "/v1/admin/wallets/landlord-1/adjustments", admin, adj)
	require.Equal(t, http.StatusOK, w.Code, "replayed key returns the original row")

	w = a.do(t, http.MethodGet, "/v1/wallet", landlord, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "50000", decode(t, w)["balance"])

	w = a.do(t, http.MethodPost, "/v1/wallet/withdrawals", landlord, gin.H{"amount": "5000", "phone_number": "256700000009"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "below minimum withdrawal")

	w = a.do(t, http.MethodPost, "/v1/wallet/withdrawals", landlord, gin.H{"amount": "90000", "phone_number": "256700000009"})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)

	w = a.do(t, http.MethodPost, "/v1/wallet/withdrawals", landlord, gin.H{"amount": "20000", "phone_number": "256700000009"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, "pending", decode(t, w)["status"])

	w = a.do(t, http.MethodGet, "/v1/wallet", landlord, nil)
	require.Equal(t, http.StatusOK, w.Code)
	s := decode(t, w)
	assert.Equal(t, "30000", s["balance"])
	assert.Equal(t, "20000", s["pending_withdrawals"])

	w = a.do(t, http.MethodGet, "/v1/wallet/transactions?type=withdrawal", landlord, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["transactions"].([]any), 1)

	w = a.do(t, http.MethodGet, "/v1/wallet/transactions?limit=-1", landlord, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(t, http.MethodGet, "/v1/wallet?landlord_id=landlord-1", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "30000", decode(t, w)["balance"])
}

func TestUpsertLease(t *testing.T) {
	a := newAPI(t)
	body := gin.H{
		"landlord_id":  "landlord-2",
		"tenant_id":    "tenant-2",
		"monthly_rent": "75000",
		"payment_day":  5,
		"start_date":   "2026-02-01",
		"status":       "active",
	}

	w := a.do(t, http.MethodPut, "/v1/leases/lease-2", a.token(t, "landlord-2", rbac.RoleLandlord), body)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = a.do(t, http.MethodPut, "/v1/leases/lease-2", a.token(t, "ops", rbac.RoleAdmin), body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	l, err := a.leases.GetLease(context.Background(), "lease-2")
	require.NoError(t, err)
	assert.True(t, l.OpenEnded())
	assert.Equal(t, 5, l.PaymentDay)

	w = a.do(t, http.MethodPost, "/v1/leases/lease-2/schedule", a.token(t, "landlord-2", rbac.RoleLandlord), nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body["end_date"] = "2026-01-01"
	w = a.do(t, http.MethodPut, "/v1/leases/lease-2", a.token(t, "ops", rbac.RoleAdmin), body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestParseDate(t *testing.T) {
	d, err := parseDate("2026-03-10")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), d)

	d, err = parseDate("2026-03-10T12:00:00+03:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC), d)

	_, err = parseDate("10/03/2026")
	assert.Error(t, err)
}
