package httpapi

import (
	"rent-billing/internal/rbac"

	"github.com/gin-gonic/gin"
)

// Register mounts the authenticated /v1 API. authMW must put the caller's
// identity into the request context.
func Register(r gin.IRouter, h Handlers, authMW gin.HandlerFunc) {
	v1 := r.Group("/v1")
	v1.Use(authMW)

	v1.GET("/me", h.Me)

	landlord := rbac.RequireAnyRole(rbac.RoleLandlord)
	party := rbac.RequireAnyRole(rbac.RoleLandlord, rbac.RoleTenant)

	leases := v1.Group("/leases/:lease_id")
	{
		leases.PUT("", rbac.RequireAnyRole(rbac.RoleAdmin), h.UpsertLease)
		leases.POST("/schedule", landlord, h.ActivateSchedule)
		leases.GET("/schedule", party, h.GetSchedule)
		leases.GET("/balance", party, h.GetBalance)
		leases.GET("/payments", party, h.ListPayments)
		leases.POST("/payments", party, h.InitiatePayment)
		leases.POST("/payments/manual", landlord, h.RegisterManualPayment)
	}

	payments := v1.Group("/payments/:payment_id")
	{
		payments.GET("", party, h.GetPayment)
		payments.POST("/refresh", party, h.RefreshPayment)
		payments.POST("/refund", landlord, h.RefundPayment)
	}

	w := v1.Group("/wallet")
	w.Use(landlord)
	{
		w.GET("", h.GetWallet)
		w.GET("/transactions", h.GetTransactions)
		w.POST("/withdrawals", h.RequestWithdrawal)
	}

	// Only admin can reach admin endpoints.
	admin := v1.Group("/admin")
	admin.Use(rbac.RequireAnyRole(rbac.RoleAdmin))
	{
		admin.POST("/wallets/:landlord_id/adjustments", h.AdjustWallet)
	}
}
