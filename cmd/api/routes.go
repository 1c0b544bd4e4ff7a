package main

import (
	"database/sql"
	"net/http"
	"time"

	"rent-billing/internal/config"
	"rent-billing/internal/gateway"
	"rent-billing/internal/httpapi"
	"rent-billing/internal/reconcile"
	"rent-billing/pkg/logger"
	"rent-billing/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type routeDeps struct {
	db         *sql.DB
	gateways   *gateway.Registry
	reconciler *reconcile.Service
	handlers   httpapi.Handlers
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps, authMW gin.HandlerFunc) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), d.db, 2*time.Second); err != nil {
			logger.FromGin(c).Warn("health check failed", "err", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Provider callbacks are public; each adapter verifies its own signature.
	for _, name := range []string{config.GatewayMomo, config.GatewayYoPay} {
		h := reconcile.WebhookHandler{Service: d.reconciler, Gateways: d.gateways, Provider: name}
		r.POST("/webhooks/"+name, h.Handle)
	}

	httpapi.Register(r, d.handlers, authMW)
}
