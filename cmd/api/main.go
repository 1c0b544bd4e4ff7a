package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rent-billing/internal/audit"
	"rent-billing/internal/auth"
	"rent-billing/internal/billing"
	"rent-billing/internal/config"
	"rent-billing/internal/gateway"
	"rent-billing/internal/httpapi"
	"rent-billing/internal/lease"
	"rent-billing/internal/metrics"
	"rent-billing/internal/migrations"
	"rent-billing/internal/payment"
	"rent-billing/internal/reconcile"
	"rent-billing/internal/schedule"
	"rent-billing/internal/wallet"
	"rent-billing/pkg/logger"
	"rent-billing/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
)

// writeTimeout leaves room for the slowest gateway-backed handler: an OAuth
// token fetch and the provider call, each bounded by gatewayTimeout, plus the
// Redis and database round trips around them.
func writeTimeout(gatewayTimeout time.Duration) time.Duration {
	return max(30*time.Second, 2*gatewayTimeout+10*time.Second)
}

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	if cfg.DB.AutoMigrate {
		applied, err := migrations.Apply(rootCtx, db)
		if err != nil {
			log.Error("migrations failed", "err", err)
			os.Exit(1)
		}
		log.Info("migrations applied", "count", len(applied), "files", applied)
	}

	// rdb stays a nil interface when Redis is off; callers check rdb != nil.
	var rdb redis.Cmdable
	if cfg.RedisEnabled() {
		client, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr(), Password: cfg.Redis.Password})
		if err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		defer client.Close()
		rdb = client
	} else {
		log.Warn("redis disabled; withdrawal guard and worker lock are process-local")
	}

	gateways, err := gateway.New(cfg.Gateway, gateway.Deps{
		HTTPClient: &http.Client{Timeout: cfg.Gateway.Timeout},
		Redis:      rdb,
	})
	if err != nil {
		log.Error("gateway init failed", "err", err)
		os.Exit(1)
	}
	log.Info("payment gateways ready", "active", gateways.Active().Name(), "configured", gateways.Names())

	auditSvc := audit.NewService(audit.NewPostgresRepo(db))
	leases := lease.NewPostgresDirectory(db)
	payments := payment.NewPostgresRepo(db)

	wallets := wallet.NewService(wallet.NewPostgresRepo(db), gateways.Active(), wallet.Options{
		MinimumWithdrawal: cfg.Billing.MinimumWithdrawal,
		Currency:          cfg.Billing.Currency,
		Redis:             rdb,
		GuardTTL:          cfg.Billing.WithdrawalGuardTTL,
		Audit:             auditSvc,
	})
	billingSvc := billing.NewService(billing.Deps{
		Leases:    leases,
		Schedules: schedule.NewPostgresRepo(db),
		Payments:  payments,
		Wallet:    wallets,
		Gateways:  gateways,
		Audit:     auditSvc,
	}, billing.Config{
		MinimumPayment: cfg.Billing.MinimumPayment,
		GraceDays:      cfg.Billing.GraceDays,
		HorizonMonths:  cfg.Billing.OpenEndedHorizonMonths,
		Currency:       cfg.Billing.Currency,
	})
	reconciler := reconcile.NewService(reconcile.Deps{
		Payments:    payments,
		Billing:     billingSvc,
		Withdrawals: wallets,
		Gateways:    gateways,
		Audit:       auditSvc,
	})

	workerDone := make(chan struct{})
	if cfg.Worker.Enabled {
		w := reconcile.NewWorker(reconciler, cfg.Worker, rdb)
		go func() {
			defer close(workerDone)
			w.Run(logger.With(rootCtx, log.With("component", "reconcile_worker")))
		}()
	} else {
		close(workerDone)
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	r.Use(metrics.Middleware())

	registerRoutes(r, routeDeps{
		db:         db,
		gateways:   gateways,
		reconciler: reconciler,
		handlers: httpapi.Handlers{
			Leases:   leases,
			Billing:  billingSvc,
			Payments: payments,
			Wallet:   wallets,
		},
	}, auth.RequireAccessToken(authManager))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      writeTimeout(cfg.Gateway.Timeout),
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		log.Warn("reconcile worker did not stop in time")
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
