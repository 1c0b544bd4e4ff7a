package reconcile

import (
	"context"
	"errors"
	"time"

	"rent-billing/internal/config"
	"rent-billing/internal/metrics"
	"rent-billing/pkg/logger"
	"rent-billing/pkg/utils"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const workerLockKey = "reconcile:worker"

// Worker periodically resolves what callbacks missed: pending payments and
// withdrawals are polled, recently completed payments are re-settled, and
// open-ended schedules are extended once a day.
//
// Every task is idempotent. With Redis configured, one replica runs a pass at
// a time; without it, concurrent passes only cost duplicate gateway polls.
type Worker struct {
	svc     *Service
	billing Billing
	cfg     config.WorkerConfig
	rdb     redis.Cmdable
	clock   func() time.Time

	lastExtend time.Time
}

func NewWorker(svc *Service, cfg config.WorkerConfig, rdb redis.Cmdable) *Worker {
	return &Worker{svc: svc, billing: svc.billing, cfg: cfg, rdb: rdb, clock: time.Now}
}

// Run blocks until ctx is cancelled, running one pass per PollInterval.
func (w *Worker) Run(ctx context.Context) {
	log := logger.From(ctx).With("component", "reconcile_worker")
	ctx = logger.With(ctx, log)
	log.Info("worker started", "interval", w.cfg.PollInterval.String())

	t := time.NewTicker(w.cfg.PollInterval)
	defer t.Stop()

	for {
		w.RunOnce(ctx)
		select {
		case <-ctx.Done():
			log.Info("worker stopped")
			return
		case <-t.C:
		}
	}
}

// RunOnce performs a single pass.
func (w *Worker) RunOnce(ctx context.Context) {
	log := logger.From(ctx)

	if w.rdb != nil {
		slot, err := utils.AcquireSlot(ctx, w.rdb, workerLockKey, uuid.NewString(), w.cfg.PollInterval)
		if errors.Is(err, utils.ErrSlotTaken) {
			log.Debug("another replica is reconciling")
			return
		}
		if err != nil {
			log.Warn("worker lock unavailable; running unguarded", "err", err)
		}
		defer func() {
			if err := slot.Release(logger.Detach(ctx)); err != nil {
				log.Warn("worker lock release failed", "err", err)
			}
		}()
	}

	now := w.clock().UTC()
	cutoff := now.Add(-w.cfg.PendingMinAge)

	w.task(ctx, "poll_payments", func(ctx context.Context) (int, error) {
		return w.svc.PollPayments(ctx, cutoff, w.cfg.BatchSize)
	})
	w.task(ctx, "poll_withdrawals", func(ctx context.Context) (int, error) {
		return w.svc.PollWithdrawals(ctx, cutoff, w.cfg.BatchSize)
	})
	w.task(ctx, "settle_sweep", func(ctx context.Context) (int, error) {
		return w.billing.SettleSweep(ctx, now.Add(-w.cfg.SettleLookback), w.cfg.BatchSize)
	})

	if !sameDay(w.lastExtend, now) {
		ok := w.task(ctx, "extend_schedules", w.billing.ExtendOpenEndedSchedules)
		if ok {
			w.lastExtend = now
		}
	}
}

func (w *Worker) task(ctx context.Context, name string, fn func(context.Context) (int, error)) bool {
	if ctx.Err() != nil {
		return false
	}
	start := time.Now()
	n, err := fn(ctx)
	log := logger.From(ctx).With("task", name, "count", n, "took", time.Since(start).String())
	if err != nil {
		metrics.WorkerRuns.WithLabelValues(name, "error").Inc()
		log.Error("worker task failed", "err", err)
		return false
	}
	metrics.WorkerRuns.WithLabelValues(name, "ok").Inc()
	if n > 0 {
		log.Info("worker task done")
	}
	return true
}

func sameDay(a, b time.Time) bool {
	if a.IsZero() {
		return false
	}
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
