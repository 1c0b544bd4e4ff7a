// Package reconcile applies gateway callbacks and status polls to payments and
// withdrawals. Every transition it triggers is a conditional update, so
// replays, concurrent deliveries and racing polls settle each record once.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rent-billing/internal/audit"
	"rent-billing/internal/billing"
	"rent-billing/internal/gateway"
	"rent-billing/internal/metrics"
	"rent-billing/internal/payment"
	"rent-billing/internal/wallet"
	"rent-billing/pkg/logger"
)

// Billing is the payment side the reconciler drives.
type Billing interface {
	ApplyOutcome(ctx context.Context, p payment.Payment, o billing.Outcome) (payment.Payment, bool, error)
	PollPending(ctx context.Context, p payment.Payment) (payment.Payment, error)
	SettleSweep(ctx context.Context, since time.Time, limit int) (int, error)
	ExtendOpenEndedSchedules(ctx context.Context) (int, error)
}

// Withdrawals is the wallet side the reconciler drives.
type Withdrawals interface {
	UpdateWithdrawalStatus(ctx context.Context, reference string, to wallet.TransactionStatus, gatewayReference string) (wallet.Transaction, error)
	ClaimPendingWithdrawals(ctx context.Context, olderThan time.Time, limit int) ([]wallet.Transaction, error)
}

// Gateways looks up the adapter a record was initiated with.
type Gateways interface {
	Lookup(name string) (gateway.Gateway, bool)
}

// Result is what happened to one callback.
type Result string

const (
	ResultApplied   Result = "applied"
	ResultDuplicate Result = "duplicate"
	ResultIgnored   Result = "ignored"
	ResultUnmatched Result = "unmatched"
	ResultRejected  Result = "rejected"
	ResultMalformed Result = "malformed"
	ResultConflict  Result = "conflict"
	ResultError     Result = "error"
)

type Deps struct {
	Payments    payment.Repository
	Billing     Billing
	Withdrawals Withdrawals
	Gateways    Gateways
	Audit       *audit.Service
}

type Service struct {
	payments    payment.Repository
	billing     Billing
	withdrawals Withdrawals
	gateways    Gateways
	audit       *audit.Service
}

func NewService(deps Deps) *Service {
	return &Service{
		payments:    deps.Payments,
		billing:     deps.Billing,
		withdrawals: deps.Withdrawals,
		gateways:    deps.Gateways,
		audit:       deps.Audit,
	}
}

// HandleWebhook verifies, parses and applies one callback from gw.
//
// Only a structurally invalid body returns an error (wrapping
// gateway.ErrMalformedWebhook). Bad signatures, unknown references,
// replays and internal failures are reported through Result so the caller
// can still acknowledge the delivery.
func (s *Service) HandleWebhook(ctx context.Context, gw gateway.Gateway, wh gateway.Webhook) (Result, error) {
	provider := gw.Name()
	log := logger.From(ctx).With("provider", provider)

	if !gw.VerifyWebhook(wh) {
		if _, err := gw.ParseWebhook(wh); errors.Is(err, gateway.ErrMalformedWebhook) {
			s.count(provider, ResultMalformed)
			return ResultMalformed, err
		}
		log.Warn("webhook signature rejected")
		s.audit.Record(ctx, audit.Event{
			Type:     audit.EventWebhookRejected,
			Provider: provider,
			Message:  "signature verification failed",
		})
		s.count(provider, ResultRejected)
		return ResultRejected, nil
	}

	cb, err := gw.ParseWebhook(wh)
	if err != nil {
		log.Warn("webhook body malformed", "err", err)
		s.count(provider, ResultMalformed)
		return ResultMalformed, err
	}
	log = log.With("reference", cb.ExternalReference, "callback_status", cb.Status)
	ctx = logger.With(ctx, log)

	var res Result
	switch {
	case cb.Kind == gateway.KindDisbursement || (cb.Kind == gateway.KindUnknown && wallet.IsWithdrawalReference(cb.ExternalReference)):
		res = s.applyWithdrawal(ctx, provider, cb)
	default:
		res = s.applyCollection(ctx, provider, cb)
	}
	s.count(provider, res)
	return res, nil
}

func (s *Service) applyCollection(ctx context.Context, provider string, cb gateway.Callback) Result {
	log := logger.From(ctx)

	p, err := s.payments.GetByTransactionID(ctx, cb.ExternalReference)
	if errors.Is(err, payment.ErrNotFound) {
		if cb.Kind == gateway.KindUnknown {
			// Withdrawals initiated before references were prefixed are found by lookup.
			return s.applyWithdrawal(ctx, provider, cb)
		}
		return s.unmatched(ctx, provider, cb)
	}
	if err != nil {
		log.Error("payment lookup failed", "err", err)
		return ResultError
	}
	log = log.With("payment_id", p.ID)

	if p.Gateway != "" && p.Gateway != provider {
		log.Warn("callback from a gateway the payment was not sent to", "payment_gateway", p.Gateway)
		s.conflict(ctx, provider, cb, p.ID, "callback provider does not match payment gateway")
		return ResultConflict
	}
	if !cb.Status.Final() {
		log.Debug("non-final callback ignored")
		return ResultIgnored
	}
	if p.Status != payment.StatusPending {
		return s.replayed(ctx, provider, cb, p)
	}

	_, _, err = s.billing.ApplyOutcome(ctx, p, billing.Outcome{
		Status:           cb.Status,
		GatewayReference: cb.GatewayReference,
		Amount:           cb.Amount,
		Raw:              cb.Raw,
		Source:           "webhook",
	})
	switch {
	case err == nil:
		return ResultApplied
	case errors.Is(err, payment.ErrTransitionConflict):
		// A concurrent delivery or poll got there first.
		current, gerr := s.payments.Get(ctx, p.ID)
		if gerr != nil {
			log.Warn("transition lost a race", "err", err)
			return ResultDuplicate
		}
		return s.replayed(ctx, provider, cb, current)
	default:
		log.Error("apply payment callback failed", "err", err)
		return ResultError
	}
}

// replayed handles a final callback for a payment that is no longer pending.
// An agreeing status is a plain replay; a disagreeing one is audited.
func (s *Service) replayed(ctx context.Context, provider string, cb gateway.Callback, p payment.Payment) Result {
	agrees := (cb.Status == gateway.StatusSucceeded && (p.Status == payment.StatusCompleted || p.Status == payment.StatusRefunded)) ||
		(cb.Status == gateway.StatusFailed && p.Status == payment.StatusFailed)
	if agrees {
		logger.From(ctx).Info("duplicate callback ignored", "payment_id", p.ID, "status", p.Status)
		return ResultDuplicate
	}
	logger.From(ctx).Warn("callback contradicts settled payment", "payment_id", p.ID, "status", p.Status)
	s.conflict(ctx, provider, cb, p.ID, fmt.Sprintf("callback %s but payment is %s", cb.Status, p.Status))
	return ResultConflict
}

func (s *Service) applyWithdrawal(ctx context.Context, provider string, cb gateway.Callback) Result {
	log := logger.From(ctx)
	if !cb.Status.Final() {
		return ResultIgnored
	}

	to := wallet.StatusCompleted
	if cb.Status == gateway.StatusFailed {
		to = wallet.StatusFailed
	}
	t, err := s.withdrawals.UpdateWithdrawalStatus(ctx, cb.ExternalReference, to, cb.GatewayReference)
	switch {
	case err == nil:
		log.Info("withdrawal settled by callback", "transaction_id", t.ID, "status", t.Status)
		return ResultApplied
	case errors.Is(err, wallet.ErrNotPending):
		log.Info("duplicate withdrawal callback ignored")
		return ResultDuplicate
	case errors.Is(err, wallet.ErrNotFound):
		return s.unmatched(ctx, provider, cb)
	default:
		log.Error("apply withdrawal callback failed", "err", err)
		return ResultError
	}
}

func (s *Service) unmatched(ctx context.Context, provider string, cb gateway.Callback) Result {
	logger.From(ctx).Warn("callback reference not found")
	s.audit.Record(ctx, audit.Event{
		Type:      audit.EventWebhookUnmatched,
		Provider:  provider,
		Reference: cb.ExternalReference,
		Message:   string(cb.Status),
	})
	return ResultUnmatched
}

func (s *Service) conflict(ctx context.Context, provider string, cb gateway.Callback, paymentID, msg string) {
	s.audit.Record(ctx, audit.Event{
		Type:      audit.EventReconciliationConflict,
		PaymentID: paymentID,
		Provider:  provider,
		Reference: cb.ExternalReference,
		Message:   msg,
	})
}

func (s *Service) count(provider string, r Result) {
	metrics.Webhooks.WithLabelValues(provider, string(r)).Inc()
}

// PollPayments asks the gateway about payments still pending at olderThan.
// Each call takes the least recently checked batch, so rows the gateway keeps
// reporting as pending do not hold back the rest.
// It returns how many were moved to a final status.
func (s *Service) PollPayments(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	ps, err := s.payments.ClaimPollBatch(ctx, olderThan, limit)
	if err != nil {
		return 0, err
	}
	var settled int
	var errs []error
	for _, p := range ps {
		if ctx.Err() != nil {
			break
		}
		out, err := s.billing.PollPending(ctx, p)
		if err != nil {
			if !gateway.IsUnknownOutcome(err) {
				errs = append(errs, fmt.Errorf("payment %s: %w", p.ID, err))
			}
			continue
		}
		if out.Status != payment.StatusPending {
			settled++
		}
	}
	return settled, errors.Join(errs...)
}

// PollWithdrawals asks the gateway about withdrawals still pending at olderThan.
func (s *Service) PollWithdrawals(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	txs, err := s.withdrawals.ClaimPendingWithdrawals(ctx, olderThan, limit)
	if err != nil {
		return 0, err
	}
	var settled int
	var errs []error
	for _, t := range txs {
		if ctx.Err() != nil {
			break
		}
		gw, ok := s.gateways.Lookup(t.Gateway)
		if !ok {
			errs = append(errs, fmt.Errorf("withdrawal %s: %w: %q", t.ID, gateway.ErrUnknownProvider, t.Gateway))
			continue
		}
		st, err := gw.CheckStatus(ctx, gateway.KindDisbursement, t.Reference)
		if err != nil {
			if !gateway.IsUnknownOutcome(err) {
				errs = append(errs, fmt.Errorf("withdrawal %s: %w", t.ID, err))
			}
			continue
		}
		if !st.Status.Final() {
			continue
		}
		to := wallet.StatusCompleted
		if st.Status == gateway.StatusFailed {
			to = wallet.StatusFailed
		}
		ref := st.ProviderTransactionRef
		if ref == "" {
			ref = st.GatewayReference
		}
		_, err = s.withdrawals.UpdateWithdrawalStatus(ctx, t.Reference, to, ref)
		switch {
		case err == nil:
			settled++
		case errors.Is(err, wallet.ErrNotPending):
		default:
			errs = append(errs, fmt.Errorf("withdrawal %s: %w", t.ID, err))
		}
	}
	return settled, errors.Join(errs...)
}
