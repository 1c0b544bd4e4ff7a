package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"rent-billing/internal/audit"
	"rent-billing/internal/gateway"
	"rent-billing/internal/lease"
	"rent-billing/internal/metrics"
	"rent-billing/internal/payment"
	"rent-billing/internal/schedule"
	"rent-billing/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type InitiateRequest struct {
	LeaseID     string
	Amount      decimal.Decimal
	PhoneNumber string
	ScheduleID  *string
}

type ManualRequest struct {
	LeaseID     string
	Amount      decimal.Decimal
	Method      payment.Method
	PaidDate    *time.Time
	ScheduleID  *string
	Notes       string
	ActorUserID string
	ActorRole   string
}

// Outcome is a gateway verdict on a pending payment, from a callback or a poll.
type Outcome struct {
	Status           gateway.Status
	GatewayReference string
	Amount           decimal.Decimal
	Raw              []byte
	// Source labels metrics and logs: "webhook", "poll" or "refresh".
	Source string
}

// validateFor runs the amount rules for a new payment and returns its due date.
func (s *Service) validateFor(ctx context.Context, leaseID string, scheduleID *string, amount decimal.Decimal) (*time.Time, error) {
	if scheduleID != nil && *scheduleID != "" {
		e, err := s.ValidatePaymentWithSchedule(ctx, leaseID, *scheduleID, amount)
		if err != nil {
			return nil, err
		}
		due := e.DueDate
		return &due, nil
	}
	b, err := s.ValidatePayment(ctx, leaseID, amount)
	if err != nil {
		return nil, err
	}
	return b.DueDate, nil
}

// InitiatePayment validates the amount, persists a pending payment carrying a
// fresh external reference, then asks the active gateway to collect.
//
// A definite gateway rejection fails the payment and returns the gateway error
// together with the failed payment. An unknown outcome keeps it pending.
func (s *Service) InitiatePayment(ctx context.Context, req InitiateRequest) (payment.Payment, error) {
	l, err := s.leases.GetLease(ctx, req.LeaseID)
	if err != nil {
		return payment.Payment{}, err
	}
	if l.Status != lease.StatusActive {
		return payment.Payment{}, invalid("lease", "lease is not active")
	}
	if strings.TrimSpace(req.PhoneNumber) == "" {
		return payment.Payment{}, invalid("phone_number", "required")
	}
	due, err := s.validateFor(ctx, req.LeaseID, req.ScheduleID, req.Amount)
	if err != nil {
		return payment.Payment{}, err
	}

	gw := s.gateways.Active()
	p, err := s.payments.Create(ctx, payment.Payment{
		ID:            uuid.NewString(),
		LeaseID:       req.LeaseID,
		ScheduleID:    nonEmpty(req.ScheduleID),
		Amount:        req.Amount,
		DueDate:       due,
		Status:        payment.StatusPending,
		Method:        payment.MethodMobileMoney,
		Gateway:       gw.Name(),
		TransactionID: payment.NewTransactionID(),
		PhoneNumber:   req.PhoneNumber,
	})
	if err != nil {
		return payment.Payment{}, fmt.Errorf("create payment: %w", err)
	}
	log := logger.From(ctx).With("payment_id", p.ID, "reference", p.TransactionID, "gateway", gw.Name())

	res, err := gw.Deposit(ctx, gateway.DepositRequest{
		ExternalReference: p.TransactionID,
		PhoneNumber:       req.PhoneNumber,
		Amount:            req.Amount,
		Currency:          s.cfg.Currency,
		Narrative:         "Rent payment " + p.TransactionID,
	})
	switch {
	case err == nil:
		if err := s.payments.RecordGatewayResponse(ctx, p.ID, res.GatewayReference, res.Raw); err != nil {
			log.Warn("store gateway response failed", "err", err)
		}
		p.GatewayReference = res.GatewayReference
		p.RawResponse = res.Raw
		log.Info("payment initiated", "gateway_status", res.Status)
		return p, nil

	case gateway.IsUnknownOutcome(err):
		log.Warn("deposit outcome unknown; payment left pending", "err", err)
		return p, nil

	default:
		failed, terr := s.payments.Transition(logger.Detach(ctx), p.ID, payment.StatusPending, payment.StatusFailed,
			payment.Patch{Notes: "gateway rejected: " + err.Error()})
		if terr != nil {
			log.Error("marking rejected payment failed", "err", terr)
			return p, errors.Join(err, terr)
		}
		metrics.PaymentTransitions.WithLabelValues(string(payment.StatusFailed), "initiation").Inc()
		log.Warn("deposit rejected by gateway", "err", err)
		return failed, err
	}
}

// RegisterManualPayment records a cash or bank payment as completed and links
// it to the schedule. The landlord already holds these funds, so the wallet is
// not credited.
func (s *Service) RegisterManualPayment(ctx context.Context, req ManualRequest) (payment.Payment, error) {
	if !req.Method.Manual() {
		return payment.Payment{}, invalid("method", "must be cash or bank_transfer")
	}
	if _, err := s.leases.GetLease(ctx, req.LeaseID); err != nil {
		return payment.Payment{}, err
	}
	due, err := s.validateFor(ctx, req.LeaseID, req.ScheduleID, req.Amount)
	if err != nil {
		return payment.Payment{}, err
	}

	now := s.now()
	paid := now
	if req.PaidDate != nil {
		if req.PaidDate.After(now) {
			return payment.Payment{}, invalid("paid_date", "cannot be in the future")
		}
		paid = req.PaidDate.UTC()
	}

	p, err := s.payments.Create(ctx, payment.Payment{
		ID:            uuid.NewString(),
		LeaseID:       req.LeaseID,
		ScheduleID:    nonEmpty(req.ScheduleID),
		Amount:        req.Amount,
		DueDate:       due,
		PaidDate:      &paid,
		Status:        payment.StatusCompleted,
		Method:        req.Method,
		TransactionID: payment.NewTransactionID(),
		Notes:         req.Notes,
	})
	if err != nil {
		return payment.Payment{}, fmt.Errorf("create payment: %w", err)
	}
	metrics.PaymentTransitions.WithLabelValues(string(payment.StatusCompleted), "manual").Inc()

	s.audit.Record(ctx, audit.Event{
		Type:        audit.EventManualPayment,
		ActorUserID: req.ActorUserID,
		ActorRole:   req.ActorRole,
		LeaseID:     p.LeaseID,
		PaymentID:   p.ID,
		Reference:   p.TransactionID,
		Message:     string(p.Method),
		Metadata:    audit.Meta(map[string]any{"amount": p.Amount.String()}),
	})

	if err := s.SettleCompleted(ctx, p); err != nil {
		return p, err
	}
	return s.payments.Get(ctx, p.ID)
}

// RefundPayment marks a completed payment refunded. Whether the linked
// schedule entry should reopen is undecided, so it stays paid and the refund
// is flagged for review.
func (s *Service) RefundPayment(ctx context.Context, paymentID, reason, actorUserID, actorRole string) (payment.Payment, error) {
	if strings.TrimSpace(reason) == "" {
		return payment.Payment{}, invalid("reason", "required")
	}
	p, err := s.payments.Transition(ctx, paymentID, payment.StatusCompleted, payment.StatusRefunded,
		payment.Patch{Notes: "refunded: " + reason})
	if err != nil {
		return payment.Payment{}, err
	}
	metrics.PaymentTransitions.WithLabelValues(string(payment.StatusRefunded), "refund").Inc()

	var scheduleID string
	if p.ScheduleID != nil {
		scheduleID = *p.ScheduleID
	}
	s.audit.Record(ctx, audit.Event{
		Type:        audit.EventRefundReview,
		ActorUserID: actorUserID,
		ActorRole:   actorRole,
		LeaseID:     p.LeaseID,
		PaymentID:   p.ID,
		Reference:   p.TransactionID,
		Message:     reason,
		Metadata:    audit.Meta(map[string]any{"schedule_id": scheduleID, "amount": p.Amount.String()}),
	})
	logger.From(ctx).Warn("payment refunded; schedule entry left paid for review",
		"payment_id", p.ID, "schedule_id", scheduleID)
	return p, nil
}

// RefreshPayment polls the payment's gateway once and applies a final answer.
func (s *Service) RefreshPayment(ctx context.Context, paymentID string) (payment.Payment, error) {
	p, err := s.payments.Get(ctx, paymentID)
	if err != nil {
		return payment.Payment{}, err
	}
	if p.Status != payment.StatusPending || p.Gateway == "" {
		return p, nil
	}
	return s.poll(ctx, p, "refresh")
}

// PollPending is RefreshPayment for a payment already loaded by the worker.
func (s *Service) PollPending(ctx context.Context, p payment.Payment) (payment.Payment, error) {
	return s.poll(ctx, p, "poll")
}

func (s *Service) poll(ctx context.Context, p payment.Payment, source string) (payment.Payment, error) {
	gw, ok := s.gateways.Lookup(p.Gateway)
	if !ok {
		return p, fmt.Errorf("%w: %q", gateway.ErrUnknownProvider, p.Gateway)
	}
	st, err := gw.CheckStatus(ctx, gateway.KindCollection, p.TransactionID)
	if err != nil {
		return p, err
	}
	if !st.Status.Final() {
		return p, nil
	}
	out, _, err := s.ApplyOutcome(ctx, p, Outcome{
		Status:           st.Status,
		GatewayReference: firstNonEmpty(st.ProviderTransactionRef, st.GatewayReference),
		Amount:           st.Amount,
		Raw:              st.Raw,
		Source:           source,
	})
	if errors.Is(err, payment.ErrTransitionConflict) {
		return s.payments.Get(ctx, p.ID)
	}
	return out, err
}

// ApplyOutcome moves a pending payment to completed or failed with a
// conditional update. changed is false when another delivery got there
// first; err is then payment.ErrTransitionConflict.
//
// On success the payment is settled (schedule link and wallet deposit). A
// settlement failure is logged and left for the settle sweep: the completion
// itself is already durable.
func (s *Service) ApplyOutcome(ctx context.Context, p payment.Payment, o Outcome) (payment.Payment, bool, error) {
	log := logger.From(ctx).With("payment_id", p.ID, "reference", p.TransactionID, "source", o.Source)

	var to payment.Status
	switch o.Status {
	case gateway.StatusSucceeded:
		to = payment.StatusCompleted
	case gateway.StatusFailed:
		to = payment.StatusFailed
	default:
		return p, false, nil
	}

	if to == payment.StatusCompleted && o.Amount.IsPositive() && !o.Amount.Equal(p.Amount) {
		log.Warn("gateway amount differs from payment amount", "gateway_amount", o.Amount.String(), "amount", p.Amount.String())
		s.audit.Record(ctx, audit.Event{
			Type:      audit.EventReconciliationConflict,
			LeaseID:   p.LeaseID,
			PaymentID: p.ID,
			Provider:  p.Gateway,
			Reference: p.TransactionID,
			Message:   "amount mismatch",
			Metadata:  audit.Meta(map[string]any{"gateway_amount": o.Amount.String(), "amount": p.Amount.String()}),
		})
	}

	patch := payment.Patch{GatewayReference: o.GatewayReference, RawResponse: o.Raw}
	if to == payment.StatusCompleted {
		now := s.now()
		patch.PaidDate = &now
	}
	out, err := s.payments.Transition(ctx, p.ID, payment.StatusPending, to, patch)
	if err != nil {
		return p, false, err
	}
	metrics.PaymentTransitions.WithLabelValues(string(to), o.Source).Inc()
	log.Info("payment status updated", "status", to)

	if to == payment.StatusCompleted {
		if err := s.SettleCompleted(ctx, out); err != nil {
			log.Error("settlement failed; sweep will retry", "err", err)
		}
	}
	return out, true, nil
}

// LinkPaymentToSchedule marks scheduleID paid by paymentID. Repeating the call
// is a no-op; linking an entry paid by another payment is refused.
func (s *Service) LinkPaymentToSchedule(ctx context.Context, paymentID, scheduleID string) (schedule.Entry, error) {
	p, err := s.payments.Get(ctx, paymentID)
	if err != nil {
		return schedule.Entry{}, err
	}
	if p.ScheduleID != nil && *p.ScheduleID != scheduleID {
		return schedule.Entry{}, payment.ErrScheduleConflict
	}
	e, err := s.schedules.Get(ctx, scheduleID)
	if err != nil {
		return schedule.Entry{}, err
	}
	if e.LeaseID != p.LeaseID {
		return schedule.Entry{}, invalid("schedule_id", "does not belong to the payment's lease")
	}

	e, err = s.schedules.MarkPaid(ctx, scheduleID, paymentID)
	if err != nil {
		return schedule.Entry{}, err
	}
	if err := s.payments.SetSchedule(ctx, paymentID, scheduleID); err != nil {
		return schedule.Entry{}, err
	}
	return e, nil
}

// AutoMatch links a completed payment to its requested entry, or claims the
// oldest unpaid entry of the lease in one atomic step. ok is false when the
// schedule is fully paid.
func (s *Service) AutoMatch(ctx context.Context, p payment.Payment) (schedule.Entry, bool, error) {
	if p.ScheduleID != nil {
		e, err := s.LinkPaymentToSchedule(ctx, p.ID, *p.ScheduleID)
		if errors.Is(err, schedule.ErrAlreadyPaid) {
			// Another payment settled the requested entry first. This one is
			// kept as credit and flagged rather than moved to a different period.
			logger.From(ctx).Warn("requested schedule entry already paid",
				"payment_id", p.ID, "schedule_id", *p.ScheduleID)
			s.audit.Record(ctx, audit.Event{
				Type:      audit.EventReconciliationConflict,
				LeaseID:   p.LeaseID,
				PaymentID: p.ID,
				Reference: p.TransactionID,
				Message:   "schedule entry already paid",
				Metadata:  audit.Meta(map[string]any{"schedule_id": *p.ScheduleID}),
			})
			return schedule.Entry{}, false, nil
		}
		return e, err == nil, err
	}

	e, ok, err := s.schedules.ClaimOldestUnpaid(ctx, p.LeaseID, p.ID)
	if err != nil || !ok {
		return e, ok, err
	}
	if err := s.payments.SetSchedule(ctx, p.ID, e.ID); err != nil {
		return e, true, err
	}
	return e, true, nil
}

// SettleCompleted applies the effects of a completed payment: schedule
// matching, then the wallet deposit for gateway-collected payments. Both steps
// are idempotent, so the settle sweep may call it any number of times. Once
// both succeed the payment leaves the sweep.
func (s *Service) SettleCompleted(ctx context.Context, p payment.Payment) error {
	if p.Status != payment.StatusCompleted {
		return fmt.Errorf("%w: settle %s payment", payment.ErrInvalidTransition, p.Status)
	}
	log := logger.From(ctx).With("payment_id", p.ID, "lease_id", p.LeaseID)

	var errs []error
	e, ok, err := s.AutoMatch(ctx, p)
	switch {
	case err != nil:
		log.Warn("schedule matching failed", "err", err)
		errs = append(errs, fmt.Errorf("match schedule: %w", err))
	case !ok:
		log.Info("no unpaid schedule entry left; payment kept as credit")
	default:
		log.Debug("payment matched", "schedule_id", e.ID, "payment_number", e.PaymentNumber)
	}

	if p.Method == payment.MethodMobileMoney {
		l, err := s.leases.GetLease(ctx, p.LeaseID)
		if err != nil {
			return errors.Join(append(errs, fmt.Errorf("%w: payment %s has no lease: %v", ErrCorruptSchedule, p.ID, err))...)
		}
		if _, err := s.wallet.RecordDeposit(ctx, l.LandlordID, p.Amount, p.ID); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return s.payments.MarkSettled(ctx, p.ID)
}

// SettleSweep re-runs settlement for payments completed since the given time
// that have not finished settling. Failing payments rotate to the back so a
// batch of them cannot hold back the rest.
func (s *Service) SettleSweep(ctx context.Context, since time.Time, limit int) (int, error) {
	ps, err := s.payments.ClaimSettleBatch(ctx, since, limit)
	if err != nil {
		return 0, err
	}
	var errs []error
	for _, p := range ps {
		if err := s.SettleCompleted(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("payment %s: %w", p.ID, err))
		}
	}
	return len(ps), errors.Join(errs...)
}

func nonEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	v := *s
	return &v
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
