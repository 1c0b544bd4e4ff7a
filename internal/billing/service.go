// Package billing turns lease terms into schedules, computes balances and
// carries tenant payments from initiation to a settled schedule entry and
// wallet deposit.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rent-billing/internal/audit"
	"rent-billing/internal/gateway"
	"rent-billing/internal/lease"
	"rent-billing/internal/payment"
	"rent-billing/internal/schedule"
	"rent-billing/internal/wallet"
	"rent-billing/pkg/logger"

	"github.com/shopspring/decimal"
)

// Depositor credits a landlord for a completed payment, once per payment.
type Depositor interface {
	RecordDeposit(ctx context.Context, landlordID string, amount decimal.Decimal, paymentID string) (wallet.Transaction, error)
}

// Gateways resolves the gateway for new payments and for existing ones.
type Gateways interface {
	Active() gateway.Gateway
	Lookup(name string) (gateway.Gateway, bool)
}

type Config struct {
	MinimumPayment decimal.Decimal
	GraceDays      int
	HorizonMonths  int
	Currency       string
}

type Deps struct {
	Leases    lease.Directory
	Schedules schedule.Repository
	Payments  payment.Repository
	Wallet    Depositor
	Gateways  Gateways
	Audit     *audit.Service
}

type Service struct {
	leases    lease.Directory
	schedules schedule.Repository
	payments  payment.Repository
	wallet    Depositor
	gateways  Gateways
	audit     *audit.Service
	cfg       Config
	clock     func() time.Time
}

func NewService(deps Deps, cfg Config) *Service {
	if cfg.GraceDays < 0 {
		cfg.GraceDays = 0
	}
	return &Service{
		leases:    deps.Leases,
		schedules: deps.Schedules,
		payments:  deps.Payments,
		wallet:    deps.Wallet,
		gateways:  deps.Gateways,
		audit:     deps.Audit,
		cfg:       cfg,
		clock:     time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (s *Service) SetClock(clock func() time.Time) { s.clock = clock }

func (s *Service) now() time.Time { return s.clock().UTC() }

func termsOf(l lease.Lease) schedule.Terms {
	return schedule.Terms{
		LeaseID:     l.ID,
		MonthlyRent: l.MonthlyRent,
		PaymentDay:  l.PaymentDay,
		StartDate:   l.StartDate,
		EndDate:     l.EndDate,
	}
}

// ActivateLeaseSchedule generates and stores the schedule of a lease. An
// existing schedule is returned untouched unless regenerate is set; then it is
// replaced atomically, which is refused once any entry is paid.
func (s *Service) ActivateLeaseSchedule(ctx context.Context, leaseID string, regenerate bool) ([]schedule.Entry, error) {
	l, err := s.leases.GetLease(ctx, leaseID)
	if err != nil {
		return nil, err
	}
	if l.Status != lease.StatusActive && l.Status != lease.StatusDraft {
		return nil, invalid("lease", fmt.Sprintf("cannot bill a %s lease", l.Status))
	}

	existing, err := s.schedules.ListByLease(ctx, leaseID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 && !regenerate {
		return existing, nil
	}

	entries, err := schedule.Generate(termsOf(l), schedule.Options{HorizonMonths: s.cfg.HorizonMonths, AsOf: s.now()})
	if err != nil {
		if errors.Is(err, schedule.ErrInvalidTerms) {
			return nil, invalid("lease", err.Error())
		}
		return nil, err
	}
	if err := s.schedules.Replace(ctx, leaseID, entries); err != nil {
		return nil, err
	}

	logger.From(ctx).Info("lease schedule generated",
		"lease_id", leaseID, "entries", len(entries), "regenerated", len(existing) > 0, "open_ended", l.OpenEnded())
	return entries, nil
}

func (s *Service) GetSchedule(ctx context.Context, leaseID string) ([]schedule.Entry, error) {
	if _, err := s.leases.GetLease(ctx, leaseID); err != nil {
		return nil, err
	}
	return s.schedules.ListByLease(ctx, leaseID)
}

func (s *Service) GetBalance(ctx context.Context, leaseID string) (Balance, error) {
	l, err := s.leases.GetLease(ctx, leaseID)
	if err != nil {
		return Balance{}, err
	}
	entries, err := s.schedules.ListByLease(ctx, leaseID)
	if err != nil {
		return Balance{}, err
	}
	b, err := CalculateBalance(l, entries, s.now(), s.cfg.GraceDays)
	if err != nil {
		logger.From(ctx).Error("schedule failed integrity check", "lease_id", leaseID, "err", err)
		return Balance{}, err
	}
	return b, nil
}

// ValidatePayment checks a free amount against the lease balance.
func (s *Service) ValidatePayment(ctx context.Context, leaseID string, amount decimal.Decimal) (Balance, error) {
	b, err := s.GetBalance(ctx, leaseID)
	if err != nil {
		return Balance{}, err
	}
	return b, checkAmount(b, amount, s.cfg.MinimumPayment)
}

// ValidatePaymentWithSchedule checks an amount aimed at one schedule entry.
func (s *Service) ValidatePaymentWithSchedule(ctx context.Context, leaseID, scheduleID string, amount decimal.Decimal) (schedule.Entry, error) {
	e, err := s.schedules.Get(ctx, scheduleID)
	if errors.Is(err, schedule.ErrNotFound) {
		return schedule.Entry{}, invalid("schedule_id", "not found")
	}
	if err != nil {
		return schedule.Entry{}, err
	}
	return e, checkEntryAmount(leaseID, e, amount)
}

// ExtendOpenEndedSchedules rolls the horizon of every active open-ended lease
// forward, appending only payment numbers that do not exist yet.
func (s *Service) ExtendOpenEndedSchedules(ctx context.Context) (int, error) {
	leases, err := s.leases.ListOpenEnded(ctx)
	if err != nil {
		return 0, err
	}

	var added int
	var errs []error
	for _, l := range leases {
		entries, err := schedule.Generate(termsOf(l), schedule.Options{HorizonMonths: s.cfg.HorizonMonths, AsOf: s.now()})
		if err != nil {
			errs = append(errs, fmt.Errorf("lease %s: %w", l.ID, err))
			continue
		}
		n, err := s.schedules.AppendMissing(ctx, l.ID, entries)
		if err != nil {
			errs = append(errs, fmt.Errorf("lease %s: %w", l.ID, err))
			continue
		}
		if n > 0 {
			logger.From(ctx).Info("open-ended schedule extended", "lease_id", l.ID, "added", n)
		}
		added += n
	}
	return added, errors.Join(errs...)
}
