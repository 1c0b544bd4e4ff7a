package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"rent-billing/internal/audit"
	"rent-billing/internal/gateway"
	"rent-billing/internal/metrics"
	"rent-billing/pkg/logger"
	"rent-billing/pkg/utils"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Disburser is the part of a gateway the wallet needs to pay a landlord out.
type Disburser interface {
	Name() string
	Disburse(ctx context.Context, req gateway.DisburseRequest) (gateway.Result, error)
}

type Options struct {
	MinimumWithdrawal decimal.Decimal
	Currency          string

	// Redis, when set, caps each landlord at one in-flight withdrawal request.
	Redis    redis.Cmdable
	GuardTTL time.Duration

	Audit *audit.Service
}

// Service provides wallet operations.
//
// Money invariants:
//   - No balance change without a transaction row, both in one DB transaction.
//   - A completed payment credits the wallet at most once (keyed by payment id).
//   - A withdrawal is reserved before the gateway is called. The gateway call
//     sits outside any DB transaction: between Reserve and Settle the funds are
//     reserved but not confirmed sent, and a callback or poll resolves them.
type Service struct {
	repo Repository
	gw   Disburser
	opts Options
}

func NewService(repo Repository, gw Disburser, opts Options) *Service {
	if opts.GuardTTL <= 0 {
		opts.GuardTTL = 2 * time.Minute
	}
	return &Service{repo: repo, gw: gw, opts: opts}
}

// RecordDeposit credits a completed payment. Repeated calls for the same
// payment return the original transaction.
func (s *Service) RecordDeposit(ctx context.Context, landlordID string, amount decimal.Decimal, paymentID string) (Transaction, error) {
	if landlordID == "" || paymentID == "" || !amount.IsPositive() {
		return Transaction{}, ErrInvalidArgument
	}

	pid := paymentID
	t, created, err := s.repo.Credit(ctx, landlordID, s.opts.Currency, Transaction{
		ID:          uuid.NewString(),
		Type:        TypeDeposit,
		Amount:      amount,
		PaymentID:   &pid,
		Reference:   "DEP-" + paymentID,
		Description: "rent payment",
	})
	if err != nil {
		metrics.WalletOperations.WithLabelValues(string(TypeDeposit), "error").Inc()
		return Transaction{}, fmt.Errorf("record deposit: %w", err)
	}
	if created {
		metrics.WalletOperations.WithLabelValues(string(TypeDeposit), "created").Inc()
		logger.From(ctx).Info("wallet deposit recorded",
			"landlord_id", landlordID, "payment_id", paymentID, "amount", amount.String())
	} else {
		metrics.WalletOperations.WithLabelValues(string(TypeDeposit), "duplicate").Inc()
	}
	return t, nil
}

// Adjust credits a wallet outside the payment flow. IdempotencyKey doubles as
// the transaction reference, so retries return the original row.
func (s *Service) Adjust(ctx context.Context, landlordID string, req AdjustmentRequest) (Transaction, error) {
	if landlordID == "" || !req.Amount.IsPositive() {
		return Transaction{}, ErrInvalidArgument
	}
	if strings.TrimSpace(req.Reason) == "" || strings.TrimSpace(req.IdempotencyKey) == "" {
		return Transaction{}, ErrInvalidArgument
	}
	if req.ActorUserID == "" || req.ActorRole == "" {
		return Transaction{}, ErrInvalidArgument
	}

	t, created, err := s.repo.Credit(ctx, landlordID, s.opts.Currency, Transaction{
		ID:          uuid.NewString(),
		Type:        TypeAdjustment,
		Amount:      req.Amount,
		Reference:   "ADJ-" + req.IdempotencyKey,
		Description: req.Reason,
	})
	if err != nil {
		return Transaction{}, fmt.Errorf("adjust wallet: %w", err)
	}
	if created {
		metrics.WalletOperations.WithLabelValues(string(TypeAdjustment), "created").Inc()
		s.opts.Audit.Record(ctx, audit.Event{
			Type:        audit.EventWalletAdjustment,
			ActorUserID: req.ActorUserID,
			ActorRole:   req.ActorRole,
			WalletID:    t.WalletID,
			Reference:   t.Reference,
			Message:     req.Reason,
			Metadata:    audit.Meta(map[string]any{"amount": req.Amount.String()}),
		})
	}
	return t, nil
}

// RequestWithdrawal reserves funds and asks the gateway to disburse them.
//
// A definite gateway rejection is compensated immediately (funds restored,
// transaction failed) and the gateway error is returned with the failed row.
// An unknown outcome leaves the withdrawal pending for the callback or poller.
func (s *Service) RequestWithdrawal(ctx context.Context, landlordID string, req WithdrawalRequest) (Transaction, error) {
	if landlordID == "" || strings.TrimSpace(req.PhoneNumber) == "" {
		return Transaction{}, ErrInvalidArgument
	}
	if !req.Amount.IsPositive() || req.Amount.LessThan(s.opts.MinimumWithdrawal) {
		return Transaction{}, fmt.Errorf("%w: minimum withdrawal is %s", ErrInvalidArgument, s.opts.MinimumWithdrawal.StringFixed(2))
	}
	if s.gw == nil {
		return Transaction{}, errors.New("wallet: no gateway configured")
	}
	log := logger.From(ctx).With("landlord_id", landlordID)

	if s.opts.Redis != nil {
		slot, err := utils.AcquireSlot(ctx, s.opts.Redis, "wallet:withdrawal:"+landlordID, uuid.NewString(), s.opts.GuardTTL)
		if errors.Is(err, utils.ErrSlotTaken) {
			return Transaction{}, ErrWithdrawalInProgress
		}
		if err != nil {
			// The row lock still protects the balance; the guard only limits noise.
			log.Warn("withdrawal guard unavailable", "err", err)
		}
		defer func() {
			if err := slot.Release(logger.Detach(ctx)); err != nil {
				log.Warn("withdrawal guard release failed", "err", err)
			}
		}()
	}

	desc := req.Description
	if desc == "" {
		desc = "landlord withdrawal"
	}
	reserved, err := s.repo.Reserve(ctx, landlordID, s.opts.Currency, Transaction{
		ID:                 uuid.NewString(),
		Amount:             req.Amount,
		DestinationType:    DestinationMobileMoney,
		DestinationDetails: req.PhoneNumber,
		Reference:          NewWithdrawalReference(),
		Gateway:            s.gw.Name(),
		Description:        desc,
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			metrics.WalletOperations.WithLabelValues(string(TypeWithdrawal), "insufficient").Inc()
			return Transaction{}, err
		}
		return Transaction{}, fmt.Errorf("reserve withdrawal: %w", err)
	}
	log = log.With("transaction_id", reserved.ID, "reference", reserved.Reference)

	res, err := s.gw.Disburse(ctx, gateway.DisburseRequest{
		ExternalReference: reserved.Reference,
		PhoneNumber:       req.PhoneNumber,
		Amount:            req.Amount,
		Currency:          s.opts.Currency,
		Narrative:         desc,
	})
	switch {
	case err == nil:
		if err := s.repo.SetGatewayReference(ctx, reserved.ID, res.GatewayReference); err != nil {
			log.Warn("store gateway reference failed", "err", err)
		}
		reserved.GatewayReference = res.GatewayReference
		metrics.WalletOperations.WithLabelValues(string(TypeWithdrawal), "initiated").Inc()
		log.Info("withdrawal initiated", "gateway", s.gw.Name(), "gateway_status", res.Status)
		return reserved, nil

	case gateway.IsUnknownOutcome(err):
		metrics.WalletOperations.WithLabelValues(string(TypeWithdrawal), "unknown").Inc()
		log.Warn("withdrawal outcome unknown; left pending", "err", err)
		return reserved, nil

	default:
		// The request never left or was refused: give the money back.
		failed, cerr := s.repo.Settle(logger.Detach(ctx), reserved.ID, StatusFailed, "")
		if cerr != nil {
			log.Error("withdrawal compensation failed", "err", cerr, "gateway_err", err)
			return reserved, errors.Join(err, fmt.Errorf("compensate withdrawal: %w", cerr))
		}
		metrics.WalletOperations.WithLabelValues(string(TypeWithdrawal), "compensated").Inc()
		log.Warn("withdrawal rejected by gateway; reservation restored", "err", err)
		s.opts.Audit.Record(ctx, audit.Event{
			Type:      audit.EventWithdrawalCompensated,
			WalletID:  failed.WalletID,
			Provider:  s.gw.Name(),
			Reference: failed.Reference,
			Message:   err.Error(),
		})
		return failed, err
	}
}

// UpdateWithdrawalStatus settles a pending withdrawal found by our reference
// or the gateway's. It returns ErrNotPending when it was already settled.
func (s *Service) UpdateWithdrawalStatus(ctx context.Context, reference string, to TransactionStatus, gatewayReference string) (Transaction, error) {
	if reference == "" {
		return Transaction{}, ErrInvalidArgument
	}
	t, err := s.repo.FindWithdrawal(ctx, reference)
	if err != nil {
		return Transaction{}, err
	}
	out, err := s.repo.Settle(ctx, t.ID, to, gatewayReference)
	if err != nil {
		return Transaction{}, err
	}
	metrics.WalletOperations.WithLabelValues(string(TypeWithdrawal), string(to)).Inc()
	logger.From(ctx).Info("withdrawal settled",
		"transaction_id", out.ID, "reference", out.Reference, "status", out.Status)
	return out, nil
}

func (s *Service) GetOrCreate(ctx context.Context, landlordID string) (Wallet, error) {
	if landlordID == "" {
		return Wallet{}, ErrInvalidArgument
	}
	return s.repo.GetOrCreate(ctx, landlordID, s.opts.Currency)
}

func (s *Service) Summary(ctx context.Context, landlordID string) (Summary, error) {
	w, err := s.GetOrCreate(ctx, landlordID)
	if err != nil {
		return Summary{}, err
	}
	sum, n, err := s.repo.PendingWithdrawals(ctx, w.ID)
	if err != nil {
		return Summary{}, err
	}
	return Summary{Wallet: w, PendingWithdrawals: sum, PendingWithdrawalCount: n}, nil
}

func (s *Service) History(ctx context.Context, landlordID string, f HistoryFilter) ([]Transaction, error) {
	w, err := s.GetOrCreate(ctx, landlordID)
	if err != nil {
		return nil, err
	}
	return s.repo.History(ctx, w.ID, f)
}

// ClaimPendingWithdrawals hands the poller its next batch of withdrawals
// still pending at olderThan. Successive calls rotate through the backlog.
func (s *Service) ClaimPendingWithdrawals(ctx context.Context, olderThan time.Time, limit int) ([]Transaction, error) {
	return s.repo.ClaimPendingWithdrawals(ctx, olderThan, limit)
}
