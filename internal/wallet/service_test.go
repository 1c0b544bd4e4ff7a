package wallet

import (
	"context"
	"sync"
	"testing"
	"time"

	"rent-billing/internal/audit"
	"rent-billing/internal/gateway"
	"rent-billing/internal/gateway/gatewaytest"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	svc   *Service
	repo  *MemoryRepo
	gw    *gatewaytest.Fake
	audit *audit.MemoryRepo
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	repo := NewMemoryRepo()
	gw := gatewaytest.New("fake")
	auditRepo := audit.NewMemoryRepo()
	svc := NewService(repo, gw, Options{
		MinimumWithdrawal: d("10000"),
		Currency:          "UGX",
		Audit:             audit.NewService(auditRepo),
	})
	return fixture{svc: svc, repo: repo, gw: gw, audit: auditRepo}
}

func (f fixture) fund(t *testing.T, landlordID, amount, paymentID string) {
	t.Helper()
	_, err := f.svc.RecordDeposit(context.Background(), landlordID, d(amount), paymentID)
	require.NoError(t, err)
}

func (f fixture) wallet(t *testing.T, landlordID string) Wallet {
	t.Helper()
	w, err := f.repo.GetByLandlord(context.Background(), landlordID)
	require.NoError(t, err)
	return w
}

func TestRecordDeposit_IsIdempotentPerPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.RecordDeposit(ctx, "landlord-1", d("50000"), "pay-1")
	require.NoError(t, err)
	again, err := f.svc.RecordDeposit(ctx, "landlord-1", d("50000"), "pay-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	w := f.wallet(t, "landlord-1")
	assert.True(t, w.Balance.Equal(d("50000")), w.Balance.String())
	assert.True(t, w.TotalDeposited.Equal(d("50000")))
	assert.Equal(t, StatusCompleted, first.Status)
	assert.True(t, first.BalanceAfter.Equal(d("50000")))
}

func TestRecordDeposit_RejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.RecordDeposit(ctx, "", d("1"), "pay-1")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = f.svc.RecordDeposit(ctx, "l", d("0"), "pay-1")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = f.svc.RecordDeposit(ctx, "l", d("1"), "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRequestWithdrawal_ReservesAndDisburses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "landlord-1", "100000", "pay-1")

	tx, err := f.svc.RequestWithdrawal(ctx, "landlord-1", WithdrawalRequest{Amount: d("40000"), PhoneNumber: "256770000001"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, tx.Status)
	assert.True(t, IsWithdrawalReference(tx.Reference))
	assert.Equal(t, "gw-"+tx.Reference, tx.GatewayReference)
	assert.Equal(t, "fake", tx.Gateway)

	require.Len(t, f.gw.Disbursals, 1)
	assert.Equal(t, tx.Reference, f.gw.Disbursals[0].ExternalReference)
	assert.Equal(t, "UGX", f.gw.Disbursals[0].Currency)

	sum, err := f.svc.Summary(ctx, "landlord-1")
	require.NoError(t, err)
	assert.True(t, sum.Balance.Equal(d("60000")))
	assert.True(t, sum.PendingWithdrawals.Equal(d("40000")))
	assert.Equal(t, 1, sum.PendingWithdrawalCount)
	assert.True(t, sum.TotalWithdrawn.IsZero())
}

func TestRequestWithdrawal_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "landlord-1", "100000", "pay-1")

	_, err := f.svc.RequestWithdrawal(ctx, "landlord-1", WithdrawalRequest{Amount: d("5000"), PhoneNumber: "256"})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = f.svc.RequestWithdrawal(ctx, "landlord-1", WithdrawalRequest{Amount: d("20000")})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = f.svc.RequestWithdrawal(ctx, "landlord-1", WithdrawalRequest{Amount: d("100000.01"), PhoneNumber: "256"})
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	_, disbursals := f.gw.Calls()
	assert.Zero(t, disbursals)
	assert.True(t, f.wallet(t, "landlord-1").Balance.Equal(d("100000")))
}

func TestRequestWithdrawal_RejectionIsCompensated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "landlord-1", "100000", "pay-1")
	f.gw.DisburseErr = &gateway.Error{Provider: "fake", Op: "disburse", Code: "PAYEE_NOT_FOUND"}

	tx, err := f.svc.RequestWithdrawal(ctx, "landlord-1", WithdrawalRequest{Amount: d("40000"), PhoneNumber: "256"})
	require.Error(t, err)
	assert.True(t, gateway.IsRejected(err))
	assert.Equal(t, StatusFailed, tx.Status)

	w := f.wallet(t, "landlord-1")
	assert.True(t, w.Balance.Equal(d("100000")), w.Balance.String())
	assert.True(t, w.TotalWithdrawn.IsZero())

	evs := f.audit.OfType(audit.EventWithdrawalCompensated)
	require.Len(t, evs, 1)
	assert.Equal(t, tx.Reference, evs[0].Reference)
}

func TestRequestWithdrawal_UnknownOutcomeStaysPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "landlord-1", "100000", "pay-1")
	f.gw.DisburseErr = &gateway.Error{Provider: "fake", Op: "disburse", Code: "transport", Unknown: true}

	tx, err := f.svc.RequestWithdrawal(ctx, "landlord-1", WithdrawalRequest{Amount: d("40000"), PhoneNumber: "256"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, tx.Status)
	assert.True(t, f.wallet(t, "landlord-1").Balance.Equal(d("60000")))

	pending, err := f.svc.ClaimPendingWithdrawals(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, tx.ID, pending[0].ID)
}

func TestUpdateWithdrawalStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "landlord-1", "100000", "pay-1")

	done, err := f.svc.RequestWithdrawal(ctx, "landlord-1", WithdrawalRequest{Amount: d("30000"), PhoneNumber: "256"})
	require.NoError(t, err)
	failed, err := f.svc.RequestWithdrawal(ctx, "landlord-1", WithdrawalRequest{Amount: d("20000"), PhoneNumber: "256"})
	require.NoError(t, err)

	out, err := f.svc.UpdateWithdrawalStatus(ctx, done.Reference, StatusCompleted, "")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)

	// Resolved through the gateway's reference.
	_, err = f.svc.UpdateWithdrawalStatus(ctx, failed.GatewayReference, StatusFailed, "")
	require.NoError(t, err)

	_, err = f.svc.UpdateWithdrawalStatus(ctx, done.Reference, StatusFailed, "")
	assert.ErrorIs(t, err, ErrNotPending)
	_, err = f.svc.UpdateWithdrawalStatus(ctx, "WDR-missing", StatusCompleted, "")
	assert.ErrorIs(t, err, ErrNotFound)

	w := f.wallet(t, "landlord-1")
	assert.True(t, w.Balance.Equal(d("70000")), w.Balance.String())
	assert.True(t, w.TotalWithdrawn.Equal(d("30000")))
	// balance = deposited - withdrawn - pending
	assert.True(t, w.Balance.Equal(w.TotalDeposited.Sub(w.TotalWithdrawn)))
}

func TestRequestWithdrawal_ConcurrentNeverOverdraws(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "landlord-1", "100000", "pay-1")

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, insufficient int
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.RequestWithdrawal(ctx, "landlord-1", WithdrawalRequest{Amount: d("30000"), PhoneNumber: "256"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case assert.ErrorIs(t, err, ErrInsufficientBalance):
				insufficient++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, ok)
	assert.Equal(t, 17, insufficient)
	w := f.wallet(t, "landlord-1")
	assert.True(t, w.Balance.Equal(d("10000")), w.Balance.String())
	assert.False(t, w.Balance.IsNegative())
}

func TestAdjust(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := AdjustmentRequest{
		Amount:         d("2500"),
		Reason:         "goodwill credit",
		IdempotencyKey: "ticket-42",
		ActorUserID:    "admin-1",
		ActorRole:      "admin",
	}
	first, err := f.svc.Adjust(ctx, "landlord-1", req)
	require.NoError(t, err)
	again, err := f.svc.Adjust(ctx, "landlord-1", req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, TypeAdjustment, first.Type)

	w := f.wallet(t, "landlord-1")
	assert.True(t, w.Balance.Equal(d("2500")))
	assert.True(t, w.TotalDeposited.IsZero())
	assert.Len(t, f.audit.OfType(audit.EventWalletAdjustment), 1)

	_, err = f.svc.Adjust(ctx, "landlord-1", AdjustmentRequest{Amount: d("1"), Reason: "x", IdempotencyKey: "k"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestHistory_Filters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "landlord-1", "60000", "pay-1")
	f.fund(t, "landlord-1", "40000", "pay-2")
	f.fund(t, "landlord-2", "99999", "pay-3")
	_, err := f.svc.RequestWithdrawal(ctx, "landlord-1", WithdrawalRequest{Amount: d("15000"), PhoneNumber: "256"})
	require.NoError(t, err)

	all, err := f.svc.History(ctx, "landlord-1", HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, TypeWithdrawal, all[0].Type)

	deposits, err := f.svc.History(ctx, "landlord-1", HistoryFilter{Type: TypeDeposit})
	require.NoError(t, err)
	assert.Len(t, deposits, 2)

	pending, err := f.svc.History(ctx, "landlord-1", HistoryFilter{Status: StatusPending})
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	page, err := f.svc.History(ctx, "landlord-1", HistoryFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, all[1].ID, page[0].ID)

	empty, err := f.svc.History(ctx, "landlord-1", HistoryFilter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, empty)
}
