package wallet

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryRepo is an in-memory Repository for tests. One mutex stands in for
// the wallet row lock.
type MemoryRepo struct {
	mu      sync.Mutex
	wallets map[string]*Wallet // by landlord id
	txs     map[string]*Transaction
	order   []string
	clock   func() time.Time

	// checked orders poll claims the way last_checked_at does; 0 is never.
	checked  map[string]uint64
	checkSeq uint64
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		wallets: map[string]*Wallet{},
		txs:     map[string]*Transaction{},
		clock:   time.Now,
		checked: map[string]uint64{},
	}
}

func (r *MemoryRepo) SetClock(clock func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = clock
}

func (r *MemoryRepo) walletLocked(landlordID, currency string) *Wallet {
	w, ok := r.wallets[landlordID]
	if !ok {
		now := r.clock().UTC()
		w = &Wallet{
			ID:         uuid.NewString(),
			LandlordID: landlordID,
			Currency:   currency,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		r.wallets[landlordID] = w
	}
	return w
}

func (r *MemoryRepo) walletByIDLocked(id string) *Wallet {
	for _, w := range r.wallets {
		if w.ID == id {
			return w
		}
	}
	return nil
}

func (r *MemoryRepo) appendLocked(t Transaction) Transaction {
	now := r.clock().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	c := t
	r.txs[t.ID] = &c
	r.order = append(r.order, t.ID)
	return t
}

func (r *MemoryRepo) GetOrCreate(ctx context.Context, landlordID, currency string) (Wallet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.walletLocked(landlordID, currency), nil
}

func (r *MemoryRepo) GetByLandlord(ctx context.Context, landlordID string) (Wallet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.wallets[landlordID]
	if !ok {
		return Wallet{}, ErrNotFound
	}
	return *w, nil
}

func (r *MemoryRepo) Credit(ctx context.Context, landlordID, currency string, t Transaction) (Transaction, bool, error) {
	if t.Type != TypeDeposit && t.Type != TypeAdjustment {
		return Transaction{}, false, fmt.Errorf("%w: credit type %q", ErrInvalidArgument, t.Type)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.order {
		e := r.txs[id]
		if t.PaymentID != nil && e.PaymentID != nil && *e.PaymentID == *t.PaymentID {
			return *e, false, nil
		}
		if t.PaymentID == nil && e.Reference == t.Reference {
			return *e, false, nil
		}
	}

	w := r.walletLocked(landlordID, currency)
	w.Balance = w.Balance.Add(t.Amount)
	if t.Type == TypeDeposit {
		w.TotalDeposited = w.TotalDeposited.Add(t.Amount)
	}
	w.UpdatedAt = r.clock().UTC()

	t.WalletID = w.ID
	t.BalanceAfter = w.Balance
	t.Status = StatusCompleted
	return r.appendLocked(t), true, nil
}

func (r *MemoryRepo) Reserve(ctx context.Context, landlordID, currency string, t Transaction) (Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.walletLocked(landlordID, currency)
	if w.Balance.LessThan(t.Amount) {
		return Transaction{}, ErrInsufficientBalance
	}
	w.Balance = w.Balance.Sub(t.Amount)
	w.UpdatedAt = r.clock().UTC()

	t.WalletID = w.ID
	t.Type = TypeWithdrawal
	t.Status = StatusPending
	t.BalanceAfter = w.Balance
	return r.appendLocked(t), nil
}

func (r *MemoryRepo) Settle(ctx context.Context, transactionID string, to TransactionStatus, gatewayReference string) (Transaction, error) {
	if to != StatusCompleted && to != StatusFailed {
		return Transaction{}, fmt.Errorf("%w: settle to %q", ErrInvalidArgument, to)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.txs[transactionID]
	if !ok || t.Type != TypeWithdrawal {
		return Transaction{}, ErrNotFound
	}
	if t.Status != StatusPending {
		return Transaction{}, ErrNotPending
	}

	w := r.walletByIDLocked(t.WalletID)
	if w == nil {
		return Transaction{}, ErrNotFound
	}
	if to == StatusFailed {
		w.Balance = w.Balance.Add(t.Amount)
	} else {
		w.TotalWithdrawn = w.TotalWithdrawn.Add(t.Amount)
	}
	now := r.clock().UTC()
	w.UpdatedAt = now

	t.Status = to
	if t.GatewayReference == "" {
		t.GatewayReference = gatewayReference
	}
	t.UpdatedAt = now
	return *t, nil
}

func (r *MemoryRepo) SetGatewayReference(ctx context.Context, transactionID, gatewayReference string) error {
	if gatewayReference == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.txs[transactionID]; ok && t.GatewayReference == "" {
		t.GatewayReference = gatewayReference
		t.UpdatedAt = r.clock().UTC()
	}
	return nil
}

func (r *MemoryRepo) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.txs[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return *t, nil
}

func (r *MemoryRepo) FindWithdrawal(ctx context.Context, reference string) (Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var byGateway *Transaction
	for _, id := range r.order {
		t := r.txs[id]
		if t.Type != TypeWithdrawal {
			continue
		}
		if t.Reference == reference {
			return *t, nil
		}
		if byGateway == nil && t.GatewayReference == reference {
			byGateway = t
		}
	}
	if byGateway != nil {
		return *byGateway, nil
	}
	return Transaction{}, ErrNotFound
}

func (r *MemoryRepo) History(ctx context.Context, walletID string, f HistoryFilter) ([]Transaction, error) {
	f = f.normalized()
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Transaction
	for i := len(r.order) - 1; i >= 0; i-- {
		t := r.txs[r.order[i]]
		switch {
		case t.WalletID != walletID:
		case f.Type != "" && t.Type != f.Type:
		case f.Status != "" && t.Status != f.Status:
		case f.From != nil && t.CreatedAt.Before(*f.From):
		case f.To != nil && !t.CreatedAt.Before(*f.To):
		default:
			out = append(out, *t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *MemoryRepo) PendingWithdrawals(ctx context.Context, walletID string) (decimal.Decimal, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sum, n := decimal.Zero, 0
	for _, t := range r.txs {
		if t.WalletID == walletID && t.Type == TypeWithdrawal && t.Status == StatusPending {
			sum = sum.Add(t.Amount)
			n++
		}
	}
	return sum, n, nil
}

func (r *MemoryRepo) ClaimPendingWithdrawals(ctx context.Context, olderThan time.Time, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	// r.order is creation order, so a stable sort on checked keeps created_at
	// as the tiebreak.
	var out []Transaction
	for _, id := range r.order {
		t := r.txs[id]
		if t.Type == TypeWithdrawal && t.Status == StatusPending && t.Gateway != "" && !t.CreatedAt.After(olderThan) {
			out = append(out, *t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return r.checked[out[i].ID] < r.checked[out[j].ID] })
	if len(out) > limit {
		out = out[:limit]
	}
	r.checkSeq++
	for _, t := range out {
		r.checked[t.ID] = r.checkSeq
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
