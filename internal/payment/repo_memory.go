package payment

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-memory Repository for tests.
type MemoryRepo struct {
	mu       sync.Mutex
	payments map[string]Payment
	clock    func() time.Time

	// checked orders claims the way last_checked_at does; 0 is never.
	checked  map[string]uint64
	checkSeq uint64
	settled  map[string]bool
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		payments: map[string]Payment{},
		clock:    time.Now,
		checked:  map[string]uint64{},
		settled:  map[string]bool{},
	}
}

func (r *MemoryRepo) Create(ctx context.Context, p Payment) (Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.payments {
		if existing.TransactionID == p.TransactionID {
			return Payment{}, fmt.Errorf("%w: %s", ErrDuplicateReference, p.TransactionID)
		}
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = r.clock().UTC()
	}
	p.UpdatedAt = p.CreatedAt
	r.payments[p.ID] = p
	return p, nil
}

func (r *MemoryRepo) Get(ctx context.Context, id string) (Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return Payment{}, ErrNotFound
	}
	return p, nil
}

func (r *MemoryRepo) GetByTransactionID(ctx context.Context, transactionID string) (Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.TransactionID == transactionID {
			return p, nil
		}
	}
	return Payment{}, ErrNotFound
}

func (r *MemoryRepo) filter(keep func(Payment) bool, less func(a, b Payment) bool, limit int) []Payment {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Payment
	for _, p := range r.payments {
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *MemoryRepo) ListByLease(ctx context.Context, leaseID string) ([]Payment, error) {
	return r.filter(
		func(p Payment) bool { return p.LeaseID == leaseID },
		func(a, b Payment) bool { return a.CreatedAt.After(b.CreatedAt) },
		0,
	), nil
}

func (r *MemoryRepo) ClaimPollBatch(ctx context.Context, olderThan time.Time, limit int) ([]Payment, error) {
	return r.claim(
		func(p Payment) bool {
			return p.Status == StatusPending && p.Gateway != "" && !p.CreatedAt.After(olderThan)
		},
		func(p Payment) time.Time { return p.CreatedAt },
		limit,
	), nil
}

func (r *MemoryRepo) ClaimSettleBatch(ctx context.Context, since time.Time, limit int) ([]Payment, error) {
	return r.claim(
		func(p Payment) bool {
			return p.Status == StatusCompleted && !r.settled[p.ID] && !p.UpdatedAt.Before(since)
		},
		func(p Payment) time.Time { return p.UpdatedAt },
		limit,
	), nil
}

func (r *MemoryRepo) claim(keep func(Payment) bool, tiebreak func(Payment) time.Time, limit int) []Payment {
	if limit <= 0 {
		limit = 100
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Payment
	for _, p := range r.payments {
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if ca, cb := r.checked[a.ID], r.checked[b.ID]; ca != cb {
			return ca < cb
		}
		if ta, tb := tiebreak(a), tiebreak(b); !ta.Equal(tb) {
			return ta.Before(tb)
		}
		return a.ID < b.ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	r.checkSeq++
	for _, p := range out {
		r.checked[p.ID] = r.checkSeq
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *MemoryRepo) MarkSettled(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.payments[id]; ok {
		r.settled[id] = true
	}
	return nil
}

func (r *MemoryRepo) Transition(ctx context.Context, id string, from, to Status, patch Patch) (Payment, error) {
	if !CanTransition(from, to) {
		return Payment{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.payments[id]
	if !ok {
		return Payment{}, ErrNotFound
	}
	if p.Status != from {
		return Payment{}, ErrTransitionConflict
	}
	p.Status = to
	if patch.PaidDate != nil {
		t := *patch.PaidDate
		p.PaidDate = &t
	}
	if patch.GatewayReference != "" {
		p.GatewayReference = patch.GatewayReference
	}
	if len(patch.RawResponse) > 0 {
		p.RawResponse = patch.RawResponse
	}
	if patch.Notes != "" {
		p.Notes = patch.Notes
	}
	p.UpdatedAt = r.clock().UTC()
	r.payments[id] = p
	return p, nil
}

func (r *MemoryRepo) SetSchedule(ctx context.Context, id, scheduleID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.payments[id]
	if !ok {
		return ErrNotFound
	}
	if p.ScheduleID != nil {
		if *p.ScheduleID != scheduleID {
			return ErrScheduleConflict
		}
		return nil
	}
	p.ScheduleID = &scheduleID
	p.UpdatedAt = r.clock().UTC()
	r.payments[id] = p
	return nil
}

func (r *MemoryRepo) RecordGatewayResponse(ctx context.Context, id, gatewayReference string, raw []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.payments[id]
	if !ok || p.Status != StatusPending {
		return nil
	}
	if gatewayReference != "" {
		p.GatewayReference = gatewayReference
	}
	if len(raw) > 0 {
		p.RawResponse = raw
	}
	p.UpdatedAt = r.clock().UTC()
	r.payments[id] = p
	return nil
}

// SetClock overrides the time source used for CreatedAt/UpdatedAt.
func (r *MemoryRepo) SetClock(clock func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = clock
}
