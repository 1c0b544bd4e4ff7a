package schedule

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepo is an in-memory Repository for tests. It honors the same
// conditional-update rules as PostgresRepo.
type MemoryRepo struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{entries: map[string]Entry{}}
}

func (r *MemoryRepo) ListByLease(ctx context.Context, leaseID string) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byLease(leaseID), nil
}

func (r *MemoryRepo) byLease(leaseID string) []Entry {
	var out []Entry
	for _, e := range r.entries {
		if e.LeaseID == leaseID {
			out = append(out, copyEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaymentNumber < out[j].PaymentNumber })
	return out
}

func (r *MemoryRepo) Get(ctx context.Context, id string) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return copyEntry(e), nil
}

func (r *MemoryRepo) FindByPayment(ctx context.Context, paymentID string) (Entry, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findByPayment(paymentID)
}

func (r *MemoryRepo) findByPayment(paymentID string) (Entry, bool, error) {
	for _, e := range r.entries {
		if e.PaidPaymentID != nil && *e.PaidPaymentID == paymentID {
			return copyEntry(e), true, nil
		}
	}
	return Entry{}, false, nil
}

func (r *MemoryRepo) Replace(ctx context.Context, leaseID string, entries []Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.byLease(leaseID) {
		if e.IsPaid {
			return ErrScheduleHasPayments
		}
	}
	for id, e := range r.entries {
		if e.LeaseID == leaseID {
			delete(r.entries, id)
		}
	}
	for _, e := range entries {
		r.entries[e.ID] = copyEntry(e)
	}
	return nil
}

func (r *MemoryRepo) AppendMissing(ctx context.Context, leaseID string, entries []Entry) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	have := map[int]bool{}
	for _, e := range r.byLease(leaseID) {
		have[e.PaymentNumber] = true
	}
	n := 0
	for _, e := range entries {
		if have[e.PaymentNumber] {
			continue
		}
		r.entries[e.ID] = copyEntry(e)
		have[e.PaymentNumber] = true
		n++
	}
	return n, nil
}

func (r *MemoryRepo) MarkPaid(ctx context.Context, scheduleID, paymentID string) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[scheduleID]
	if !ok {
		return Entry{}, ErrNotFound
	}
	if e.IsPaid {
		if e.PaidPaymentID != nil && *e.PaidPaymentID == paymentID {
			return copyEntry(e), nil
		}
		return Entry{}, ErrAlreadyPaid
	}
	e.IsPaid = true
	e.PaidPaymentID = &paymentID
	r.entries[scheduleID] = e
	return copyEntry(e), nil
}

func (r *MemoryRepo) ClaimOldestUnpaid(ctx context.Context, leaseID, paymentID string) (Entry, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok, _ := r.findByPayment(paymentID); ok {
		return e, true, nil
	}
	for _, e := range r.byLease(leaseID) {
		if e.IsPaid {
			continue
		}
		e.IsPaid = true
		e.PaidPaymentID = &paymentID
		r.entries[e.ID] = e
		return copyEntry(e), true, nil
	}
	return Entry{}, false, nil
}

func copyEntry(e Entry) Entry {
	if e.PaidPaymentID != nil {
		id := *e.PaidPaymentID
		e.PaidPaymentID = &id
	}
	return e
}
