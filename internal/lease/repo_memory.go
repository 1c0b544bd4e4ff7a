package lease

import (
	"context"
	"sort"
	"sync"
)

// MemoryDirectory is an in-memory Directory for tests.
type MemoryDirectory struct {
	mu     sync.RWMutex
	leases map[string]Lease
}

func NewMemoryDirectory(leases ...Lease) *MemoryDirectory {
	d := &MemoryDirectory{leases: map[string]Lease{}}
	for _, l := range leases {
		d.leases[l.ID] = l
	}
	return d
}

func (d *MemoryDirectory) Upsert(ctx context.Context, l Lease) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.leases[l.ID] = l
	return nil
}

func (d *MemoryDirectory) GetLease(ctx context.Context, leaseID string) (Lease, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	l, ok := d.leases[leaseID]
	if !ok {
		return Lease{}, ErrNotFound
	}
	return l, nil
}

func (d *MemoryDirectory) IsOwner(ctx context.Context, principalID, leaseID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	l, ok := d.leases[leaseID]
	if !ok {
		return false, nil
	}
	return principalID != "" && (l.LandlordID == principalID || l.TenantID == principalID), nil
}

func (d *MemoryDirectory) ListOpenEnded(ctx context.Context) ([]Lease, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []Lease
	for _, l := range d.leases {
		if l.OpenEnded() && l.Status == StatusActive {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
