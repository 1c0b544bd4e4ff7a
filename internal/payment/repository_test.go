package payment

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"rent-billing/internal/testutil/pgtest"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPending(leaseID string) Payment {
	return Payment{
		ID:            uuid.NewString(),
		LeaseID:       leaseID,
		Amount:        decimal.NewFromInt(50000),
		Status:        StatusPending,
		Method:        MethodMobileMoney,
		Gateway:       "momo",
		TransactionID: NewTransactionID(),
		PhoneNumber:   "256770000001",
	}
}

func exerciseRepository(t *testing.T, repo Repository) {
	ctx := context.Background()

	p, err := repo.Create(ctx, newPending("lease-1"))
	require.NoError(t, err)

	dup := newPending("lease-1")
	dup.TransactionID = p.TransactionID
	_, err = repo.Create(ctx, dup)
	require.ErrorIs(t, err, ErrDuplicateReference)

	got, err := repo.GetByTransactionID(ctx, p.TransactionID)
	require.NoError(t, err)
	require.Equal(t, p.ID, got.ID)

	_, err = repo.Get(ctx, "nope")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repo.RecordGatewayResponse(ctx, p.ID, "gw-1", []byte(`{"status":"PENDING"}`)))

	pending, err := repo.ClaimPollBatch(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "gw-1", pending[0].GatewayReference)

	_, err = repo.Transition(ctx, p.ID, StatusPending, StatusRefunded, Patch{})
	require.ErrorIs(t, err, ErrInvalidTransition)

	paid := time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)
	done, err := repo.Transition(ctx, p.ID, StatusPending, StatusCompleted, Patch{PaidDate: &paid})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.PaidDate)
	require.True(t, done.PaidDate.Equal(paid))
	require.Equal(t, "gw-1", done.GatewayReference)

	_, err = repo.Transition(ctx, p.ID, StatusPending, StatusFailed, Patch{})
	require.ErrorIs(t, err, ErrTransitionConflict)

	completed, err := repo.ClaimSettleBatch(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, completed, 1)

	require.NoError(t, repo.SetSchedule(ctx, p.ID, "entry-1"))
	require.NoError(t, repo.SetSchedule(ctx, p.ID, "entry-1"))
	require.ErrorIs(t, repo.SetSchedule(ctx, p.ID, "entry-2"), ErrScheduleConflict)

	list, err := repo.ListByLease(ctx, "lease-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "entry-1", *list[0].ScheduleID)
}

func exerciseConcurrentTransition(t *testing.T, repo Repository) {
	ctx := context.Background()
	p, err := repo.Create(ctx, newPending("lease-1"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.Transition(ctx, p.ID, StatusPending, StatusCompleted, Patch{}); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else {
				require.ErrorIs(t, err, ErrTransitionConflict)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
}

// clockedRepo is a Repository whose time source the test drives.
type clockedRepo interface {
	Repository
	SetClock(func() time.Time)
}

// tickingClock advances a second per reading so every write gets its own
// timestamp.
func tickingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

var claimCutoff = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

// exerciseUpdatedAt pins which writes move updated_at. The settle sweep keys
// on it, so a write that changes nothing must leave it alone.
func exerciseUpdatedAt(t *testing.T, repo clockedRepo) {
	ctx := context.Background()
	repo.SetClock(tickingClock())
	get := func(id string) Payment {
		t.Helper()
		p, err := repo.Get(ctx, id)
		require.NoError(t, err)
		return p
	}

	p, err := repo.Create(ctx, newPending("lease-1"))
	require.NoError(t, err)
	require.True(t, p.UpdatedAt.Equal(p.CreatedAt))

	require.NoError(t, repo.RecordGatewayResponse(ctx, p.ID, "gw-1", nil))
	recorded := get(p.ID)
	assert.True(t, recorded.UpdatedAt.After(p.UpdatedAt), "gateway response bumps updated_at")

	require.NoError(t, repo.SetSchedule(ctx, p.ID, "entry-1"))
	linked := get(p.ID)
	assert.True(t, linked.UpdatedAt.After(recorded.UpdatedAt), "a new link bumps updated_at")

	require.NoError(t, repo.SetSchedule(ctx, p.ID, "entry-1"))
	assert.True(t, get(p.ID).UpdatedAt.Equal(linked.UpdatedAt), "an unchanged link writes nothing")
	require.ErrorIs(t, repo.SetSchedule(ctx, p.ID, "entry-2"), ErrScheduleConflict)
	assert.True(t, get(p.ID).UpdatedAt.Equal(linked.UpdatedAt))

	batch, err := repo.ClaimPollBatch(ctx, claimCutoff, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.True(t, get(p.ID).UpdatedAt.Equal(linked.UpdatedAt), "claiming is not an update")

	done, err := repo.Transition(ctx, p.ID, StatusPending, StatusCompleted, Patch{})
	require.NoError(t, err)
	assert.True(t, done.UpdatedAt.After(linked.UpdatedAt))

	unsettled, err := repo.ClaimSettleBatch(ctx, done.UpdatedAt, 10)
	require.NoError(t, err)
	require.Len(t, unsettled, 1)
	assert.Equal(t, p.ID, unsettled[0].ID)

	require.NoError(t, repo.MarkSettled(ctx, p.ID))
	assert.True(t, get(p.ID).UpdatedAt.Equal(done.UpdatedAt), "settling is not an update")
	unsettled, err = repo.ClaimSettleBatch(ctx, done.UpdatedAt, 10)
	require.NoError(t, err)
	assert.Empty(t, unsettled)

	// Re-linking the settled payment to its own entry keeps it out of the sweep.
	require.NoError(t, repo.SetSchedule(ctx, p.ID, "entry-1"))
	unsettled, err = repo.ClaimSettleBatch(ctx, done.UpdatedAt, 10)
	require.NoError(t, err)
	assert.Empty(t, unsettled)
}

// exerciseClaimRotation keeps more stuck payments than one batch holds and
// checks that each is handed out within two claims.
func exerciseClaimRotation(t *testing.T, repo clockedRepo) {
	ctx := context.Background()
	repo.SetClock(tickingClock())

	var ids []string
	for i := 0; i < 3; i++ {
		p, err := repo.Create(ctx, newPending("lease-1"))
		require.NoError(t, err)
		ids = append(ids, p.ID)
	}
	claimIDs := func() []string {
		t.Helper()
		batch, err := repo.ClaimPollBatch(ctx, claimCutoff, 2)
		require.NoError(t, err)
		require.Len(t, batch, 2)
		return []string{batch[0].ID, batch[1].ID}
	}

	assert.Equal(t, ids[:2], claimIDs(), "never-checked rows go oldest first")
	assert.Equal(t, []string{ids[0], ids[2]}, claimIDs(), "the unchecked row comes before rechecks")
	assert.Equal(t, []string{ids[0], ids[1]}, claimIDs())
}

func TestMemoryRepo(t *testing.T) {
	exerciseRepository(t, NewMemoryRepo())
	exerciseConcurrentTransition(t, NewMemoryRepo())
	exerciseUpdatedAt(t, NewMemoryRepo())
	exerciseClaimRotation(t, NewMemoryRepo())
}

func seedLease(t *testing.T, db *sql.DB, id string) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO leases (id, landlord_id, tenant_id, monthly_rent, payment_day, start_date)
VALUES ($1, 'landlord-1', 'tenant-1', 900000, 1, '2024-01-10')`, id)
	require.NoError(t, err)
}

func TestPostgresRepo(t *testing.T) {
	db := pgtest.DB(t)
	seedLease(t, db, "lease-1")
	exerciseRepository(t, NewPostgresRepo(db))

	pgtest.Truncate(t, db)
	seedLease(t, db, "lease-1")
	exerciseConcurrentTransition(t, NewPostgresRepo(db))

	pgtest.Truncate(t, db)
	seedLease(t, db, "lease-1")
	exerciseUpdatedAt(t, NewPostgresRepo(db))

	pgtest.Truncate(t, db)
	seedLease(t, db, "lease-1")
	exerciseClaimRotation(t, NewPostgresRepo(db))
}
