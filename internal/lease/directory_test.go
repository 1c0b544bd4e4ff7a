package lease

import (
	"context"
	"testing"
	"time"

	"rent-billing/internal/testutil/pgtest"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func sample(id string, end *time.Time) Lease {
	return Lease{
		ID:          id,
		LandlordID:  "landlord-1",
		TenantID:    "tenant-1",
		MonthlyRent: decimal.NewFromInt(900000),
		PaymentDay:  1,
		StartDate:   time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC),
		EndDate:     end,
		Status:      StatusActive,
	}
}

func exerciseDirectory(t *testing.T, d interface {
	Directory
	Upsert(context.Context, Lease) error
}) {
	ctx := context.Background()
	end := time.Date(2024, 4, 10, 0, 0, 0, 0, time.UTC)

	require.NoError(t, d.Upsert(ctx, sample("lease-a", &end)))
	require.NoError(t, d.Upsert(ctx, sample("lease-b", nil)))

	got, err := d.GetLease(ctx, "lease-a")
	require.NoError(t, err)
	require.True(t, got.MonthlyRent.Equal(decimal.NewFromInt(900000)))
	require.NotNil(t, got.EndDate)
	require.True(t, got.EndDate.Equal(end))

	_, err = d.GetLease(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	for _, who := range []string{"landlord-1", "tenant-1"} {
		ok, err := d.IsOwner(ctx, who, "lease-a")
		require.NoError(t, err)
		require.True(t, ok, who)
	}
	ok, err := d.IsOwner(ctx, "someone-else", "lease-a")
	require.NoError(t, err)
	require.False(t, ok)

	require.ErrorIs(t, CheckOwner(ctx, d, "someone-else", "lease-a"), ErrNotOwner)
	require.NoError(t, CheckOwner(ctx, d, "tenant-1", "lease-a"))

	open, err := d.ListOpenEnded(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, "lease-b", open[0].ID)
}

func TestMemoryDirectory(t *testing.T) {
	exerciseDirectory(t, NewMemoryDirectory())
}

func TestPostgresDirectory(t *testing.T) {
	exerciseDirectory(t, NewPostgresDirectory(pgtest.DB(t)))
}
