package audit

import (
	"context"
	"testing"

	"rent-billing/internal/testutil/pgtest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresRepo_AppendAndList(t *testing.T) {
	db := pgtest.DB(t)
	svc := NewService(NewPostgresRepo(db))
	ctx := context.Background()

	require.NoError(t, svc.Append(ctx, Event{
		Type:      EventWithdrawalCompensated,
		WalletID:  "wallet-1",
		Provider:  "yopay",
		Reference: "WDR-1",
		Message:   "disbursement rejected",
		Metadata:  `{"code":"yo_-22"}`,
	}))
	require.NoError(t, svc.Append(ctx, Event{Type: EventManualPayment, PaymentID: "pay-1"}))

	evs, err := NewPostgresRepo(db).ListByType(ctx, EventWithdrawalCompensated, 10)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "WDR-1", evs[0].Reference)
	assert.Equal(t, "wallet-1", evs[0].WalletID)
	assert.JSONEq(t, `{"code":"yo_-22"}`, evs[0].Metadata)
	assert.Empty(t, evs[0].PaymentID)
}
