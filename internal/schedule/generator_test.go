package schedule

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func ptr(t time.Time) *time.Time { return &t }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestGenerate_ProratesFirstAndLastPeriods(t *testing.T) {
	entries, err := Generate(Terms{
		LeaseID:     "lease-1",
		MonthlyRent: dec("900000"),
		PaymentDay:  1,
		StartDate:   day(2024, 1, 10),
		EndDate:     ptr(day(2024, 4, 10)),
	}, Options{})
	require.NoError(t, err)
	require.Len(t, entries, 4)

	want := []struct {
		start, end, due time.Time
		amount          string
	}{
		{day(2024, 1, 10), day(2024, 1, 31), day(2024, 2, 1), "638709.68"},
		{day(2024, 2, 1), day(2024, 2, 29), day(2024, 2, 1), "900000"},
		{day(2024, 3, 1), day(2024, 3, 31), day(2024, 3, 1), "900000"},
		{day(2024, 4, 1), day(2024, 4, 10), day(2024, 4, 1), "300000"},
	}
	for i, w := range want {
		e := entries[i]
		assert.Equal(t, i+1, e.PaymentNumber)
		assert.Equal(t, w.start, e.PeriodStart, "entry %d start", i+1)
		assert.Equal(t, w.end, e.PeriodEnd, "entry %d end", i+1)
		assert.Equal(t, w.due, e.DueDate, "entry %d due", i+1)
		assert.True(t, dec(w.amount).Equal(e.Amount), "entry %d amount %s", i+1, e.Amount)
		assert.False(t, e.IsPaid)
		assert.Equal(t, "lease-1", e.LeaseID)
	}
}

func TestGenerate_PaymentDayClampedToMonthLength(t *testing.T) {
	entries, err := Generate(Terms{
		LeaseID:     "lease-31",
		MonthlyRent: dec("1000"),
		PaymentDay:  31,
		StartDate:   day(2023, 1, 1),
		EndDate:     ptr(day(2023, 4, 30)),
	}, Options{})
	require.NoError(t, err)
	require.Len(t, entries, 4)

	assert.Equal(t, day(2023, 1, 31), entries[0].DueDate)
	assert.Equal(t, day(2023, 2, 28), entries[1].DueDate)
	assert.Equal(t, day(2023, 3, 31), entries[2].DueDate)
	assert.Equal(t, day(2023, 4, 30), entries[3].DueDate)
	for _, e := range entries {
		assert.True(t, dec("1000").Equal(e.Amount))
	}
}

func TestGenerate_StartBeforePaymentDayDueSameMonth(t *testing.T) {
	entries, err := Generate(Terms{
		LeaseID:     "lease-2",
		MonthlyRent: dec("3100"),
		PaymentDay:  15,
		StartDate:   day(2024, 3, 5),
		EndDate:     ptr(day(2024, 3, 20)),
	}, Options{})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	e := entries[0]
	assert.Equal(t, day(2024, 3, 15), e.DueDate)
	assert.Equal(t, day(2024, 3, 20), e.PeriodEnd)
	// 16 of 31 days.
	assert.True(t, dec("1600").Equal(e.Amount), e.Amount.String())
}

func TestGenerate_RoundsHalfUp(t *testing.T) {
	// 1 day of 30 at 0.45/month = 0.015 -> 0.02
	entries, err := Generate(Terms{
		LeaseID:     "lease-r",
		MonthlyRent: dec("0.45"),
		PaymentDay:  1,
		StartDate:   day(2024, 4, 30),
		EndDate:     ptr(day(2024, 4, 30)),
	}, Options{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, dec("0.02").Equal(entries[0].Amount), entries[0].Amount.String())
}

func TestGenerate_Deterministic(t *testing.T) {
	terms := Terms{
		LeaseID:     "lease-d",
		MonthlyRent: dec("750000"),
		PaymentDay:  5,
		StartDate:   day(2024, 2, 17),
		EndDate:     ptr(day(2025, 2, 16)),
	}
	a, err := Generate(terms, Options{})
	require.NoError(t, err)
	b, err := Generate(terms, Options{})
	require.NoError(t, err)
	require.Equal(t, a, b)

	ids := map[string]bool{}
	for _, e := range a {
		require.False(t, ids[e.ID], "duplicate id")
		ids[e.ID] = true
		require.Equal(t, EntryID("lease-d", e.PaymentNumber), e.ID)
	}
}

func TestGenerate_SumMatchesProratedObligation(t *testing.T) {
	cases := []Terms{
		{MonthlyRent: dec("900000"), PaymentDay: 1, StartDate: day(2024, 1, 10), EndDate: ptr(day(2024, 4, 10))},
		{MonthlyRent: dec("1234567.89"), PaymentDay: 28, StartDate: day(2023, 11, 29), EndDate: ptr(day(2025, 3, 3))},
		{MonthlyRent: dec("333.33"), PaymentDay: 31, StartDate: day(2024, 2, 29), EndDate: ptr(day(2024, 3, 1))},
		{MonthlyRent: dec("500000"), PaymentDay: 10, StartDate: day(2024, 1, 1), EndDate: ptr(day(2024, 12, 31))},
	}
	for i, terms := range cases {
		terms.LeaseID = "lease-sum"
		entries, err := Generate(terms, Options{})
		require.NoError(t, err, "case %d", i)

		sum := decimal.Zero
		for j, e := range entries {
			sum = sum.Add(e.Amount)
			if j > 0 {
				require.Equal(t, entries[j-1].PeriodEnd.AddDate(0, 0, 1), e.PeriodStart, "case %d contiguous", i)
			}
		}
		require.Equal(t, day(terms.StartDate.Year(), terms.StartDate.Month(), terms.StartDate.Day()), entries[0].PeriodStart)
		require.Equal(t, *terms.EndDate, entries[len(entries)-1].PeriodEnd)

		want := ProratedTotal(terms.MonthlyRent, terms.StartDate, *terms.EndDate)
		tolerance := decimal.NewFromInt(int64(len(entries)))
		require.True(t, sum.Sub(want).Abs().LessThanOrEqual(tolerance), "case %d: sum %s want %s", i, sum, want)
	}
}

func TestGenerate_OpenEndedHorizon(t *testing.T) {
	terms := Terms{
		LeaseID:     "lease-open",
		MonthlyRent: dec("600000"),
		PaymentDay:  5,
		StartDate:   day(2024, 1, 20),
	}

	entries, err := Generate(terms, Options{HorizonMonths: 3, AsOf: day(2024, 1, 2)})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, day(2024, 3, 31), entries[2].PeriodEnd)

	later, err := Generate(terms, Options{HorizonMonths: 3, AsOf: day(2024, 3, 15)})
	require.NoError(t, err)
	require.Len(t, later, 5)
	require.Equal(t, day(2024, 5, 31), later[4].PeriodEnd)

	// The earlier horizon is a prefix of the later one.
	require.Equal(t, entries, later[:3])
}

func TestGenerate_RejectsInvalidTerms(t *testing.T) {
	base := Terms{LeaseID: "l", MonthlyRent: dec("1"), PaymentDay: 1, StartDate: day(2024, 1, 1)}

	bad := []Terms{}
	for _, mut := range []func(*Terms){
		func(t *Terms) { t.LeaseID = "" },
		func(t *Terms) { t.MonthlyRent = decimal.Zero },
		func(t *Terms) { t.PaymentDay = 0 },
		func(t *Terms) { t.PaymentDay = 32 },
		func(t *Terms) { t.StartDate = time.Time{} },
		func(t *Terms) { t.EndDate = ptr(day(2023, 12, 31)) },
	} {
		b := base
		mut(&b)
		bad = append(bad, b)
	}
	for i, terms := range bad {
		_, err := Generate(terms, Options{})
		require.ErrorIs(t, err, ErrInvalidTerms, "case %d", i)
	}
}
