package schedule

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// entryNamespace seeds deterministic entry ids so regenerating a schedule
// yields identical rows.
var entryNamespace = uuid.MustParse("6f1c2a8e-4b0d-5c3e-9a71-2d8f0e6b4c19")

const defaultHorizonMonths = 12

// Generate turns lease terms into an ordered list of entries, one per calendar
// month touched by the lease. Partial months are prorated by days covered.
// Generate is pure; persisting the result is up to the caller.
func Generate(t Terms, opts Options) ([]Entry, error) {
	if err := validateTerms(t); err != nil {
		return nil, err
	}

	start := dateOnly(t.StartDate)
	end := leaseEnd(t, opts)

	var out []Entry
	periodStart := start
	for n := 1; ; n++ {
		y, m := periodStart.Year(), periodStart.Month()
		dim := daysIn(y, m)

		periodEnd := time.Date(y, m, dim, 0, 0, 0, 0, time.UTC)
		if !periodEnd.Before(end) {
			periodEnd = end
		}

		out = append(out, Entry{
			ID:            EntryID(t.LeaseID, n),
			LeaseID:       t.LeaseID,
			PaymentNumber: n,
			DueDate:       dueDate(periodStart, t.PaymentDay, n == 1),
			Amount:        prorate(t.MonthlyRent, periodEnd.Day()-periodStart.Day()+1, dim),
			PeriodStart:   periodStart,
			PeriodEnd:     periodEnd,
		})

		if !periodEnd.Before(end) {
			break
		}
		periodStart = periodEnd.AddDate(0, 0, 1)
	}
	return out, nil
}

// EntryID is the stable id of entry n of a lease.
func EntryID(leaseID string, n int) string {
	return uuid.NewSHA1(entryNamespace, []byte(fmt.Sprintf("%s/%d", leaseID, n))).String()
}

// ProratedTotal is the exact obligation for [start, end] before per-period rounding.
func ProratedTotal(rent decimal.Decimal, start, end time.Time) decimal.Decimal {
	start, end = dateOnly(start), dateOnly(end)
	total := decimal.Zero
	for cur := start; !cur.After(end); {
		y, m := cur.Year(), cur.Month()
		dim := daysIn(y, m)
		last := time.Date(y, m, dim, 0, 0, 0, 0, time.UTC)
		if last.After(end) {
			last = end
		}
		days := last.Day() - cur.Day() + 1
		total = total.Add(rent.Mul(decimal.NewFromInt(int64(days))).Div(decimal.NewFromInt(int64(dim))))
		cur = last.AddDate(0, 0, 1)
	}
	return total
}

func validateTerms(t Terms) error {
	if t.LeaseID == "" {
		return fmt.Errorf("%w: lease id is required", ErrInvalidTerms)
	}
	if !t.MonthlyRent.IsPositive() {
		return fmt.Errorf("%w: monthly rent must be positive", ErrInvalidTerms)
	}
	if t.PaymentDay < 1 || t.PaymentDay > 31 {
		return fmt.Errorf("%w: payment day must be 1-31, got %d", ErrInvalidTerms, t.PaymentDay)
	}
	if t.StartDate.IsZero() {
		return fmt.Errorf("%w: start date is required", ErrInvalidTerms)
	}
	if t.EndDate != nil && dateOnly(*t.EndDate).Before(dateOnly(t.StartDate)) {
		return fmt.Errorf("%w: end date before start date", ErrInvalidTerms)
	}
	return nil
}

// leaseEnd returns the inclusive last day to bill. Open-ended leases bill up to
// the end of a rolling horizon.
func leaseEnd(t Terms, opts Options) time.Time {
	if t.EndDate != nil {
		return dateOnly(*t.EndDate)
	}

	months := opts.HorizonMonths
	if months <= 0 {
		months = defaultHorizonMonths
	}
	from := dateOnly(t.StartDate)
	if !opts.AsOf.IsZero() && dateOnly(opts.AsOf).After(from) {
		from = dateOnly(opts.AsOf)
	}
	first := time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, time.UTC)
	return first.AddDate(0, months, -1)
}

func dueDate(periodStart time.Time, paymentDay int, first bool) time.Time {
	y, m := periodStart.Year(), periodStart.Month()
	if first && periodStart.Day() > paymentDay {
		next := time.Date(y, m+1, 1, 0, 0, 0, 0, time.UTC)
		y, m = next.Year(), next.Month()
	}
	return time.Date(y, m, min(paymentDay, daysIn(y, m)), 0, 0, 0, 0, time.UTC)
}

func prorate(rent decimal.Decimal, days, dim int) decimal.Decimal {
	if days >= dim {
		return rent.Round(2)
	}
	return rent.Mul(decimal.NewFromInt(int64(days))).Div(decimal.NewFromInt(int64(dim))).Round(2)
}

func daysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
