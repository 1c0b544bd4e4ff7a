package billing

import (
	"fmt"
	"time"

	"rent-billing/internal/lease"
	"rent-billing/internal/schedule"

	"github.com/shopspring/decimal"
)

// Balance is a lease's position computed from its full schedule.
type Balance struct {
	LeaseID            string          `json:"lease_id"`
	MonthlyRent        decimal.Decimal `json:"monthly_rent"`
	TotalScheduled     decimal.Decimal `json:"total_scheduled"`
	PaidAmount         decimal.Decimal `json:"paid_amount"`
	OutstandingBalance decimal.Decimal `json:"outstanding_balance"`
	// MinimumPayment is the amount of the next unpaid entry, strictly by payment number.
	MinimumPayment decimal.Decimal `json:"minimum_payment"`
	// DueDate is the due date of that entry.
	DueDate *time.Time `json:"due_date,omitempty"`
	// NextScheduleID is the entry MinimumPayment refers to.
	NextScheduleID string `json:"next_schedule_id,omitempty"`
	IsOverdue      bool   `json:"is_overdue"`
	// NextPaymentDue is the first unpaid due date that is today or later.
	NextPaymentDue *time.Time `json:"next_payment_due,omitempty"`
}

// CalculateBalance folds the schedule of l. entries may arrive in any order.
// A schedule that does not belong to l, has gaps in its numbering or negative
// amounts yields ErrCorruptSchedule.
func CalculateBalance(l lease.Lease, entries []schedule.Entry, now time.Time, graceDays int) (Balance, error) {
	b := Balance{
		LeaseID:            l.ID,
		MonthlyRent:        l.MonthlyRent,
		TotalScheduled:     decimal.Zero,
		PaidAmount:         decimal.Zero,
		OutstandingBalance: decimal.Zero,
		MinimumPayment:     decimal.Zero,
	}

	byNumber := make(map[int]schedule.Entry, len(entries))
	for _, e := range entries {
		if e.LeaseID != l.ID {
			return Balance{}, fmt.Errorf("%w: entry %s belongs to lease %s", ErrCorruptSchedule, e.ID, e.LeaseID)
		}
		if e.Amount.IsNegative() {
			return Balance{}, fmt.Errorf("%w: entry %s has negative amount", ErrCorruptSchedule, e.ID)
		}
		if _, dup := byNumber[e.PaymentNumber]; dup {
			return Balance{}, fmt.Errorf("%w: payment number %d repeated", ErrCorruptSchedule, e.PaymentNumber)
		}
		byNumber[e.PaymentNumber] = e
	}

	y, m, d := now.UTC().Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	var nextFound bool

	for n := 1; n <= len(entries); n++ {
		e, ok := byNumber[n]
		if !ok {
			return Balance{}, fmt.Errorf("%w: payment number %d missing", ErrCorruptSchedule, n)
		}
		b.TotalScheduled = b.TotalScheduled.Add(e.Amount)
		if e.IsPaid {
			b.PaidAmount = b.PaidAmount.Add(e.Amount)
			continue
		}

		due := e.DueDate
		if b.DueDate == nil {
			b.MinimumPayment = e.Amount
			b.DueDate = &due
			b.NextScheduleID = e.ID
		}
		if today.After(due.AddDate(0, 0, graceDays)) {
			b.IsOverdue = true
		}
		if !nextFound && !due.Before(today) {
			b.NextPaymentDue = &due
			nextFound = true
		}
	}
	b.OutstandingBalance = b.TotalScheduled.Sub(b.PaidAmount)
	return b, nil
}

// paymentFloor is the smallest amount accepted against b: the configured
// minimum, or the whole outstanding balance when that is smaller.
func paymentFloor(b Balance, minimum decimal.Decimal) decimal.Decimal {
	if b.OutstandingBalance.IsPositive() && b.OutstandingBalance.LessThan(minimum) {
		return b.OutstandingBalance
	}
	return minimum
}

// checkAmount applies the free-amount rules to a balance.
func checkAmount(b Balance, amount, minimum decimal.Decimal) error {
	if !amount.IsPositive() {
		return invalid("amount", "must be positive")
	}
	if floor := paymentFloor(b, minimum); amount.LessThan(floor) {
		return invalid("amount", "below minimum payment of "+floor.StringFixed(2))
	}
	if !b.OutstandingBalance.IsPositive() {
		return invalid("amount", "nothing is outstanding on this lease")
	}
	if amount.GreaterThan(b.OutstandingBalance) {
		return invalidWithSuggestion("amount", "exceeds outstanding balance", b.OutstandingBalance)
	}
	return nil
}

// checkEntryAmount applies the rules for paying a specific schedule entry.
// Paying more than the entry is allowed and counts as credit.
func checkEntryAmount(leaseID string, e schedule.Entry, amount decimal.Decimal) error {
	if e.LeaseID != leaseID {
		return invalid("schedule_id", "does not belong to this lease")
	}
	if e.IsPaid {
		return invalid("schedule_id", "already paid")
	}
	if amount.LessThan(e.Amount) {
		return invalidWithSuggestion("amount", "less than the scheduled amount", e.Amount)
	}
	return nil
}
