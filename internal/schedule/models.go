package schedule

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Entry is one billing period of a lease.
// Periods of a lease are contiguous and never overlap. Once paid, only the
// paid fields of an entry may change.
type Entry struct {
	ID            string          `json:"id" db:"id"`
	LeaseID       string          `json:"lease_id" db:"lease_id"`
	PaymentNumber int             `json:"payment_number" db:"payment_number"`
	DueDate       time.Time       `json:"due_date" db:"due_date"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	PeriodStart   time.Time       `json:"period_start" db:"period_start"`
	PeriodEnd     time.Time       `json:"period_end" db:"period_end"`

	IsPaid        bool    `json:"is_paid" db:"is_paid"`
	PaidPaymentID *string `json:"paid_payment_id,omitempty" db:"paid_payment_id"`
}

// Terms are the commercial lease terms a schedule is generated from.
type Terms struct {
	LeaseID     string
	MonthlyRent decimal.Decimal
	PaymentDay  int
	StartDate   time.Time
	// EndDate nil means the lease is open-ended.
	EndDate *time.Time
}

// Options tune generation for open-ended leases.
type Options struct {
	// HorizonMonths is how many calendar months an open-ended schedule covers,
	// counted from the later of the lease start month and AsOf's month.
	HorizonMonths int
	AsOf          time.Time
}

var (
	ErrNotFound            = errors.New("schedule entry not found")
	ErrAlreadyPaid         = errors.New("schedule entry already paid")
	ErrScheduleHasPayments = errors.New("schedule has paid entries")
	ErrInvalidTerms        = errors.New("invalid lease terms")
)
