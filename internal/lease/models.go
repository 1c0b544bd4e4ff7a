package lease

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Lease is the read model of a lease owned by the property service.
type Lease struct {
	ID          string          `json:"id" db:"id"`
	LandlordID  string          `json:"landlord_id" db:"landlord_id"`
	TenantID    string          `json:"tenant_id" db:"tenant_id"`
	MonthlyRent decimal.Decimal `json:"monthly_rent" db:"monthly_rent"`
	PaymentDay  int             `json:"payment_day" db:"payment_day"`
	StartDate   time.Time       `json:"start_date" db:"start_date"`
	EndDate     *time.Time      `json:"end_date,omitempty" db:"end_date"`
	Status      Status          `json:"status" db:"status"`
}

type Status string

const (
	StatusDraft      Status = "draft"
	StatusActive     Status = "active"
	StatusTerminated Status = "terminated"
	StatusExpired    Status = "expired"
)

func (l Lease) OpenEnded() bool { return l.EndDate == nil }

var (
	ErrNotFound = errors.New("lease not found")
	ErrNotOwner = errors.New("caller does not own lease")
)
