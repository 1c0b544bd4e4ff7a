package payment

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Payment is one tenant payment against a lease.
// TransactionID is our own external reference handed to the gateway; callbacks
// are correlated on it, never on the gateway's id alone.
type Payment struct {
	ID               string          `json:"id" db:"id"`
	LeaseID          string          `json:"lease_id" db:"lease_id"`
	ScheduleID       *string         `json:"schedule_id,omitempty" db:"schedule_id"`
	Amount           decimal.Decimal `json:"amount" db:"amount"`
	DueDate          *time.Time      `json:"due_date,omitempty" db:"due_date"`
	PaidDate         *time.Time      `json:"paid_date,omitempty" db:"paid_date"`
	Status           Status          `json:"status" db:"status"`
	Method           Method          `json:"payment_method" db:"payment_method"`
	Gateway          string          `json:"gateway,omitempty" db:"gateway"`
	GatewayReference string          `json:"gateway_reference,omitempty" db:"gateway_reference"`
	RawResponse      json.RawMessage `json:"-" db:"raw_response"`
	TransactionID    string          `json:"transaction_id" db:"transaction_id"`
	PhoneNumber      string          `json:"phone_number,omitempty" db:"phone_number"`
	Notes            string          `json:"notes,omitempty" db:"notes"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

type Method string

const (
	MethodMobileMoney  Method = "mobile_money"
	MethodCash         Method = "cash"
	MethodBankTransfer Method = "bank_transfer"
)

func (m Method) Manual() bool {
	return m == MethodCash || m == MethodBankTransfer
}

// CanTransition reports whether from -> to is a valid status change.
// Statuses only move forward: pending to completed or failed, completed to refunded.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusCompleted || to == StatusFailed
	case StatusCompleted:
		return to == StatusRefunded
	default:
		return false
	}
}

func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusRefunded
}

// Patch carries the fields written together with a status transition.
// Nil/empty fields are left untouched.
type Patch struct {
	PaidDate         *time.Time
	GatewayReference string
	RawResponse      json.RawMessage
	Notes            string
}

// NewTransactionID returns a fresh external reference.
func NewTransactionID() string {
	return "RNT-" + uuid.NewString()
}

var (
	ErrNotFound = errors.New("payment not found")
	// ErrTransitionConflict means the payment was no longer in the expected
	// status when the conditional update ran.
	ErrTransitionConflict = errors.New("payment status changed concurrently")
	ErrInvalidTransition  = errors.New("invalid payment status transition")
	ErrScheduleConflict   = errors.New("payment already linked to another schedule entry")
	ErrDuplicateReference = errors.New("duplicate transaction id")
)
