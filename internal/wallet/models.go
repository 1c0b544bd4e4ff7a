package wallet

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Wallet is a landlord's running balance.
//
// Money invariants:
//   - Balance = TotalDeposited + adjustments - TotalWithdrawn - reserved pending withdrawals.
//   - Balance never goes negative (CHECK constraint plus conditional debit).
//   - Every balance change is written together with a Transaction row in one DB transaction.
type Wallet struct {
	ID             string          `json:"id" db:"id"`
	LandlordID     string          `json:"landlord_id" db:"landlord_id"`
	Balance        decimal.Decimal `json:"balance" db:"balance"`
	TotalDeposited decimal.Decimal `json:"total_deposited" db:"total_deposited"`
	TotalWithdrawn decimal.Decimal `json:"total_withdrawn" db:"total_withdrawn"`
	Currency       string          `json:"currency" db:"currency"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

type TransactionType string

const (
	TypeDeposit    TransactionType = "deposit"
	TypeWithdrawal TransactionType = "withdrawal"
	TypeAdjustment TransactionType = "adjustment"
)

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
)

// Transaction is an append-only ledger row. Only Status (and, for
// withdrawals, GatewayReference) change after insert.
type Transaction struct {
	ID                 string            `json:"id" db:"id"`
	WalletID           string            `json:"wallet_id" db:"wallet_id"`
	Type               TransactionType   `json:"type" db:"type"`
	Amount             decimal.Decimal   `json:"amount" db:"amount"`
	BalanceAfter       decimal.Decimal   `json:"balance_after" db:"balance_after"`
	Status             TransactionStatus `json:"status" db:"status"`
	PaymentID          *string           `json:"payment_id,omitempty" db:"payment_id"`
	DestinationType    string            `json:"destination_type,omitempty" db:"destination_type"`
	DestinationDetails string            `json:"destination_details,omitempty" db:"destination_details"`
	Reference          string            `json:"reference" db:"reference"`
	Gateway            string            `json:"gateway,omitempty" db:"gateway"`
	GatewayReference   string            `json:"gateway_reference,omitempty" db:"gateway_reference"`
	Description        string            `json:"description,omitempty" db:"description"`
	CreatedAt          time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at" db:"updated_at"`
}

// Summary is the wallet plus what is currently reserved for withdrawals.
type Summary struct {
	Wallet
	PendingWithdrawals     decimal.Decimal `json:"pending_withdrawals"`
	PendingWithdrawalCount int             `json:"pending_withdrawal_count"`
}

// HistoryFilter narrows a wallet's transaction history. Zero values match everything.
type HistoryFilter struct {
	Type   TransactionType
	Status TransactionStatus
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}

func (f HistoryFilter) normalized() HistoryFilter {
	out := f
	if out.Limit <= 0 || out.Limit > 200 {
		out.Limit = 50
	}
	if out.Offset < 0 {
		out.Offset = 0
	}
	return out
}

const DestinationMobileMoney = "mobile_money"

type WithdrawalRequest struct {
	Amount      decimal.Decimal
	PhoneNumber string
	Description string
}

type AdjustmentRequest struct {
	Amount         decimal.Decimal
	Reason         string
	IdempotencyKey string
	ActorUserID    string
	ActorRole      string
}

var (
	ErrNotFound             = errors.New("wallet: not found")
	ErrInvalidArgument      = errors.New("wallet: invalid argument")
	ErrInsufficientBalance  = errors.New("wallet: insufficient balance")
	ErrNotPending           = errors.New("wallet: transaction is not pending")
	ErrWithdrawalInProgress = errors.New("wallet: another withdrawal is in progress")
)

// NewWithdrawalReference returns the external reference sent to the gateway for a withdrawal.
func NewWithdrawalReference() string {
	return "WDR-" + uuid.NewString()
}

// IsWithdrawalReference reports whether ref was produced by NewWithdrawalReference.
func IsWithdrawalReference(ref string) bool {
	return strings.HasPrefix(ref, "WDR-")
}
