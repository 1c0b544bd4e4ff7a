package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - Recording is best-effort; money flows never block on audit failures.
type Event struct {
	ID   string    `json:"id" db:"id"`
	Type EventType `json:"type" db:"type"`

	// ActorUserID is the authenticated user causing the event (empty for gateway callbacks and the worker).
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`

	// Target identifiers (optional, depending on the event type).
	LeaseID   string `json:"lease_id,omitempty" db:"lease_id"`
	PaymentID string `json:"payment_id,omitempty" db:"payment_id"`
	WalletID  string `json:"wallet_id,omitempty" db:"wallet_id"`

	// Provider and Reference identify the gateway transaction, when there is one.
	Provider  string `json:"provider,omitempty" db:"provider"`
	Reference string `json:"reference,omitempty" db:"reference"`

	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON (stored as JSONB).
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventWebhookRejected        EventType = "webhook_rejected"
	EventWebhookUnmatched       EventType = "webhook_unmatched"
	EventReconciliationConflict EventType = "reconciliation_conflict"
	EventWithdrawalCompensated  EventType = "withdrawal_compensated"
	EventManualPayment          EventType = "manual_payment"
	EventRefundReview           EventType = "refund_review"
	EventWalletAdjustment       EventType = "wallet_adjustment"
)
