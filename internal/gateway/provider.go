package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/shopspring/decimal"
)

// Gateway is the provider-agnostic mobile-money contract.
//
// Rules:
// - No provider wire formats outside adapter files.
// - ExternalReference is always generated by us, so callbacks can be correlated
//   without knowing the provider's own id.
// - Deposit and Disburse are never retried here; a deliberate retry needs a new reference.
type Gateway interface {
	Name() string

	Deposit(ctx context.Context, req DepositRequest) (Result, error)
	Disburse(ctx context.Context, req DisburseRequest) (Result, error)
	CheckStatus(ctx context.Context, kind Kind, reference string) (StatusResult, error)

	// VerifyWebhook reports whether an inbound callback is authentic.
	// It never panics and never errors; malformed input is simply false.
	VerifyWebhook(w Webhook) bool
	// ParseWebhook normalizes a verified callback. Structurally invalid bodies
	// return ErrMalformedWebhook.
	ParseWebhook(w Webhook) (Callback, error)
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
)

// Final reports whether the provider has reached an outcome.
func (s Status) Final() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Kind tells collections (tenant pays in) from disbursements (landlord withdraws).
type Kind string

const (
	KindCollection   Kind = "collection"
	KindDisbursement Kind = "disbursement"
	// KindUnknown is used when the callback does not say; the caller resolves it by reference.
	KindUnknown Kind = ""
)

type DepositRequest struct {
	ExternalReference string
	PhoneNumber       string
	Amount            decimal.Decimal
	Currency          string
	Narrative         string
}

type DisburseRequest struct {
	ExternalReference string
	PhoneNumber       string
	Amount            decimal.Decimal
	Currency          string
	Narrative         string
}

// Result is the answer to an initiation (deposit or disbursement).
type Result struct {
	Status           Status
	GatewayReference string
	Message          string
	Raw              json.RawMessage
}

type StatusResult struct {
	Status                 Status
	GatewayReference       string
	Message                string
	Amount                 decimal.Decimal
	ProviderTransactionRef string
	Raw                    json.RawMessage
}

// Webhook is an inbound callback as received.
type Webhook struct {
	Body   []byte
	Header http.Header
}

// Callback is a verified, normalized callback.
type Callback struct {
	Kind              Kind
	ExternalReference string
	GatewayReference  string
	Status            Status
	Amount            decimal.Decimal
	Message           string
	Raw               json.RawMessage
}
