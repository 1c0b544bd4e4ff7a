// Package gatewaytest provides a scriptable in-memory Gateway for tests.
package gatewaytest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"rent-billing/internal/gateway"

	"github.com/shopspring/decimal"
)

const SignatureHeader = "X-Fake-Signature"

// Fake records every call and answers from its scripted fields.
// A callback is authentic when SignatureHeader equals Secret.
type Fake struct {
	mu sync.Mutex

	ProviderName string
	Secret       string

	DepositErr    error
	DisburseErr   error
	DepositStatus gateway.Status
	Statuses      map[string]gateway.StatusResult
	StatusErr     error
	Deposits      []gateway.DepositRequest
	Disbursals    []gateway.DisburseRequest
	StatusChecks  []string
}

func New(name string) *Fake {
	return &Fake{
		ProviderName:  name,
		Secret:        "fake-secret",
		DepositStatus: gateway.StatusPending,
		Statuses:      map[string]gateway.StatusResult{},
	}
}

func (f *Fake) Name() string { return f.ProviderName }

func (f *Fake) Deposit(ctx context.Context, req gateway.DepositRequest) (gateway.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Deposits = append(f.Deposits, req)
	if f.DepositErr != nil {
		return gateway.Result{}, f.DepositErr
	}
	return gateway.Result{
		Status:           f.DepositStatus,
		GatewayReference: "gw-" + req.ExternalReference,
		Message:          "accepted",
		Raw:              json.RawMessage(`{"accepted":true}`),
	}, nil
}

func (f *Fake) Disburse(ctx context.Context, req gateway.DisburseRequest) (gateway.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Disbursals = append(f.Disbursals, req)
	if f.DisburseErr != nil {
		return gateway.Result{}, f.DisburseErr
	}
	return gateway.Result{
		Status:           gateway.StatusPending,
		GatewayReference: "gw-" + req.ExternalReference,
		Message:          "accepted",
	}, nil
}

func (f *Fake) CheckStatus(ctx context.Context, kind gateway.Kind, reference string) (gateway.StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StatusChecks = append(f.StatusChecks, reference)
	if f.StatusErr != nil {
		return gateway.StatusResult{}, f.StatusErr
	}
	if r, ok := f.Statuses[reference]; ok {
		return r, nil
	}
	return gateway.StatusResult{Status: gateway.StatusPending, GatewayReference: "gw-" + reference}, nil
}

// SetStatus scripts the answer CheckStatus gives for reference.
func (f *Fake) SetStatus(reference string, r gateway.StatusResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Statuses[reference] = r
}

// Body is the fake callback shape.
type Body struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Amount    string `json:"amount"`
	Kind      string `json:"kind"`
}

func (f *Fake) VerifyWebhook(w gateway.Webhook) bool {
	return w.Header != nil && f.Secret != "" && w.Header.Get(SignatureHeader) == f.Secret && json.Valid(w.Body)
}

func (f *Fake) ParseWebhook(w gateway.Webhook) (gateway.Callback, error) {
	var b Body
	if err := json.Unmarshal(w.Body, &b); err != nil || b.Reference == "" {
		return gateway.Callback{}, fmt.Errorf("%w: fake body", gateway.ErrMalformedWebhook)
	}
	cb := gateway.Callback{
		Kind:              gateway.Kind(b.Kind),
		ExternalReference: b.Reference,
		GatewayReference:  "gw-" + b.Reference,
		Message:           b.Status,
		Raw:               json.RawMessage(w.Body),
	}
	switch strings.ToLower(b.Status) {
	case "succeeded", "success":
		cb.Status = gateway.StatusSucceeded
	case "failed":
		cb.Status = gateway.StatusFailed
	default:
		cb.Status = gateway.StatusPending
	}
	if b.Amount != "" {
		amount, err := decimal.NewFromString(b.Amount)
		if err != nil {
			return gateway.Callback{}, fmt.Errorf("%w: amount", gateway.ErrMalformedWebhook)
		}
		cb.Amount = amount
	}
	return cb, nil
}

// Calls returns how many deposits and disbursals were requested.
func (f *Fake) Calls() (deposits, disbursals int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Deposits), len(f.Disbursals)
}
