package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"rent-billing/internal/config"

	"github.com/shopspring/decimal"
)

const ProviderYoPay = "yopay"

// YoPay talks to a Yo! Payments style API. Credentials travel in every request
// body and callbacks arrive as two different notifications: a success
// notification and a failure notification.
type YoPay struct {
	cfg  config.YoPayConfig
	http transport
}

func NewYoPay(cfg config.YoPayConfig, httpClient *http.Client, timeout time.Duration) (*YoPay, error) {
	if !cfg.Complete() {
		return nil, fmt.Errorf("%w: yopay", ErrMissingCredentials)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &YoPay{
		cfg:  cfg,
		http: transport{provider: ProviderYoPay, client: httpClient, timeout: timeout},
	}, nil
}

func (y *YoPay) Name() string { return ProviderYoPay }

type yoCredentials struct {
	APIUsername string `json:"api_username"`
	APIPassword string `json:"api_password"`
}

type yoTransferRequest struct {
	yoCredentials
	ExternalReference      string `json:"external_reference"`
	Account                string `json:"account"`
	Amount                 string `json:"amount"`
	Narrative              string `json:"narrative"`
	InstantNotificationURL string `json:"instant_notification_url,omitempty"`
	FailureNotificationURL string `json:"failure_notification_url,omitempty"`
}

type yoStatusRequest struct {
	yoCredentials
	PrivateTransactionReference string `json:"private_transaction_reference"`
}

type yoResponse struct {
	Status                    string `json:"status"`
	StatusCode                int    `json:"status_code"`
	StatusMessage             string `json:"status_message"`
	ErrorMessage              string `json:"error_message"`
	TransactionStatus         string `json:"transaction_status"`
	TransactionReference      string `json:"transaction_reference"`
	Amount                    string `json:"amount"`
	MNOTransactionReferenceID string `json:"mno_transaction_reference_id"`
}

func (y *YoPay) creds() yoCredentials {
	return yoCredentials{APIUsername: y.cfg.Username, APIPassword: y.cfg.Password}
}

func (y *YoPay) transfer(ref, phone string, amount decimal.Decimal, narrative string) yoTransferRequest {
	return yoTransferRequest{
		yoCredentials:          y.creds(),
		ExternalReference:      ref,
		Account:                phone,
		Amount:                 amount.String(),
		Narrative:              narrative,
		InstantNotificationURL: y.cfg.CallbackURL,
		FailureNotificationURL: y.cfg.CallbackURL,
	}
}

func (y *YoPay) Deposit(ctx context.Context, req DepositRequest) (Result, error) {
	return y.initiate(ctx, "deposit", "/api/v1/collections",
		y.transfer(req.ExternalReference, req.PhoneNumber, req.Amount, req.Narrative))
}

func (y *YoPay) Disburse(ctx context.Context, req DisburseRequest) (Result, error) {
	return y.initiate(ctx, "disburse", "/api/v1/disbursements",
		y.transfer(req.ExternalReference, req.PhoneNumber, req.Amount, req.Narrative))
}

func (y *YoPay) post(ctx context.Context, op, path string, body any) (yoResponse, []byte, error) {
	resp, err := y.http.do(ctx, call{op: op, method: http.MethodPost, url: y.cfg.BaseURL + path, body: body})
	if err != nil {
		return yoResponse{}, nil, err
	}

	var out yoResponse
	if err := json.Unmarshal(resp.body, &out); err != nil {
		if resp.status >= 400 {
			return yoResponse{}, nil, &Error{Provider: ProviderYoPay, Op: op, Code: fmt.Sprintf("http_%d", resp.status), Message: snippet(resp.body)}
		}
		// A 2xx we cannot read may still have been acted upon.
		return yoResponse{}, nil, &Error{Provider: ProviderYoPay, Op: op, Code: "decode", Unknown: true, Err: err}
	}
	if resp.status >= 400 || !strings.EqualFold(out.Status, "OK") || out.StatusCode < 0 {
		msg := firstNonEmpty(out.ErrorMessage, out.StatusMessage, snippet(resp.body))
		return out, nil, &Error{Provider: ProviderYoPay, Op: op, Code: fmt.Sprintf("yo_%d", out.StatusCode), Message: msg}
	}
	return out, resp.body, nil
}

func (y *YoPay) initiate(ctx context.Context, op, path string, body yoTransferRequest) (Result, error) {
	out, raw, err := y.post(ctx, op, path, body)
	if err != nil {
		return Result{}, err
	}

	// status_code 1: accepted, waiting on the subscriber. 0: already processed
	// by the network. Either way the callback or a poll settles it.
	st := StatusPending
	if out.StatusCode == 0 {
		st = StatusProcessing
	}
	return Result{
		Status:           st,
		GatewayReference: out.TransactionReference,
		Message:          out.StatusMessage,
		Raw:              rawJSON(raw),
	}, nil
}

func (y *YoPay) CheckStatus(ctx context.Context, _ Kind, reference string) (StatusResult, error) {
	body := yoStatusRequest{yoCredentials: y.creds(), PrivateTransactionReference: reference}

	return retry(ctx, 3, 500*time.Millisecond, func() (StatusResult, error) {
		out, raw, err := y.post(ctx, "status", "/api/v1/transactions/status", body)
		if err != nil {
			return StatusResult{}, err
		}
		amount, _ := decimal.NewFromString(out.Amount)
		return StatusResult{
			Status:                 yoStatus(out.TransactionStatus),
			GatewayReference:       out.TransactionReference,
			Message:                out.StatusMessage,
			Amount:                 amount,
			ProviderTransactionRef: out.MNOTransactionReferenceID,
			Raw:                    rawJSON(raw),
		}, nil
	})
}

func yoStatus(s string) Status {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SUCCEEDED", "SUCCESSFUL":
		return StatusSucceeded
	case "FAILED":
		return StatusFailed
	case "PROCESSING":
		return StatusProcessing
	default:
		// PENDING and INDETERMINATE both mean wait.
		return StatusPending
	}
}

// yoSuccess is the instant (success) notification.
type yoSuccess struct {
	DateTime    string `json:"date_time"`
	Amount      string `json:"amount"`
	Narrative   string `json:"narrative"`
	NetworkRef  string `json:"network_ref"`
	ExternalRef string `json:"external_ref"`
	MSISDN      string `json:"msisdn"`
	Signature   string `json:"signature"`
}

func (n yoSuccess) signedPayload() string {
	return n.DateTime + n.Amount + n.Narrative + n.NetworkRef + n.ExternalRef + n.MSISDN
}

// yoFailure is the failure notification.
type yoFailure struct {
	FailedTransactionReference string `json:"failed_transaction_reference"`
	TransactionInitDate        string `json:"transaction_init_date"`
	Verification               string `json:"verification"`
}

func (n yoFailure) signedPayload() string {
	return n.FailedTransactionReference + n.TransactionInitDate
}

// yoNotification decodes either shape; exactly one of the pointers is set.
func yoNotification(body []byte) (*yoSuccess, *yoFailure, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(body, &keys); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}

	switch {
	case keys["failed_transaction_reference"] != nil:
		var f yoFailure
		if err := json.Unmarshal(body, &f); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
		}
		if f.FailedTransactionReference == "" {
			return nil, nil, fmt.Errorf("%w: empty failed_transaction_reference", ErrMalformedWebhook)
		}
		return nil, &f, nil
	case keys["external_ref"] != nil:
		var s yoSuccess
		if err := json.Unmarshal(body, &s); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
		}
		if s.ExternalRef == "" {
			return nil, nil, fmt.Errorf("%w: empty external_ref", ErrMalformedWebhook)
		}
		return &s, nil, nil
	default:
		return nil, nil, fmt.Errorf("%w: unrecognized notification", ErrMalformedWebhook)
	}
}

// SignYoPayNotification returns the hex HMAC-SHA256 over the concatenated notification fields.
func SignYoPayNotification(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (y *YoPay) VerifyWebhook(w Webhook) bool {
	success, failure, err := yoNotification(w.Body)
	if err != nil {
		return false
	}
	payload, sig := "", ""
	if success != nil {
		payload, sig = success.signedPayload(), success.Signature
	} else {
		payload, sig = failure.signedPayload(), failure.Verification
	}

	got, err := hex.DecodeString(strings.TrimSpace(sig))
	if err != nil || len(got) == 0 {
		return false
	}
	want, _ := hex.DecodeString(SignYoPayNotification(y.cfg.WebhookSecret, payload))
	return hmac.Equal(got, want)
}

func (y *YoPay) ParseWebhook(w Webhook) (Callback, error) {
	success, failure, err := yoNotification(w.Body)
	if err != nil {
		return Callback{}, err
	}
	if failure != nil {
		return Callback{
			Kind:              KindUnknown,
			ExternalReference: failure.FailedTransactionReference,
			Status:            StatusFailed,
			Message:           "transaction failed",
			Raw:               rawJSON(w.Body),
		}, nil
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(success.Amount))
	if err != nil {
		return Callback{}, fmt.Errorf("%w: amount %q", ErrMalformedWebhook, success.Amount)
	}
	return Callback{
		Kind:              KindUnknown,
		ExternalReference: success.ExternalRef,
		GatewayReference:  success.NetworkRef,
		Status:            StatusSucceeded,
		Amount:            amount,
		Message:           success.Narrative,
		Raw:               rawJSON(w.Body),
	}, nil
}
