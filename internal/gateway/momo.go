package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"rent-billing/internal/config"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	ProviderMomo = "momo"

	momoSignatureHeader = "X-Callback-Signature"
)

// Momo talks to an MTN MoMo style open API: OAuth2 client-credentials, JSON
// REST, and one unified HMAC-signed callback for every transaction type.
type Momo struct {
	cfg    config.MomoConfig
	http   transport
	tokens oauth2.TokenSource
	now    func() time.Time
}

func NewMomo(cfg config.MomoConfig, httpClient *http.Client, timeout time.Duration, rdb redis.Cmdable) (*Momo, error) {
	if !cfg.Complete() {
		return nil, fmt.Errorf("%w: momo", ErrMissingCredentials)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = cfg.BaseURL + "/oauth2/token"
	}
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	// The token fetch context only carries the HTTP client; each fetch is bounded by its timeout.
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
	var src oauth2.TokenSource = cc.TokenSource(tokenCtx)
	if rdb != nil {
		src = &redisTokenSource{
			rdb:  rdb,
			key:  "gateway:momo:token:" + cfg.ClientID,
			base: src,
			now:  time.Now,
		}
	}

	return &Momo{
		cfg:    cfg,
		http:   transport{provider: ProviderMomo, client: httpClient, timeout: timeout},
		tokens: oauth2.ReuseTokenSource(nil, src),
		now:    time.Now,
	}, nil
}

func (m *Momo) Name() string { return ProviderMomo }

type momoParty struct {
	PartyIDType string `json:"partyIdType"`
	PartyID     string `json:"partyId"`
}

type momoTransferRequest struct {
	Amount       string     `json:"amount"`
	Currency     string     `json:"currency"`
	ExternalID   string     `json:"externalId"`
	Payer        *momoParty `json:"payer,omitempty"`
	Payee        *momoParty `json:"payee,omitempty"`
	PayerMessage string     `json:"payerMessage,omitempty"`
	PayeeNote    string     `json:"payeeNote,omitempty"`
}

// momoTransaction is both the status body and the callback body.
type momoTransaction struct {
	ReferenceID            string `json:"referenceId"`
	ExternalID             string `json:"externalId"`
	FinancialTransactionID string `json:"financialTransactionId"`
	Amount                 string `json:"amount"`
	Currency               string `json:"currency"`
	Status                 string `json:"status"`
	Reason                 string `json:"reason"`
	Type                   string `json:"type"`
}

type momoError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (m *Momo) headers(ctx context.Context, op, reference string) (http.Header, error) {
	tok, err := m.tokens.Token()
	if err != nil {
		// Nothing was sent yet, so this is a definite failure.
		return nil, &Error{Provider: ProviderMomo, Op: op, Code: "auth", Message: "token request failed", Err: err}
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+tok.AccessToken)
	if m.cfg.SubscriptionKey != "" {
		h.Set("Ocp-Apim-Subscription-Key", m.cfg.SubscriptionKey)
	}
	if m.cfg.TargetEnv != "" {
		h.Set("X-Target-Environment", m.cfg.TargetEnv)
	}
	if reference != "" {
		h.Set("X-Reference-Id", reference)
	}
	if m.cfg.CallbackURL != "" && op != "status" {
		h.Set("X-Callback-Url", m.cfg.CallbackURL)
	}
	return h, nil
}

func (m *Momo) currency(c string) string {
	if c != "" {
		return c
	}
	return m.cfg.Currency
}

func (m *Momo) Deposit(ctx context.Context, req DepositRequest) (Result, error) {
	body := momoTransferRequest{
		Amount:       req.Amount.String(),
		Currency:     m.currency(req.Currency),
		ExternalID:   req.ExternalReference,
		Payer:        &momoParty{PartyIDType: "MSISDN", PartyID: req.PhoneNumber},
		PayerMessage: req.Narrative,
		PayeeNote:    req.Narrative,
	}
	return m.initiate(ctx, "deposit", "/collection/v1_0/requesttopay", req.ExternalReference, body)
}

func (m *Momo) Disburse(ctx context.Context, req DisburseRequest) (Result, error) {
	body := momoTransferRequest{
		Amount:     req.Amount.String(),
		Currency:   m.currency(req.Currency),
		ExternalID: req.ExternalReference,
		Payee:      &momoParty{PartyIDType: "MSISDN", PartyID: req.PhoneNumber},
		PayeeNote:  req.Narrative,
	}
	return m.initiate(ctx, "disburse", "/disbursement/v1_0/transfer", req.ExternalReference, body)
}

func (m *Momo) initiate(ctx context.Context, op, path, reference string, body momoTransferRequest) (Result, error) {
	h, err := m.headers(ctx, op, reference)
	if err != nil {
		return Result{}, err
	}
	resp, err := m.http.do(ctx, call{op: op, method: http.MethodPost, url: m.cfg.BaseURL + path, header: h, body: body})
	if err != nil {
		return Result{}, err
	}
	if resp.status != http.StatusAccepted && resp.status != http.StatusOK {
		return Result{}, m.rejection(op, resp)
	}
	// The provider answers 202 with no body; our reference doubles as theirs.
	return Result{
		Status:           StatusPending,
		GatewayReference: reference,
		Message:          "request accepted",
		Raw:              rawJSON(resp.body),
	}, nil
}

func (m *Momo) rejection(op string, resp response) error {
	var e momoError
	_ = json.Unmarshal(resp.body, &e)
	code := e.Code
	if code == "" {
		code = fmt.Sprintf("http_%d", resp.status)
	}
	msg := e.Message
	if msg == "" {
		msg = snippet(resp.body)
	}
	return &Error{Provider: ProviderMomo, Op: op, Code: code, Message: msg}
}

func (m *Momo) CheckStatus(ctx context.Context, kind Kind, reference string) (StatusResult, error) {
	path := "/collection/v1_0/requesttopay/"
	if kind == KindDisbursement {
		path = "/disbursement/v1_0/transfer/"
	}
	u := m.cfg.BaseURL + path + url.PathEscape(reference)

	return retry(ctx, 3, 500*time.Millisecond, func() (StatusResult, error) {
		h, err := m.headers(ctx, "status", "")
		if err != nil {
			return StatusResult{}, err
		}
		resp, err := m.http.do(ctx, call{op: "status", method: http.MethodGet, url: u, header: h})
		if err != nil {
			return StatusResult{}, err
		}
		if resp.status != http.StatusOK {
			return StatusResult{}, m.rejection("status", resp)
		}

		var tx momoTransaction
		if err := json.Unmarshal(resp.body, &tx); err != nil {
			return StatusResult{}, &Error{Provider: ProviderMomo, Op: "status", Code: "decode", Err: err}
		}
		amount, _ := decimal.NewFromString(tx.Amount)
		return StatusResult{
			Status:                 momoStatus(tx.Status),
			GatewayReference:       reference,
			Message:                tx.Reason,
			Amount:                 amount,
			ProviderTransactionRef: tx.FinancialTransactionID,
			Raw:                    rawJSON(resp.body),
		}, nil
	})
}

func momoStatus(s string) Status {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SUCCESSFUL", "SUCCESS":
		return StatusSucceeded
	case "FAILED", "REJECTED", "TIMEOUT", "EXPIRED":
		return StatusFailed
	case "ONGOING", "PROCESSING":
		return StatusProcessing
	default:
		return StatusPending
	}
}

// SignMomoCallback returns the hex HMAC-SHA256 the provider puts in X-Callback-Signature.
func SignMomoCallback(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (m *Momo) VerifyWebhook(w Webhook) bool {
	if len(w.Body) == 0 || w.Header == nil {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(w.Header.Get(momoSignatureHeader)))
	if err != nil || len(got) == 0 {
		return false
	}
	want, _ := hex.DecodeString(SignMomoCallback(m.cfg.WebhookSecret, w.Body))
	return hmac.Equal(got, want)
}

func (m *Momo) ParseWebhook(w Webhook) (Callback, error) {
	var tx momoTransaction
	if err := json.Unmarshal(w.Body, &tx); err != nil {
		return Callback{}, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}
	ref := tx.ExternalID
	if ref == "" {
		ref = tx.ReferenceID
	}
	if ref == "" || tx.Status == "" {
		return Callback{}, fmt.Errorf("%w: reference and status are required", ErrMalformedWebhook)
	}

	kind := KindUnknown
	switch strings.ToLower(tx.Type) {
	case "collection", "requesttopay":
		kind = KindCollection
	case "disbursement", "transfer":
		kind = KindDisbursement
	}

	amount, _ := decimal.NewFromString(tx.Amount)
	return Callback{
		Kind:              kind,
		ExternalReference: ref,
		GatewayReference:  firstNonEmpty(tx.FinancialTransactionID, tx.ReferenceID),
		Status:            momoStatus(tx.Status),
		Amount:            amount,
		Message:           tx.Reason,
		Raw:               rawJSON(w.Body),
	}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
