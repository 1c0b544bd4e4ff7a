package reconcile

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"rent-billing/internal/gateway/gatewaytest"
	"rent-billing/internal/payment"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func webhookRouter(f *fixture) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	for _, name := range []string{"fake", "momo"} {
		r.POST("/webhooks/"+name, WebhookHandler{Service: f.svc, Gateways: f.registry, Provider: name}.Handle)
	}
	return r
}

func post(r http.Handler, path, body string, signed bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signed {
		req.Header.Set(gatewaytest.SignatureHeader, "fake-secret")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestWebhookHandler(t *testing.T) {
	f := newFixture(t)
	r := webhookRouter(f)
	p := f.initiate(t, "50000")
	good := `{"reference":"` + p.TransactionID + `","status":"succeeded","amount":"50000"}`

	tests := []struct {
		name   string
		path   string
		body   string
		signed bool
		want   int
	}{
		{name: "not json", path: "/webhooks/fake", body: "reference=x", signed: true, want: http.StatusBadRequest},
		{name: "missing reference", path: "/webhooks/fake", body: `{"status":"succeeded"}`, signed: true, want: http.StatusBadRequest},
		{name: "bad signature acknowledged", path: "/webhooks/fake", body: good, want: http.StatusOK},
		{name: "unknown reference acknowledged", path: "/webhooks/fake", body: `{"reference":"RNT-x","status":"failed","kind":"collection"}`, signed: true, want: http.StatusOK},
		{name: "gateway not configured", path: "/webhooks/momo", body: good, signed: true, want: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := post(r, tt.path, tt.body, tt.signed)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
	assert.Equal(t, payment.StatusPending, f.payment(t, p.ID).Status)

	w := post(r, "/webhooks/fake", good, true)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"received"}`, w.Body.String())
	assert.Equal(t, payment.StatusCompleted, f.payment(t, p.ID).Status)

	// Gateways retry; the replay is acknowledged the same way.
	w = post(r, "/webhooks/fake", good, true)
	assert.Equal(t, http.StatusOK, w.Code)
}
