package reconcile

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"rent-billing/internal/gateway"
	"rent-billing/pkg/logger"

	"github.com/gin-gonic/gin"
)

const maxWebhookBody = 1 << 20

// WebhookHandler receives callbacks for one gateway.
//
// Providers retry anything but 2xx, so every well-formed delivery is
// acknowledged with 200 whatever happened to it; only bodies that are not
// JSON or lack required fields get 400.
type WebhookHandler struct {
	Service  *Service
	Gateways Gateways
	Provider string
}

func (h WebhookHandler) Handle(c *gin.Context) {
	log := logger.FromGin(c).With("provider", h.Provider)

	gw, ok := h.Gateways.Lookup(h.Provider)
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "gateway not configured"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil || len(body) > maxWebhookBody {
		log.Warn("webhook body unreadable", "err", err, "bytes", len(body))
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if !json.Valid(body) {
		log.Warn("webhook body is not json")
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	ctx := logger.With(c.Request.Context(), log)
	res, err := h.Service.HandleWebhook(ctx, gw, gateway.Webhook{Body: body, Header: c.Request.Header.Clone()})
	if errors.Is(err, gateway.ErrMalformedWebhook) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}
	if err != nil {
		log.Error("webhook handling failed", "err", err)
	}
	log.Debug("webhook handled", "result", res)
	c.JSON(http.StatusOK, gin.H{"status": "received"})
}
