package auth

import (
	"net/http"
	"strings"
	"time"

	"rent-billing/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Gin context keys set by RequireAccessToken.
const (
	GinKeyUserID = "user_id"
	GinKeyRole   = "role"
)

// bearerToken extracts the token from an Authorization header. The scheme is
// matched case-insensitively.
func bearerToken(header string) (string, bool) {
	scheme, tok, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}

// RequireAccessToken verifies an access token and puts the caller's identity
// into the request context. Refresh tokens are refused here.
// Role checks belong to internal/rbac and lease ownership to the handlers.
func RequireAccessToken(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := m.Verify(tok, TokenTypeAccess, time.Now())
		if err != nil {
			logger.FromGin(c).Debug("access token rejected", "err", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		ctx := WithIdentity(c.Request.Context(), claims.UserID, claims.Role)
		// Everything logged for the rest of the request names the caller.
		ctx = logger.With(ctx, logger.From(ctx).With("user_id", claims.UserID, "role", claims.Role))
		c.Request = c.Request.WithContext(ctx)

		c.Set(GinKeyUserID, claims.UserID)
		c.Set(GinKeyRole, claims.Role)
		c.Next()
	}
}
