// Package authtest mints tokens shaped like the identity service's, for tests
// of code sitting behind auth.RequireAccessToken.
package authtest

import (
	"testing"
	"time"

	"rent-billing/internal/auth"
	"rent-billing/internal/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	AccessTTL  = 15 * time.Minute
	RefreshTTL = 24 * time.Hour
)

// Issuer signs with the same secret, issuer and audience a Manager verifies.
type Issuer struct {
	cfg config.AuthConfig
}

func New(cfg config.AuthConfig) Issuer { return Issuer{cfg: cfg} }

// Access returns an access token for userID valid from now.
func (i Issuer) Access(t testing.TB, now time.Time, userID, role string) string {
	t.Helper()
	return i.Sign(t, now, auth.TokenTypeAccess, userID, role, AccessTTL)
}

// Refresh returns a role-less refresh token.
func (i Issuer) Refresh(t testing.TB, now time.Time, userID string) string {
	t.Helper()
	return i.Sign(t, now, auth.TokenTypeRefresh, userID, "", RefreshTTL)
}

// Sign mints an arbitrary token; tests use it for malformed claims.
func (i Issuer) Sign(t testing.TB, now time.Time, typ auth.TokenType, userID, role string, ttl time.Duration) string {
	t.Helper()
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    i.cfg.JWTIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		UserID:    userID,
		Role:      role,
		TokenType: typ,
	}
	if i.cfg.JWTAudience != "" {
		claims.Audience = jwt.ClaimStrings{i.cfg.JWTAudience}
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(i.cfg.JWTSecret))
	if err != nil {
		t.Fatalf("authtest: sign token: %v", err)
	}
	return s
}
