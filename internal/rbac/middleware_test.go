package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"rent-billing/internal/auth"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func serveAs(role string, allowed ...string) int {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.GET("/x", func(c *gin.Context) {
		if role != "" {
			ctx := auth.WithIdentity(c.Request.Context(), "u", role)
			c.Request = c.Request.WithContext(ctx)
		}
		c.Next()
	}, RequireAnyRole(allowed...), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	return w.Code
}

func TestRequireAnyRole(t *testing.T) {
	require.Equal(t, http.StatusOK, serveAs(RoleLandlord, RoleLandlord))
	require.Equal(t, http.StatusOK, serveAs(RoleAdmin, RoleLandlord))
	require.Equal(t, http.StatusForbidden, serveAs(RoleTenant, RoleLandlord))
	require.Equal(t, http.StatusForbidden, serveAs("network_operator", "network_operator"))
	require.Equal(t, http.StatusUnauthorized, serveAs("", RoleLandlord))
}
