package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareCountsByRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/leases/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	before := testutil.ToFloat64(HTTPRequests.WithLabelValues("/leases/:id", http.MethodGet, "204"))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/leases/abc", nil))
	after := testutil.ToFloat64(HTTPRequests.WithLabelValues("/leases/:id", http.MethodGet, "204"))

	require.Equal(t, before+1, after)
}

func TestObserveGatewayCall(t *testing.T) {
	before := testutil.ToFloat64(GatewayCalls.WithLabelValues("momo", "deposit", "ok"))
	ObserveGatewayCall("momo", "deposit", "ok", 10*time.Millisecond)
	require.Equal(t, before+1, testutil.ToFloat64(GatewayCalls.WithLabelValues("momo", "deposit", "ok")))
}
