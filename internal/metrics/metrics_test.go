package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{409, "4xx"},
		{503, "5xx"},
		{0, "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusBucket(tt.code), "code %d", tt.code)
	}
}

func TestMiddlewareCountsRoutePattern(t *testing.T) {
	e := echo.New()
	e.Use(Middleware())
	e.GET("/v1/sales/:id/validity", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })
	e.GET("/metrics", Handler())

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/v1/sales/:id/validity", "2xx"))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sales/abc/validity", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/v1/sales/:id/validity", "2xx"))
	assert.Equal(t, before+1, after)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "clublicense_goroutines"))
}
