package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/club-license-service/internal/config"
	"github.com/iliyamo/club-license-service/internal/identity"
	"github.com/iliyamo/club-license-service/internal/logging"
)

const secret = "mw-secret"

func token(t *testing.T, role identity.Role, club string) string {
	t.Helper()
	tok, err := identity.Issue(secret, "", identity.Identity{SubjectID: "u-1", Claims: identity.Claims{Role: role, ClubID: club}}, time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok.Token
}

func do(e *echo.Echo, method, path, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestJWTAuthAndRoles(t *testing.T) {
	e := echo.New()
	auth := JWTAuth(identity.NewVerifier(secret, ""))
	ok := func(c echo.Context) error {
		return c.String(http.StatusOK, CurrentIdentity(c).SubjectID)
	}
	e.GET("/clubs/:id", ok, auth, RequireRole(identity.RoleClubAdmin, identity.RolePlatformAdmin), RequireClubAccess("id"))

	assert.Equal(t, http.StatusUnauthorized, do(e, http.MethodGet, "/clubs/club-1", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(e, http.MethodGet, "/clubs/club-1", "Bearer nope").Code)
	assert.Equal(t, http.StatusForbidden, do(e, http.MethodGet, "/clubs/club-1", token(t, identity.RoleSeller, "club-1")).Code)
	assert.Equal(t, http.StatusForbidden, do(e, http.MethodGet, "/clubs/club-2", token(t, identity.RoleClubAdmin, "club-1")).Code)

	rec := do(e, http.MethodGet, "/clubs/club-1", token(t, identity.RoleClubAdmin, "club-1"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u-1", rec.Body.String())
	assert.Equal(t, http.StatusOK, do(e, http.MethodGet, "/clubs/club-9", token(t, identity.RolePlatformAdmin, "")).Code)
}

func TestTokenBucket(t *testing.T) {
	_, client := newRedis(t)
	cfg := config.RateLimitConfig{
		Enabled: true, Capacity: 2, RefillTokens: 1, RefillInterval: time.Minute,
		TTL: 10 * time.Minute, KeyStrategy: "ip", Prefix: "rl",
	}
	e := echo.New()
	e.Use(NewTokenBucket(cfg, client, logging.Discard()))
	e.GET("/x", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	assert.Equal(t, http.StatusOK, do(e, http.MethodGet, "/x", "").Code)
	rec := do(e, http.MethodGet, "/x", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = do(e, http.MethodGet, "/x", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestTokenBucketFailsOpen(t *testing.T) {
	mr, client := newRedis(t)
	mr.Close()
	cfg := config.RateLimitConfig{Enabled: true, Capacity: 1, RefillTokens: 1, RefillInterval: time.Second, TTL: time.Minute, Prefix: "rl"}
	e := echo.New()
	e.Use(NewTokenBucket(cfg, client, logging.Discard()))
	e.GET("/x", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, do(e, http.MethodGet, "/x", "").Code)
	}
}

func TestRedisCache(t *testing.T) {
	_, client := newRedis(t)
	calls := 0
	e := echo.New()
	e.Use(NewRedisCache(config.CacheConfig{Enabled: true, TTL: time.Minute, Prefix: "cache"}, client))
	e.GET("/stats", func(c echo.Context) error {
		calls++
		return c.JSON(http.StatusOK, map[string]int{"total": calls})
	})
	e.GET("/missing", func(c echo.Context) error {
		calls++
		return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
	})

	first := do(e, http.MethodGet, "/stats", "")
	assert.Equal(t, "MISS", first.Header().Get("X-Cache"))
	second := do(e, http.MethodGet, "/stats", "")
	assert.Equal(t, "HIT", second.Header().Get("X-Cache"))
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, echo.MIMEApplicationJSON, second.Header().Get(echo.HeaderContentType))
	assert.Equal(t, 1, calls)

	do(e, http.MethodGet, "/missing", "")
	do(e, http.MethodGet, "/missing", "")
	assert.Equal(t, 3, calls, "errors are not cached")
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	e.Use(RequestLogger(logging.NewWithOutput(&buf, "info", "json")))
	e.GET("/boom", func(c echo.Context) error { return echo.NewHTTPError(http.StatusTeapot, "short and stout") })

	rec := do(e, http.MethodGet, "/boom", "")
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Contains(t, buf.String(), `"status":418`)
	assert.Contains(t, buf.String(), `"path":"/boom"`)
	assert.Contains(t, buf.String(), `"level":"warning"`)
}
