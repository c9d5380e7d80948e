// Package router registers the HTTP routes.
package router

import (
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/club-license-service/internal/config"
	"github.com/iliyamo/club-license-service/internal/handler"
	"github.com/iliyamo/club-license-service/internal/identity"
	"github.com/iliyamo/club-license-service/internal/metrics"
	"github.com/iliyamo/club-license-service/internal/middleware"
)

// Deps are the handlers and middleware dependencies of the API.
type Deps struct {
	Log       logrus.FieldLogger
	Verifier  *identity.Verifier
	Redis     redis.UniversalClient
	RateLimit config.RateLimitConfig
	Cache     config.CacheConfig
	Sales     *handler.SalesHandler
	Clubs     *handler.ClubHandler
	Accrual   *handler.AccrualHandler
	Webhooks  *handler.WebhookHandler
}

// RegisterRoutes registers the health and metrics endpoints.
func RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", handler.Health)
	e.GET("/metrics", metrics.Handler())
}

// RegisterAPI registers every authenticated /v1 route and the provider
// callbacks.
func RegisterAPI(e *echo.Echo, d Deps) {
	auth := middleware.JWTAuth(d.Verifier)
	limit := middleware.NewTokenBucket(d.RateLimit, d.Redis, d.Log)

	v1 := e.Group("/v1", auth, limit)
	registerSales(v1, d.Sales)
	registerClubs(v1, d.Clubs, middleware.NewRedisCache(d.Cache, d.Redis))
	registerAccrual(v1, d.Accrual)

	registerWebhooks(e, d.Webhooks, limit)
}
