package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/club-license-service/internal/handler"
	"github.com/iliyamo/club-license-service/internal/identity"
	"github.com/iliyamo/club-license-service/internal/middleware"
)

// registerClubs mounts the club dashboard.  cache wraps the statistics
// endpoint.
func registerClubs(v1 *echo.Group, h *handler.ClubHandler, cache echo.MiddlewareFunc) {
	v1.GET("/packages", h.Packages)

	clubs := v1.Group("/clubs/:id",
		middleware.RequireRole(identity.RoleClubAdmin, identity.RolePlatformAdmin),
		middleware.RequireClubAccess("id"),
	)
	clubs.GET("/licenses", h.Licenses)
	clubs.GET("/stats", h.Stats, cache)
	clubs.GET("/finance", h.Finance)
	clubs.GET("/transactions", h.Transactions)
	clubs.POST("/checkout", h.Checkout)
	clubs.POST("/licenses", h.Provision, middleware.RequireRole(identity.RolePlatformAdmin))
}
