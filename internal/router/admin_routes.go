package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/club-license-service/internal/handler"
	"github.com/iliyamo/club-license-service/internal/identity"
	"github.com/iliyamo/club-license-service/internal/middleware"
)

func registerAccrual(v1 *echo.Group, h *handler.AccrualHandler) {
	v1.GET("/agents/:id/commissions", h.Commissions, middleware.RequireRole(identity.RoleAgent, identity.RolePlatformAdmin))
	v1.GET("/clubs/:id/commissions", h.ClubCommissions,
		middleware.RequireRole(identity.RoleClubAdmin, identity.RolePlatformAdmin),
		middleware.RequireClubAccess("id"),
	)

	admin := v1.Group("/admin", middleware.RequireRole(identity.RolePlatformAdmin))
	admin.POST("/commissions/:id/paid", h.MarkPaid)
	admin.POST("/accrual/run", h.RunAll)
	admin.POST("/accrual/clubs/:id", h.RunClub)
}
