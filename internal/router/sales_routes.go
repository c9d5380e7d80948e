package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/club-license-service/internal/handler"
	"github.com/iliyamo/club-license-service/internal/identity"
	"github.com/iliyamo/club-license-service/internal/middleware"
)

// registerSales mounts the point-of-sale flow.  Club access is checked per
// reservation inside the handler.
func registerSales(v1 *echo.Group, h *handler.SalesHandler) {
	pos := v1.Group("/sales", middleware.RequireRole(identity.RoleSeller, identity.RoleClubAdmin, identity.RolePlatformAdmin))
	pos.POST("", h.StartSale)
	pos.GET("/reservations/:id", h.GetReservation)
	pos.POST("/reservations/:id/cancel", h.Cancel)
	pos.POST("/reservations/:id/complete", h.Complete)
	pos.POST("/reservations/:id/poll", h.Poll)

	v1.GET("/sales/:id/validity", h.Validity)
}
