package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/club-license-service/internal/handler"
)

// registerWebhooks mounts the provider callbacks.  They authenticate by
// signature, not by bearer token.
func registerWebhooks(e *echo.Echo, h *handler.WebhookHandler, limit echo.MiddlewareFunc) {
	g := e.Group("/webhooks", limit)
	g.POST("/stripe", h.Stripe)
	g.POST("/vipps", h.Vipps)
}
