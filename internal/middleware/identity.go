package middleware

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/club-license-service/internal/identity"
)

// CurrentIdentity returns the caller verified by JWTAuth, or nil.
func CurrentIdentity(c echo.Context) *identity.Identity {
	id, _ := c.Get(ctxIdentity).(*identity.Identity)
	return id
}

// userID returns the authenticated subject, or "anon".
func userID(c echo.Context) string {
	if s, ok := c.Get(ctxUserID).(string); ok && s != "" {
		return s
	}
	return "anon"
}
