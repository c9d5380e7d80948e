package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/club-license-service/internal/identity"
)

// Context keys set by JWTAuth.
const (
	ctxIdentity = "identity"
	ctxUserID   = "user_id"
	ctxRole     = "role"
)

// JWTAuth validates the Bearer token with v and stores the verified
// identity in the context.  Handlers read it with CurrentIdentity.
func JWTAuth(v *identity.Verifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			auth := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing bearer token"})
			}
			id, err := v.VerifyIdentity(strings.TrimPrefix(auth, "Bearer "))
			if err != nil {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
			}
			c.Set(ctxIdentity, id)
			c.Set(ctxUserID, id.SubjectID)
			c.Set(ctxRole, string(id.Claims.Role))
			return next(c)
		}
	}
}
