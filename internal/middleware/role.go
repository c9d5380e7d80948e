package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/club-license-service/internal/identity"
)

// RequireRole aborts with 403 unless the caller has one of roles.  It runs
// after JWTAuth.
func RequireRole(roles ...identity.Role) echo.MiddlewareFunc {
	allowed := make(map[identity.Role]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := CurrentIdentity(c)
			if id == nil || !allowed[id.Claims.Role] {
				return c.JSON(http.StatusForbidden, map[string]string{"error": "forbidden"})
			}
			return next(c)
		}
	}
}

// RequireClubAccess aborts with 403 unless the caller may act on the club
// named by the path parameter param.
func RequireClubAccess(param string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := CurrentIdentity(c)
			if id == nil || !id.CanAccessClub(c.Param(param)) {
				return c.JSON(http.StatusForbidden, map[string]string{"error": "forbidden"})
			}
			return next(c)
		}
	}
}
