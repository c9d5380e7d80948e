package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/club-license-service/internal/accrual"
	"github.com/iliyamo/club-license-service/internal/identity"
	"github.com/iliyamo/club-license-service/internal/middleware"
)

// AccrualHandler exposes agent commissions and manual accrual runs.
type AccrualHandler struct {
	Engine *accrual.Engine
}

// Commissions handles GET /v1/agents/:id/commissions.  Agents see only
// their own.
func (h *AccrualHandler) Commissions(c echo.Context) error {
	id := middleware.CurrentIdentity(c)
	agentID := c.Param("id")
	if id.Claims.Role != identity.RolePlatformAdmin && id.SubjectID != agentID {
		return forbidden(c)
	}
	out, err := h.Engine.Commissions(c.Request().Context(), agentID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

// ClubCommissions handles GET /v1/clubs/:id/commissions.
func (h *AccrualHandler) ClubCommissions(c echo.Context) error {
	out, err := h.Engine.ClubCommissions(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

// MarkPaid handles POST /v1/admin/commissions/:id/paid.
func (h *AccrualHandler) MarkPaid(c echo.Context) error {
	cm, err := h.Engine.MarkCommissionPaid(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, cm)
}

// RunAll handles POST /v1/admin/accrual/run.
func (h *AccrualHandler) RunAll(c echo.Context) error {
	sum, err := h.Engine.ProcessAllClubs(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, sum)
}

// RunClub handles POST /v1/admin/accrual/clubs/:id.
func (h *AccrualHandler) RunClub(c echo.Context) error {
	res, err := h.Engine.ProcessClubMonthlyDebt(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}
