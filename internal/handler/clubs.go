package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/club-license-service/internal/catalog"
	"github.com/iliyamo/club-license-service/internal/ledger"
	"github.com/iliyamo/club-license-service/internal/license"
	"github.com/iliyamo/club-license-service/internal/model"
	"github.com/iliyamo/club-license-service/internal/payment"
)

// ClubHandler serves a club's dashboard: its license pool, sales
// statistics and finances, and the package checkout.
type ClubHandler struct {
	Pool      *license.Pool
	Ledger    *ledger.Ledger
	Catalog   *catalog.Catalog
	Billing   payment.Checkout
	ReturnURL string
}

type licensesResponse struct {
	Counts    model.LicenseCounts `json:"counts"`
	Available []model.LicenseUnit `json:"available"`
}

// Licenses handles GET /v1/clubs/:id/licenses.
func (h *ClubHandler) Licenses(c echo.Context) error {
	ctx := c.Request().Context()
	clubID := c.Param("id")
	counts, err := h.Pool.Counts(ctx, clubID)
	if err != nil {
		return writeError(c, err)
	}
	units, err := h.Pool.FindAvailable(ctx, clubID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, licensesResponse{Counts: counts, Available: units})
}

type provisionRequest struct {
	Count     int    `json:"count" validate:"required,min=1,max=10000"`
	PackageID string `json:"package_id" validate:"required"`
}

// Provision handles POST /v1/clubs/:id/licenses.  Platform admins use it
// to top up a club's pool outside a package activation.
func (h *ClubHandler) Provision(c echo.Context) error {
	var body provisionRequest
	if err := bind(c, &body); err != nil {
		return err
	}
	pkg, err := h.Catalog.Get(body.PackageID)
	if err != nil {
		return writeError(c, err)
	}
	now := time.Now()
	validity := now.AddDate(0, pkg.ValidityMonths, 0).Sub(now)
	units, err := h.Pool.Provision(c.Request().Context(), c.Param("id"), body.Count, pkg.ID, validity)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, units)
}

// Stats handles GET /v1/clubs/:id/stats.  ?year=2025&month=3 restricts
// the per-seller breakdown and totals to one billing month.
func (h *ClubHandler) Stats(c echo.Context) error {
	var period *model.Period
	if y, m := c.QueryParam("year"), c.QueryParam("month"); y != "" || m != "" {
		year, err1 := strconv.Atoi(y)
		month, err2 := strconv.Atoi(m)
		if err1 != nil || err2 != nil || month < 1 || month > 12 {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "year and month must be given together, month 1-12"})
		}
		period = &model.Period{Year: year, Month: time.Month(month)}
	}
	stats, err := h.Ledger.ClubSalesStats(c.Request().Context(), c.Param("id"), period)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

// Finance handles GET /v1/clubs/:id/finance.
func (h *ClubHandler) Finance(c echo.Context) error {
	f, err := h.Ledger.Finance(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, f)
}

// Transactions handles GET /v1/clubs/:id/transactions?limit=N.
func (h *ClubHandler) Transactions(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	rows, err := h.Ledger.Transactions(c.Request().Context(), c.Param("id"), limit)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, rows)
}

type checkoutRequest struct {
	PackageID string `json:"package_id" validate:"required"`
}

// Checkout handles POST /v1/clubs/:id/checkout and returns the hosted
// checkout URL for a package subscription.
func (h *ClubHandler) Checkout(c echo.Context) error {
	if h.Billing == nil {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "card billing not configured"})
	}
	var body checkoutRequest
	if err := bind(c, &body); err != nil {
		return err
	}
	clubID := c.Param("id")
	url, err := h.Billing.CreateCheckoutSession(c.Request().Context(), body.PackageID, clubID, h.ReturnURL+"/clubs/"+clubID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"url": url})
}

// Packages handles GET /v1/packages.
func (h *ClubHandler) Packages(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Catalog.All())
}
