package handler

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/club-license-service/internal/model"
)

// MsgNoLicense is shown to sellers when the club's pool is exhausted.
const MsgNoLicense = "no licenses available, contact club admin for more licenses"

// Validator adapts validator/v10 to echo.
type Validator struct {
	v *validator.Validate
}

// NewValidator returns the echo validator used by all handlers.
func NewValidator() *Validator {
	return &Validator{v: validator.New(validator.WithRequiredStructEnabled())}
}

// Validate implements echo.Validator.
func (cv *Validator) Validate(i any) error {
	return cv.v.Struct(i)
}

// bind decodes and validates the request body into dst.  A non-nil error
// is an *echo.HTTPError carrying the 400 body.
func bind(c echo.Context, dst any) error {
	if err := c.Bind(dst); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if err := c.Validate(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
			return echo.NewHTTPError(http.StatusBadRequest, echo.Map{"error": "validation failed", "fields": fields})
		}
		return echo.NewHTTPError(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	return nil
}

// writeError maps domain errors to responses.  Unknown errors are logged
// by the request logger and reported as a generic 500.
func writeError(c echo.Context, err error) error {
	status, msg := http.StatusInternalServerError, "internal error"
	switch {
	case errors.Is(err, model.ErrNoLicenseAvailable):
		status, msg = http.StatusConflict, MsgNoLicense
	case errors.Is(err, model.ErrReservationNotFound):
		status, msg = http.StatusNotFound, "reservation not found"
	case errors.Is(err, model.ErrSaleNotFound):
		status, msg = http.StatusNotFound, "sale not found"
	case errors.Is(err, model.ErrClubOrSellerNotFound):
		status, msg = http.StatusNotFound, "club or seller not found"
	case errors.Is(err, model.ErrCommissionNotFound):
		status, msg = http.StatusNotFound, "commission not found"
	case errors.Is(err, model.ErrReservationNotActive):
		status, msg = http.StatusConflict, "reservation is no longer active"
	case errors.Is(err, model.ErrInvalidStateTransition):
		status, msg = http.StatusConflict, "operation not allowed in the current state"
	case errors.Is(err, model.ErrPaymentPending):
		status, msg = http.StatusConflict, "waiting for the buyer to approve the payment"
	case errors.Is(err, model.ErrPackageAlreadyActive):
		status, msg = http.StatusConflict, "club already has an active package"
	case errors.Is(err, model.ErrCustomerRequired):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, model.ErrUnknownPackage):
		status, msg = http.StatusBadRequest, "unknown package"
	case errors.Is(err, model.ErrExternalProvider):
		status, msg = http.StatusBadGateway, "payment provider unavailable, try again"
	case errors.Is(err, model.ErrPersistenceConflict):
		status, msg = http.StatusServiceUnavailable, "busy, try again"
	default:
		c.Set("error", err.Error())
	}
	return c.JSON(status, echo.Map{"error": msg})
}

func forbidden(c echo.Context) error {
	return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
}
