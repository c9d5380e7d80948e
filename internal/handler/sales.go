package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/club-license-service/internal/identity"
	"github.com/iliyamo/club-license-service/internal/ledger"
	"github.com/iliyamo/club-license-service/internal/middleware"
	"github.com/iliyamo/club-license-service/internal/model"
	"github.com/iliyamo/club-license-service/internal/reservation"
	"github.com/iliyamo/club-license-service/internal/webhook"
)

// SalesHandler serves the point-of-sale flow: reserve a license, take the
// buyer through payment and complete or cancel the sale.
type SalesHandler struct {
	Manager    *reservation.Manager
	Reconciler *webhook.Reconciler
	Ledger     *ledger.Ledger
}

type customerRequest struct {
	Name  string `json:"name" validate:"required,max=200"`
	Email string `json:"email" validate:"omitempty,email"`
	Phone string `json:"phone" validate:"required,min=8,max=20"`
}

func (r *customerRequest) model() *model.Customer {
	if r == nil {
		return nil
	}
	return &model.Customer{Name: r.Name, Email: r.Email, Phone: r.Phone}
}

type startSaleRequest struct {
	ClubID   string           `json:"club_id" validate:"required"`
	SellerID string           `json:"seller_id"`
	Customer *customerRequest `json:"customer" validate:"required"`
}

// StartSale handles POST /v1/sales.  Sellers sell as themselves; platform
// admins may name the seller.  Responds 201 with the reservation and the
// agreement landing page.
func (h *SalesHandler) StartSale(c echo.Context) error {
	id := middleware.CurrentIdentity(c)
	var body startSaleRequest
	if err := bind(c, &body); err != nil {
		return err
	}
	if !id.CanAccessClub(body.ClubID) {
		return forbidden(c)
	}
	seller := id.SubjectID
	if id.Claims.Role == identity.RolePlatformAdmin && body.SellerID != "" {
		seller = body.SellerID
	}
	res, err := h.Manager.StartSale(c.Request().Context(), reservation.StartSaleRequest{
		SellerID: seller,
		ClubID:   body.ClubID,
		Customer: body.Customer.model(),
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, res)
}

// reservation loads :id and checks the caller may see it.
func (h *SalesHandler) reservation(c echo.Context) (*model.Reservation, error) {
	r, err := h.Manager.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return nil, err
	}
	if !middleware.CurrentIdentity(c).CanAccessClub(r.ClubID) {
		// do not reveal reservations of other clubs
		return nil, model.ErrReservationNotFound
	}
	return r, nil
}

// GetReservation handles GET /v1/sales/reservations/:id.
func (h *SalesHandler) GetReservation(c echo.Context) error {
	r, err := h.reservation(c)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, r)
}

// Cancel handles POST /v1/sales/reservations/:id/cancel.
func (h *SalesHandler) Cancel(c echo.Context) error {
	r, err := h.reservation(c)
	if err != nil {
		return writeError(c, err)
	}
	if err := h.Manager.Cancel(c.Request().Context(), r.ID); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type completeRequest struct {
	Customer *customerRequest `json:"customer"`
}

// Complete handles POST /v1/sales/reservations/:id/complete, the manual
// completion path for payments confirmed outside the wallet flow.
// Reservations backed by a wallet agreement complete through the webhook
// or Poll; only a platform admin may force them.
func (h *SalesHandler) Complete(c echo.Context) error {
	r, err := h.reservation(c)
	if err != nil {
		return writeError(c, err)
	}
	if r.AgreementID != nil && middleware.CurrentIdentity(c).Claims.Role != identity.RolePlatformAdmin {
		return writeError(c, model.ErrPaymentPending)
	}
	var body completeRequest
	if err := bind(c, &body); err != nil {
		return err
	}
	sale, err := h.Manager.Complete(c.Request().Context(), r.ID, body.Customer.model())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, sale)
}

// Poll handles POST /v1/sales/reservations/:id/poll.  The checkout screen
// calls it while the buyer approves the agreement.
func (h *SalesHandler) Poll(c echo.Context) error {
	r, err := h.reservation(c)
	if err != nil {
		return writeError(c, err)
	}
	r, err = h.Reconciler.PollAgreement(c.Request().Context(), r.ID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, r)
}

// Validity handles GET /v1/sales/:id/validity.
func (h *SalesHandler) Validity(c echo.Context) error {
	v, err := h.Ledger.CheckValidity(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, v)
}
