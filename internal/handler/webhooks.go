package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/club-license-service/internal/payment/vipps"
	"github.com/iliyamo/club-license-service/internal/webhook"
)

const maxWebhookBody = 1 << 16

// WebhookHandler receives payment provider callbacks.  400 means the
// callback was rejected and nothing changed; 500 asks the provider to
// retry.
type WebhookHandler struct {
	Reconciler *webhook.Reconciler
}

func readBody(c echo.Context) ([]byte, error) {
	r := c.Request()
	return io.ReadAll(http.MaxBytesReader(c.Response(), r.Body, maxWebhookBody))
}

func unreadable(c echo.Context, err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return c.JSON(http.StatusRequestEntityTooLarge, echo.Map{"error": "body too large"})
	}
	return c.JSON(http.StatusBadRequest, echo.Map{"error": "unreadable body"})
}

// Stripe handles POST /webhooks/stripe.
func (h *WebhookHandler) Stripe(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return unreadable(c, err)
	}
	res, err := h.Reconciler.HandleStripe(c.Request().Context(), body, c.Request().Header.Get("Stripe-Signature"))
	return h.respond(c, res, err)
}

// Vipps handles POST /webhooks/vipps.
func (h *WebhookHandler) Vipps(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return unreadable(c, err)
	}
	r := c.Request()
	res, err := h.Reconciler.HandleVipps(r.Context(), vipps.WebhookRequest{
		Method:       r.Method,
		PathAndQuery: r.URL.RequestURI(),
		Host:         r.Host,
		Header:       r.Header,
		Body:         body,
	})
	return h.respond(c, res, err)
}

func (h *WebhookHandler) respond(c echo.Context, res *webhook.Result, err error) error {
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, res)
	case errors.Is(err, webhook.ErrInvalidEvent):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid webhook"})
	default:
		c.Set("error", err.Error())
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "event not applied, retry"})
	}
}
