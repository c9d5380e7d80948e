// Package stripe adapts the Stripe API for club package subscriptions:
// checkout sessions out, verified subscription lifecycle events in.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	stripeapi "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/checkout/session"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/iliyamo/club-license-service/internal/catalog"
	"github.com/iliyamo/club-license-service/internal/model"
	"github.com/iliyamo/club-license-service/internal/payment"
)

const provider = "stripe"

// Event types handled by the reconciler.
const (
	EventCheckoutCompleted       = "checkout.session.completed"
	EventSubscriptionCreated     = "customer.subscription.created"
	EventSubscriptionUpdated     = "customer.subscription.updated"
	EventSubscriptionDeleted     = "customer.subscription.deleted"
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventInvoicePaymentFailed    = "invoice.payment_failed"
)

// Metadata keys set on checkout sessions and their subscriptions.
const (
	MetaClubID    = "club_id"
	MetaPackageID = "package_id"
)

var ErrInvalidSignature = errors.New("stripe: invalid webhook signature")

// Client creates checkout sessions.  Webhooks are verified by ParseEvent.
type Client struct {
	sessions session.Client
	catalog  *catalog.Catalog
}

// New returns a Client for the live Stripe API.
func New(secretKey string, cat *catalog.Catalog) *Client {
	return NewWithBackend(secretKey, cat, stripeapi.GetBackend(stripeapi.APIBackend))
}

// NewWithBackend lets tests point the client at a fake API.
func NewWithBackend(secretKey string, cat *catalog.Catalog, b stripeapi.Backend) *Client {
	return &Client{
		sessions: session.Client{B: b, Key: secretKey},
		catalog:  cat,
	}
}

// CreateCheckoutSession starts a subscription checkout for packageID and
// returns the hosted checkout URL.  The club and package travel as metadata
// on both the session and the subscription it creates.
func (c *Client) CreateCheckoutSession(ctx context.Context, packageID, clubID, returnURL string) (string, error) {
	pkg, err := c.catalog.Get(packageID)
	if err != nil {
		return "", err
	}
	if pkg.StripePriceID == "" {
		return "", fmt.Errorf("package %s has no stripe price: %w", packageID, model.ErrUnknownPackage)
	}
	meta := map[string]string{MetaClubID: clubID, MetaPackageID: packageID}
	params := &stripeapi.CheckoutSessionParams{
		Mode: stripeapi.String(string(stripeapi.CheckoutSessionModeSubscription)),
		LineItems: []*stripeapi.CheckoutSessionLineItemParams{
			{Price: stripeapi.String(pkg.StripePriceID), Quantity: stripeapi.Int64(1)},
		},
		SuccessURL:        stripeapi.String(withQuery(returnURL, "checkout", "success")),
		CancelURL:         stripeapi.String(withQuery(returnURL, "checkout", "cancelled")),
		ClientReferenceID: stripeapi.String(clubID),
		SubscriptionData:  &stripeapi.CheckoutSessionSubscriptionDataParams{Metadata: meta},
	}
	params.Context = ctx
	for k, v := range meta {
		params.AddMetadata(k, v)
	}
	params.SetIdempotencyKey(fmt.Sprintf("checkout-%s-%s", clubID, packageID))

	s, err := c.sessions.New(params)
	if err != nil {
		return "", &model.ProviderError{Provider: provider, Op: "create checkout session", Err: err}
	}
	return s.URL, nil
}

func withQuery(raw, k, v string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set(k, v)
	u.RawQuery = q.Encode()
	return u.String()
}

// Event is a verified subscription lifecycle event reduced to what the
// reconciler needs.
type Event struct {
	ID             string
	Type           string
	SubscriptionID string
	ClubID         string
	PackageID      string
	Status         string // subscription status, when the event carries one
}

// ParseEvent verifies the Stripe-Signature header against secret and
// decodes the event.
func ParseEvent(secret string, payload []byte, signature string) (*Event, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: no webhook secret configured", ErrInvalidSignature)
	}
	ev, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	out := &Event{ID: ev.ID, Type: string(ev.Type)}
	if ev.Data == nil {
		return out, nil
	}

	switch out.Type {
	case EventCheckoutCompleted:
		var s stripeapi.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &s); err != nil {
			return nil, fmt.Errorf("stripe: decode checkout session: %w", err)
		}
		if s.Subscription != nil {
			out.SubscriptionID = s.Subscription.ID
		}
		out.ClubID = s.Metadata[MetaClubID]
		if out.ClubID == "" {
			out.ClubID = s.ClientReferenceID
		}
		out.PackageID = s.Metadata[MetaPackageID]
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		var s stripeapi.Subscription
		if err := json.Unmarshal(ev.Data.Raw, &s); err != nil {
			return nil, fmt.Errorf("stripe: decode subscription: %w", err)
		}
		out.SubscriptionID = s.ID
		out.Status = string(s.Status)
		out.ClubID = s.Metadata[MetaClubID]
		out.PackageID = s.Metadata[MetaPackageID]
	case EventInvoicePaymentSucceeded, EventInvoicePaymentFailed:
		var inv stripeapi.Invoice
		if err := json.Unmarshal(ev.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("stripe: decode invoice: %w", err)
		}
		if inv.Subscription != nil {
			out.SubscriptionID = inv.Subscription.ID
		}
	}
	return out, nil
}

var _ payment.Checkout = (*Client)(nil)
