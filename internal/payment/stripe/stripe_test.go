package stripe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripeapi "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/iliyamo/club-license-service/internal/catalog"
	"github.com/iliyamo/club-license-service/internal/model"
)

const secret = "whsec_test"

func sign(t *testing.T, payload string) string {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return signed.Header
}

func TestParseCheckoutCompleted(t *testing.T) {
	payload := `{"id":"evt_1","object":"event","type":"checkout.session.completed","data":{"object":{
		"id":"cs_1","object":"checkout.session","client_reference_id":"club-1","subscription":"sub_1",
		"metadata":{"club_id":"club-1","package_id":"package_100"}}}}`

	ev, err := ParseEvent(secret, []byte(payload), sign(t, payload))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, EventCheckoutCompleted, ev.Type)
	assert.Equal(t, "sub_1", ev.SubscriptionID)
	assert.Equal(t, "club-1", ev.ClubID)
	assert.Equal(t, "package_100", ev.PackageID)
}

func TestParseSubscriptionAndInvoice(t *testing.T) {
	sub := `{"id":"evt_2","object":"event","type":"customer.subscription.updated","data":{"object":{
		"id":"sub_1","object":"subscription","status":"past_due","metadata":{"club_id":"club-1"}}}}`
	ev, err := ParseEvent(secret, []byte(sub), sign(t, sub))
	require.NoError(t, err)
	assert.Equal(t, "sub_1", ev.SubscriptionID)
	assert.Equal(t, "past_due", ev.Status)

	inv := `{"id":"evt_3","object":"event","type":"invoice.payment_failed","data":{"object":{
		"id":"in_1","object":"invoice","subscription":"sub_1"}}}`
	ev, err = ParseEvent(secret, []byte(inv), sign(t, inv))
	require.NoError(t, err)
	assert.Equal(t, EventInvoicePaymentFailed, ev.Type)
	assert.Equal(t, "sub_1", ev.SubscriptionID)
}

func TestParseEventRejectsBadSignature(t *testing.T) {
	payload := `{"id":"evt_1","object":"event","type":"invoice.payment_failed","data":{"object":{}}}`
	_, err := ParseEvent(secret, []byte(payload), "t=1,v1=deadbeef")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = ParseEvent("", []byte(payload), sign(t, payload))
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestCreateCheckoutSession(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		form = r.PostForm
		_, _ = w.Write([]byte(`{"id":"cs_1","object":"checkout.session","url":"https://checkout.stripe.com/c/cs_1"}`))
	}))
	defer srv.Close()

	cat, err := catalog.Default().WithStripePrices(map[string]string{"package_100": "price_100"})
	require.NoError(t, err)
	backend := stripeapi.GetBackendWithConfig(stripeapi.APIBackend, &stripeapi.BackendConfig{
		URL:           stripeapi.String(srv.URL),
		LeveledLogger: &stripeapi.LeveledLogger{Level: stripeapi.LevelNull},
	})
	c := NewWithBackend("sk_test", cat, backend)

	u, err := c.CreateCheckoutSession(context.Background(), "package_100", "club-1", "https://app.example/clubs/club-1")
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.stripe.com/c/cs_1", u)
	assert.Equal(t, "subscription", form.Get("mode"))
	assert.Equal(t, "price_100", form.Get("line_items[0][price]"))
	assert.Equal(t, "club-1", form.Get("metadata[club_id]"))
	assert.Equal(t, "package_100", form.Get("subscription_data[metadata][package_id]"))

	_, err = c.CreateCheckoutSession(context.Background(), "package_25", "club-1", "https://app.example")
	assert.ErrorIs(t, err, model.ErrUnknownPackage)
}
