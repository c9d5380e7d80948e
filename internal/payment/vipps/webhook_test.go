package vipps

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sentAt = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func signedRequest(secret string, body []byte) WebhookRequest {
	h := http.Header{}
	hash := ContentHash(body)
	date := sentAt.Format(http.TimeFormat)
	h.Set("X-Ms-Date", date)
	h.Set("X-Ms-Content-Sha256", hash)
	h.Set("Authorization", "HMAC-SHA256 SignedHeaders=x-ms-date;host;x-ms-content-sha256&Signature="+
		Sign(secret, http.MethodPost, "/webhooks/vipps", date, "api.example.no", hash))
	return WebhookRequest{Method: http.MethodPost, PathAndQuery: "/webhooks/vipps", Host: "api.example.no", Header: h, Body: body}
}

func TestVerifyWebhook(t *testing.T) {
	body := []byte(`{"eventType":"recurring.agreement-activated.v1","agreementId":"agr_1","occurred":"2025-03-10T12:00:00Z"}`)
	ev, err := VerifyWebhook("whsec", signedRequest("whsec", body), sentAt)
	require.NoError(t, err)
	assert.Equal(t, EventAgreementActivated, ev.Type)
	assert.Equal(t, "agr_1", ev.AgreementID)
	assert.Len(t, ev.ID, 32)

	again, err := VerifyWebhook("whsec", signedRequest("whsec", body), sentAt)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, again.ID, "derived id is stable")
}

func TestVerifyWebhookRejects(t *testing.T) {
	body := []byte(`{"eventType":"recurring.agreement-activated.v1","agreementId":"agr_1"}`)

	_, err := VerifyWebhook("whsec", signedRequest("other", body), sentAt)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	req := signedRequest("whsec", body)
	req.Body = []byte(`{"eventType":"recurring.agreement-activated.v1","agreementId":"agr_2"}`)
	_, err = VerifyWebhook("whsec", req, sentAt)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = VerifyWebhook("", signedRequest("", body), sentAt)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyWebhookRejectsReplays(t *testing.T) {
	body := []byte(`{"eventId":"e-1","eventType":"recurring.agreement-activated.v1","agreementId":"agr_1"}`)
	req := signedRequest("whsec", body)

	_, err := VerifyWebhook("whsec", req, sentAt.Add(MaxClockSkew-time.Second))
	require.NoError(t, err)
	_, err = VerifyWebhook("whsec", req, sentAt.Add(-MaxClockSkew+time.Second))
	require.NoError(t, err)

	_, err = VerifyWebhook("whsec", req, sentAt.Add(MaxClockSkew+time.Second))
	assert.ErrorIs(t, err, ErrStale)
	_, err = VerifyWebhook("whsec", req, sentAt.Add(-time.Hour))
	assert.ErrorIs(t, err, ErrStale)

	// a date that does not parse fails even when signed
	h := req.Header.Clone()
	h.Set("X-Ms-Date", "yesterday")
	h.Set("Authorization", "HMAC-SHA256 SignedHeaders=x-ms-date;host;x-ms-content-sha256&Signature="+
		Sign("whsec", http.MethodPost, "/webhooks/vipps", "yesterday", "api.example.no", ContentHash(body)))
	req.Header = h
	_, err = VerifyWebhook("whsec", req, sentAt)
	assert.ErrorIs(t, err, ErrStale)
}
