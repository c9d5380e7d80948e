package vipps

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Webhook event types of the Recurring API.
const (
	EventAgreementActivated = "recurring.agreement-activated.v1"
	EventAgreementRejected  = "recurring.agreement-rejected.v1"
	EventAgreementStopped   = "recurring.agreement-stopped.v1"
	EventAgreementExpired   = "recurring.agreement-expired.v1"
	EventChargeCaptured     = "recurring.charge-captured.v1"
	EventChargeFailed       = "recurring.charge-failed.v1"
)

// MaxClockSkew bounds how far X-Ms-Date may be from the receiver's clock.
const MaxClockSkew = 5 * time.Minute

var (
	ErrInvalidSignature = errors.New("vipps: invalid webhook signature")
	// ErrStale means a correctly signed callback carries a date outside
	// MaxClockSkew, as a replayed request would.
	ErrStale = errors.New("vipps: webhook date outside the accepted window")
)

// WebhookRequest is the part of an incoming callback needed to verify it.
type WebhookRequest struct {
	Method       string
	PathAndQuery string
	Host         string
	Header       http.Header
	Body         []byte
}

// Event is a decoded Recurring webhook.
type Event struct {
	ID          string    `json:"eventId"`
	Type        string    `json:"eventType"`
	AgreementID string    `json:"agreementId"`
	ChargeID    string    `json:"chargeId,omitempty"`
	Amount      int64     `json:"amount,omitempty"`
	Occurred    time.Time `json:"occurred"`
}

// VerifyWebhook checks the content hash, the HMAC-SHA256 authorization
// header and the signed X-Ms-Date against now, then decodes the event.
// Events without an id get a stable one derived from their content so
// duplicates still collapse.
func VerifyWebhook(secret string, r WebhookRequest, now time.Time) (*Event, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: no webhook secret configured", ErrInvalidSignature)
	}
	sum := sha256.Sum256(r.Body)
	contentHash := base64.StdEncoding.EncodeToString(sum[:])
	if !hmac.Equal([]byte(contentHash), []byte(r.Header.Get("X-Ms-Content-Sha256"))) {
		return nil, fmt.Errorf("%w: content hash mismatch", ErrInvalidSignature)
	}

	date := r.Header.Get("X-Ms-Date")
	want := Sign(secret, r.Method, r.PathAndQuery, date, r.Host, contentHash)
	got := signatureFromAuthorization(r.Header.Get("Authorization"))
	if got == "" || !hmac.Equal([]byte(got), []byte(want)) {
		return nil, ErrInvalidSignature
	}
	sent, err := http.ParseTime(date)
	if err != nil {
		return nil, fmt.Errorf("%w: bad X-Ms-Date %q", ErrStale, date)
	}
	if skew := now.Sub(sent); skew > MaxClockSkew || skew < -MaxClockSkew {
		return nil, fmt.Errorf("%w: sent %s", ErrStale, sent.UTC().Format(time.RFC3339))
	}

	var ev Event
	if err := json.Unmarshal(r.Body, &ev); err != nil {
		return nil, fmt.Errorf("vipps: decode webhook: %w", err)
	}
	if ev.Type == "" || ev.AgreementID == "" {
		return nil, errors.New("vipps: webhook missing eventType or agreementId")
	}
	if ev.ID == "" {
		h := sha256.Sum256([]byte(strings.Join([]string{ev.Type, ev.AgreementID, ev.ChargeID, ev.Occurred.UTC().Format(time.RFC3339Nano)}, "|")))
		ev.ID = hex.EncodeToString(h[:16])
	}
	return &ev, nil
}

// Sign computes the signature carried in the Authorization header.
func Sign(secret, method, pathAndQuery, date, host, contentHash string) string {
	toSign := method + "\n" + pathAndQuery + "\n" + date + ";" + host + ";" + contentHash
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(toSign))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ContentHash is the X-Ms-Content-Sha256 value for body.
func ContentHash(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// signatureFromAuthorization extracts Signature=... from
// "HMAC-SHA256 SignedHeaders=x-ms-date;host;x-ms-content-sha256&Signature=...".
func signatureFromAuthorization(h string) string {
	_, rest, ok := strings.Cut(h, "Signature=")
	if !ok {
		return ""
	}
	return rest
}
