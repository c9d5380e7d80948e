package vipps

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/club-license-service/internal/logging"
	"github.com/iliyamo/club-license-service/internal/model"
	"github.com/iliyamo/club-license-service/internal/payment"
)

func fakeVipps(t *testing.T) (*httptest.Server, *int32) {
	t.Helper()
	var tokenCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /accesstoken/get", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenCalls, 1)
		assert.Equal(t, "id", r.Header.Get("client_id"))
		_, _ = w.Write([]byte(`{"access_token":"tok","expires_in":"3600"}`))
	})
	mux.HandleFunc("POST /recurring/v3/agreements", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "res-1", r.Header.Get("Idempotency-Key"))
		var body agreementBody
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, int64(10000), body.Pricing.Amount)
		assert.Equal(t, "4790000000", body.PhoneNumber)
		assert.Equal(t, "res-1", body.ExternalID)
		_, _ = w.Write([]byte(`{"agreementId":"agr_1","vippsConfirmationUrl":"https://vipps.example/confirm"}`))
	})
	mux.HandleFunc("GET /recurring/v3/agreements/agr_1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"agr_1","status":"ACTIVE"}`))
	})
	mux.HandleFunc("PATCH /recurring/v3/agreements/agr_1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("PATCH /recurring/v3/agreements/agr_missing", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"title":"not found"}`, http.StatusNotFound)
	})
	mux.HandleFunc("POST /recurring/v3/agreements/agr_1/charges", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"chargeId":"chr_1"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &tokenCalls
}

func newClient(url string) *Client {
	return New(Config{BaseURL: url, ClientID: "id", ClientSecret: "secret", SubscriptionKey: "key", MSN: "123456"}, logging.Discard())
}

func TestAgreementLifecycle(t *testing.T) {
	srv, tokenCalls := fakeVipps(t)
	c := newClient(srv.URL)
	ctx := context.Background()

	agr, err := c.CreateAgreement(ctx, payment.AgreementRequest{
		Reference: "res-1", ClubName: "Brann", Price: 10000, Phone: "+47 900 00 000", ReturnURL: "https://app.example/return",
	})
	require.NoError(t, err)
	assert.Equal(t, "agr_1", agr.ID)
	assert.Equal(t, "https://vipps.example/confirm", agr.LandingPageURL)

	got, err := c.GetAgreement(ctx, "agr_1")
	require.NoError(t, err)
	assert.Equal(t, payment.AgreementActive, got.Status)

	require.NoError(t, c.CancelAgreement(ctx, "agr_1"))

	charge, err := c.ChargeAgreement(ctx, "agr_1", 10000, "monthly")
	require.NoError(t, err)
	assert.Equal(t, "chr_1", charge.ChargeID)

	assert.Equal(t, int32(1), atomic.LoadInt32(tokenCalls), "token is cached")
}

func TestChargeIdempotencyKeyIsStable(t *testing.T) {
	var (
		mu   sync.Mutex
		keys []string
	)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /accesstoken/get", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"tok","expires_in":"3600"}`))
	})
	mux.HandleFunc("POST /recurring/v3/agreements/agr_1/charges", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		mu.Unlock()
		_, _ = w.Write([]byte(`{"chargeId":"chr_1"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c := newClient(srv.URL)
	ctx := context.Background()

	for _, desc := range []string{"Lisens 2025-03", "Lisens 2025-03", "Lisens 2025-04"} {
		_, err := c.ChargeAgreement(ctx, "agr_1", 10000, desc)
		require.NoError(t, err)
	}
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, keys, 3)
	assert.NotEmpty(t, keys[0])
	assert.Equal(t, keys[0], keys[1])
	assert.NotEqual(t, keys[0], keys[2])
}

func TestProviderErrorsWrap(t *testing.T) {
	srv, _ := fakeVipps(t)
	err := newClient(srv.URL).CancelAgreement(context.Background(), "agr_missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrExternalProvider)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestNormalizePhone(t *testing.T) {
	assert.Equal(t, "4790000000", normalizePhone("900 00 000"))
	assert.Equal(t, "4790000000", normalizePhone("+4790000000"))
	assert.Equal(t, "46701234567", normalizePhone("0046 70 123 45 67"))
}
