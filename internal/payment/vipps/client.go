// Package vipps is a client for the Vipps MobilePay Recurring API, the
// mobile-wallet provider used for point-of-sale license agreements.
package vipps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/iliyamo/club-license-service/internal/model"
	"github.com/iliyamo/club-license-service/internal/payment"
)

const provider = "vipps"

// Config holds API credentials.
type Config struct {
	BaseURL         string
	ClientID        string
	ClientSecret    string
	SubscriptionKey string
	MSN             string // merchant serial number
	RatePerSecond   float64
}

// Client calls the Recurring API.  Requests are throttled by a token bucket
// so bursts of sales stay under the provider's rate limit, and the access
// token is cached until shortly before it expires.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     logrus.FieldLogger

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

// New builds a Client.  A zero RatePerSecond means 10 requests per second.
func New(cfg Config, log logrus.FieldLogger) *Client {
	rps := cfg.RatePerSecond
	if rps <= 0 {
		rps = 10
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		log:     log,
	}
}

type agreementBody struct {
	Pricing struct {
		Type     string `json:"type"`
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	} `json:"pricing"`
	Interval struct {
		Unit  string `json:"unit"`
		Count int    `json:"count"`
	} `json:"interval"`
	MerchantRedirectURL  string `json:"merchantRedirectUrl"`
	MerchantAgreementURL string `json:"merchantAgreementUrl"`
	PhoneNumber          string `json:"phoneNumber,omitempty"`
	ProductName          string `json:"productName"`
	ExternalID           string `json:"externalId"`
}

type agreementResponse struct {
	AgreementID          string `json:"agreementId"`
	ID                   string `json:"id"`
	Status               string `json:"status"`
	VippsConfirmationURL string `json:"vippsConfirmationUrl"`
}

// CreateAgreement creates a monthly agreement for one license sale.  The
// reservation id is used as externalId and idempotency key.
func (c *Client) CreateAgreement(ctx context.Context, req payment.AgreementRequest) (*payment.Agreement, error) {
	var body agreementBody
	body.Pricing.Type = "LEGACY"
	body.Pricing.Amount = req.Price
	body.Pricing.Currency = "NOK"
	body.Interval.Unit = "MONTH"
	body.Interval.Count = 1
	body.MerchantRedirectURL = req.ReturnURL
	body.MerchantAgreementURL = req.ReturnURL
	body.PhoneNumber = normalizePhone(req.Phone)
	body.ProductName = fmt.Sprintf("%s lisens", req.ClubName)
	body.ExternalID = req.Reference

	var out agreementResponse
	if err := c.do(ctx, http.MethodPost, "/recurring/v3/agreements", req.Reference, body, &out); err != nil {
		return nil, &model.ProviderError{Provider: provider, Op: "create agreement", Err: err}
	}
	return &payment.Agreement{
		ID:             out.AgreementID,
		LandingPageURL: out.VippsConfirmationURL,
		Status:         payment.AgreementPending,
	}, nil
}

// GetAgreement reads the current agreement status.
func (c *Client) GetAgreement(ctx context.Context, agreementID string) (*payment.Agreement, error) {
	var out agreementResponse
	if err := c.do(ctx, http.MethodGet, "/recurring/v3/agreements/"+url.PathEscape(agreementID), "", nil, &out); err != nil {
		return nil, &model.ProviderError{Provider: provider, Op: "get agreement", Err: err}
	}
	id := out.ID
	if id == "" {
		id = agreementID
	}
	return &payment.Agreement{ID: id, Status: payment.AgreementStatus(strings.ToUpper(out.Status))}, nil
}

// CancelAgreement stops the agreement.
func (c *Client) CancelAgreement(ctx context.Context, agreementID string) error {
	body := map[string]string{"status": string(payment.AgreementStopped)}
	if err := c.do(ctx, http.MethodPatch, "/recurring/v3/agreements/"+url.PathEscape(agreementID), uuid.NewString(), body, nil); err != nil {
		return &model.ProviderError{Provider: provider, Op: "cancel agreement", Err: err}
	}
	return nil
}

// ChargeAgreement schedules a direct-capture charge due in two days.  The
// idempotency key is derived from the agreement, amount and description,
// so repeating a charge for the same period is safe.
func (c *Client) ChargeAgreement(ctx context.Context, agreementID string, amount int64, description string) (*payment.ChargeResult, error) {
	body := map[string]any{
		"amount":          amount,
		"description":     description,
		"due":             time.Now().UTC().AddDate(0, 0, 2).Format("2006-01-02"),
		"retryDays":       3,
		"transactionType": "DIRECT_CAPTURE",
	}
	var out struct {
		ChargeID string `json:"chargeId"`
	}
	path := "/recurring/v3/agreements/" + url.PathEscape(agreementID) + "/charges"
	key := uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s|%d|%s", agreementID, amount, description))).String()
	if err := c.do(ctx, http.MethodPost, path, key, body, &out); err != nil {
		return nil, &model.ProviderError{Provider: provider, Op: "charge agreement", Err: err}
	}
	return &payment.ChargeResult{ChargeID: out.ChargeID, Status: "PENDING"}, nil
}

// APIError is a non-2xx response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Status, e.Body)
}

func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	token, err := c.accessToken(ctx)
	if err != nil {
		return fmt.Errorf("access token: %w", err)
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	c.setMerchantHeaders(req)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Body: string(raw)}
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) setMerchantHeaders(req *http.Request) {
	req.Header.Set("Ocp-Apim-Subscription-Key", c.cfg.SubscriptionKey)
	req.Header.Set("Merchant-Serial-Number", c.cfg.MSN)
	req.Header.Set("Vipps-System-Name", "club-license-service")
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Now().Before(c.tokenExp) {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/accesstoken/get", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("client_id", c.cfg.ClientID)
	req.Header.Set("client_secret", c.cfg.ClientSecret)
	c.setMerchantHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode != http.StatusOK {
		return "", &APIError{Status: resp.StatusCode, Body: string(raw)}
	}
	var out struct {
		AccessToken string          `json:"access_token"`
		ExpiresIn   json.RawMessage `json:"expires_in"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode token: %w", err)
	}
	// expires_in is sent as a quoted number
	secs, _ := strconv.Atoi(strings.Trim(string(out.ExpiresIn), `"`))
	if secs <= 0 {
		secs = 3600
	}
	c.token = out.AccessToken
	c.tokenExp = time.Now().Add(time.Duration(secs)*time.Second - time.Minute)
	return c.token, nil
}

// normalizePhone strips spaces and a leading "+" or "00".  Norwegian
// eight-digit numbers get the 47 country code.
func normalizePhone(p string) string {
	p = strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, strings.TrimPrefix(strings.TrimSpace(p), "+"))
	p = strings.TrimPrefix(p, "00")
	if len(p) == 8 {
		p = "47" + p
	}
	return p
}

var _ payment.Agreements = (*Client)(nil)
