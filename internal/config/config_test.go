package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	for k, v := range map[string]string{
		"APP_ENV": "test", "APP_PORT": "8080", "DB_USER": "app", "DB_HOST": "localhost",
		"DB_PORT": "3306", "DB_NAME": "licenses", "JWT_SECRET": "secret",
	} {
		t.Setenv(k, v)
	}
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	cfg := Load()

	assert.Equal(t, "test", cfg.Env)
	assert.Equal(t, 15*time.Minute, cfg.ReservationTTL)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, "UTC", cfg.BillingLocation.String())
	assert.False(t, cfg.Vipps.Enabled())
	assert.Equal(t, "app@tcp(localhost:3306)/licenses", cfg.MySQLDSN())
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("BILLING_TIMEZONE", "Europe/Oslo")
	t.Setenv("RESERVATION_TTL", "10m")
	t.Setenv("STRIPE_PRICE_PACKAGE_100", "price_abc")
	t.Setenv("VIPPS_CLIENT_ID", "id")
	t.Setenv("VIPPS_CLIENT_SECRET", "secret")
	t.Setenv("VIPPS_SUBSCRIPTION_KEY", "key")
	t.Setenv("PUBLIC_BASE_URL", "https://example.no/")

	cfg := Load()
	require.NotNil(t, cfg.BillingLocation)
	assert.Equal(t, "Europe/Oslo", cfg.BillingLocation.String())
	assert.Equal(t, 10*time.Minute, cfg.ReservationTTL)
	assert.Equal(t, "price_abc", cfg.Stripe.Prices["package_100"])
	assert.True(t, cfg.Vipps.Enabled())
	assert.Equal(t, "https://example.no", cfg.PublicBaseURL)
}

func TestRateLimitConfigClamps(t *testing.T) {
	t.Setenv("RATE_LIMIT_CAPACITY", "0")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "2s")
	t.Setenv("RATE_LIMIT_TTL", "1s")
	cfg := LoadRateLimitConfig()
	assert.Equal(t, 1, cfg.Capacity)
	assert.Equal(t, 10*time.Second, cfg.TTL)
}

func TestRedisOptionsHostPort(t *testing.T) {
	t.Setenv("REDIS_HOST", "cache")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("REDIS_DB", "2")
	opts := RedisOptions()
	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, 2, opts.DB)
	assert.Nil(t, opts.TLSConfig)
}
