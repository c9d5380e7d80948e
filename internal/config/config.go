package config // package config loads application configuration from environment variables

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration values.  Each field corresponds to
// an environment variable.  Money is never configured here; prices live in
// the package catalog.
type Config struct {
	Env       string // application environment (e.g. "dev", "prod")
	Port      string // HTTP port to listen on
	LogLevel  string // logrus level name
	LogFormat string // "text" or "json"

	DBUser string // database username
	DBPass string // database password (optional)
	DBHost string // database host address
	DBPort string // database port number
	DBName string // database name

	JWTSecret string // secret used to verify identity tokens
	JWTIssuer string // expected "iss" claim; empty accepts any issuer

	BillingLocation *time.Location // canonical timezone for month bucketing
	ReservationTTL  time.Duration  // how long a reservation holds a license
	SweepInterval   time.Duration  // reservation expiry sweep period
	AccrualInterval time.Duration  // monthly debt accrual check period
	CatalogFile     string         // optional JSON package catalog
	PublicBaseURL   string         // base URL used for provider redirects

	Stripe StripeConfig
	Vipps  VippsConfig

	RabbitURL    string // AMQP broker for notifications; empty sends in-process
	OTLPEndpoint string // OpenTelemetry collector; empty disables tracing
}

// StripeConfig configures the card billing provider.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	// Prices maps package id to recurring price id, read from
	// STRIPE_PRICE_<PACKAGE_ID> variables.
	Prices map[string]string
}

// VippsConfig configures the mobile-wallet recurring agreement provider.
type VippsConfig struct {
	BaseURL         string
	ClientID        string
	ClientSecret    string
	SubscriptionKey string
	MSN             string
	WebhookSecret   string
	RatePerSecond   float64
}

// Enabled reports whether enough Vipps credentials are present to create
// agreements.
func (v VippsConfig) Enabled() bool {
	return v.ClientID != "" && v.ClientSecret != "" && v.SubscriptionKey != ""
}

// Load reads an optional .env file and then the environment.  Required
// variables are enforced by must() and missing values cause the program
// to exit with a fatal log message.
func Load() Config {
	_ = godotenv.Load() // a missing .env file is normal outside development

	loc, err := time.LoadLocation(envStr("BILLING_TIMEZONE", "UTC"))
	if err != nil {
		log.Fatalf("invalid BILLING_TIMEZONE: %v", err)
	}

	return Config{
		Env:       must("APP_ENV"),
		Port:      must("APP_PORT"),
		LogLevel:  envStr("LOG_LEVEL", "info"),
		LogFormat: envStr("LOG_FORMAT", "text"),

		DBUser: must("DB_USER"),
		DBPass: os.Getenv("DB_PASS"),
		DBHost: must("DB_HOST"),
		DBPort: must("DB_PORT"),
		DBName: must("DB_NAME"),

		JWTSecret: must("JWT_SECRET"),
		JWTIssuer: os.Getenv("JWT_ISSUER"),

		BillingLocation: loc,
		ReservationTTL:  envDur("RESERVATION_TTL", 15*time.Minute),
		SweepInterval:   envDur("SWEEP_INTERVAL", time.Minute),
		AccrualInterval: envDur("ACCRUAL_INTERVAL", time.Hour),
		CatalogFile:     os.Getenv("PACKAGE_CATALOG_FILE"),
		PublicBaseURL:   strings.TrimRight(envStr("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),

		Stripe: StripeConfig{
			SecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
			WebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
			Prices:        stripePrices(os.Environ()),
		},
		Vipps: VippsConfig{
			BaseURL:         envStr("VIPPS_BASE_URL", "https://apitest.vipps.no"),
			ClientID:        os.Getenv("VIPPS_CLIENT_ID"),
			ClientSecret:    os.Getenv("VIPPS_CLIENT_SECRET"),
			SubscriptionKey: os.Getenv("VIPPS_SUBSCRIPTION_KEY"),
			MSN:             os.Getenv("VIPPS_MSN"),
			WebhookSecret:   os.Getenv("VIPPS_WEBHOOK_SECRET"),
			RatePerSecond:   envFloat("VIPPS_RATE_PER_SEC", 10),
		},

		RabbitURL:    rabbitURL(),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
}

// stripePrices collects STRIPE_PRICE_<ID>=price_... pairs.  The package id
// is the lower-cased suffix, so STRIPE_PRICE_PACKAGE_100 maps package_100.
func stripePrices(environ []string) map[string]string {
	const prefix = "STRIPE_PRICE_"
	out := map[string]string{}
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, prefix) || v == "" {
			continue
		}
		out[strings.ToLower(strings.TrimPrefix(k, prefix))] = v
	}
	return out
}

func rabbitURL() string {
	if v := os.Getenv("RABBITMQ_URL"); v != "" {
		return v
	}
	return os.Getenv("AMQP_URL")
}

// MySQLDSN renders the connection settings for logging, without the password.
func (c Config) MySQLDSN() string {
	return fmt.Sprintf("%s@tcp(%s:%s)/%s", c.DBUser, c.DBHost, c.DBPort, c.DBName)
}

// must retrieves the value of a required environment variable.  If the
// variable is unset or empty, the application logs a fatal error and exits.
func must(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		log.Fatalf("missing required env var: %s", key)
	}
	return v
}

func envFloat(k string, d float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return d
}
