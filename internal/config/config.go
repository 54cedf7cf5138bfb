package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port    string
	Version string

	DatabaseURL string
	RedisURL    string

	StripeSecret        string
	StripeWebhookSecret string

	// PriceTiers extends the built-in price table, "price_id=tier" pairs.
	PriceTiers map[string]string
	// MeterCosts overrides the built-in cost-per-unit table.
	MeterCosts      map[string]float64
	LowBalanceFloor int64

	WebhookTimeout    time.Duration
	QuotaStoreTimeout time.Duration

	RateLimitRequests int
	RateLimitWindow   time.Duration
	CORSOrigins       []string

	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	EmailFrom    string

	SentryDSN string
	LogLevel  string
}

func New() (*Config, error) {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, errors.New("DATABASE_URL environment variable is required")
	}

	stripeSecret := os.Getenv("STRIPE_SECRET")
	if stripeSecret == "" {
		return nil, errors.New("STRIPE_SECRET environment variable is required")
	}

	stripeWebhookSecret := os.Getenv("STRIPE_WEBHOOK_SECRET")
	if stripeWebhookSecret == "" {
		return nil, errors.New("STRIPE_WEBHOOK_SECRET environment variable is required")
	}

	priceTiers, err := parsePairs(os.Getenv("PRICE_TIERS"))
	if err != nil {
		return nil, fmt.Errorf("PRICE_TIERS: %w", err)
	}

	meterCosts := map[string]float64{}
	rawCosts, err := parsePairs(os.Getenv("METER_COSTS"))
	if err != nil {
		return nil, fmt.Errorf("METER_COSTS: %w", err)
	}
	for meter, v := range rawCosts {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil || rate < 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
			return nil, fmt.Errorf("METER_COSTS: invalid rate %q for meter %q", v, meter)
		}
		meterCosts[meter] = rate
	}

	floor, err := intEnv("LOW_BALANCE_FLOOR", 1000)
	if err != nil {
		return nil, err
	}

	webhookTimeout, err := durationEnv("WEBHOOK_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}

	storeTimeout, err := durationEnv("QUOTA_STORE_TIMEOUT", 2*time.Second)
	if err != nil {
		return nil, err
	}

	rateLimitRequests, err := intEnv("RATE_LIMIT_REQUESTS", 600)
	if err != nil {
		return nil, err
	}

	rateLimitWindow, err := durationEnv("RATE_LIMIT_WINDOW", time.Minute)
	if err != nil {
		return nil, err
	}

	var origins []string
	for _, o := range strings.Split(os.Getenv("CORS_ALLOWED_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}

	smtpHost := os.Getenv("SMTP_HOST")
	smtpPort := os.Getenv("SMTP_PORT")
	smtpUsername := os.Getenv("SMTP_USERNAME")
	smtpPassword := os.Getenv("SMTP_PASSWORD")
	if smtpHost != "" && (smtpPort == "" || smtpUsername == "" || smtpPassword == "") {
		return nil, errors.New("SMTP_PORT, SMTP_USERNAME, and SMTP_PASSWORD environment variables are required when SMTP_HOST is set")
	}
	emailFrom := os.Getenv("EMAIL_FROM")
	if emailFrom == "" {
		emailFrom = "billing@tierwise.app"
	}

	return &Config{
		Port:                port,
		DatabaseURL:         dbURL,
		RedisURL:            os.Getenv("REDIS_URL"),
		StripeSecret:        stripeSecret,
		StripeWebhookSecret: stripeWebhookSecret,
		PriceTiers:          priceTiers,
		MeterCosts:          meterCosts,
		LowBalanceFloor:     int64(floor),
		WebhookTimeout:      webhookTimeout,
		QuotaStoreTimeout:   storeTimeout,
		RateLimitRequests:   rateLimitRequests,
		RateLimitWindow:     rateLimitWindow,
		CORSOrigins:         origins,
		SMTPHost:            smtpHost,
		SMTPPort:            smtpPort,
		SMTPUsername:        smtpUsername,
		SMTPPassword:        smtpPassword,
		EmailFrom:           emailFrom,
		SentryDSN:           os.Getenv("SENTRY_DSN"),
		LogLevel:            os.Getenv("LOG_LEVEL"),
	}, nil
}

// SMTPEnabled reports whether notification email delivery is configured.
func (c *Config) SMTPEnabled() bool {
	return c.SMTPHost != ""
}

// parsePairs reads "a=b,c=d" lists.
func parsePairs(raw string) (map[string]string, error) {
	out := map[string]string{}
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		k, v, ok := strings.Cut(item, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			return nil, fmt.Errorf("malformed entry %q, expected key=value", item)
		}
		out[k] = v
	}
	return out, nil
}

func intEnv(name string, def int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer, got %q", name, raw)
	}
	return v, nil
}

func durationEnv(name string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration, got %q", name, raw)
	}
	return v, nil
}
