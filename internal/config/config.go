package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// EbayConfig holds credentials and environment selection for the eBay API.
type EbayConfig struct {
	Environment         string // "sandbox" or "production"
	ClientID            string
	ClientSecret        string
	RedirectURI         string
	MarketplaceID       string
	MerchantLocationKey string
	RequestTimeout      time.Duration
	MaxRetries          int
}

// StripeConfig holds billing webhook verification settings.
type StripeConfig struct {
	WebhookSecret    string
	WebhookTolerance time.Duration
	PremiumPriceID   string
}

// Config contains runtime configuration values.
type Config struct {
	Environment        string
	ServiceName        string
	ServiceVersion     string
	HTTPPort           string
	DatabaseURL        string
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	TokenEncryptionKey string
	OAuthStateTTL      time.Duration
	RateLimitRPM       int
	TracingEnabled     bool
	TracingEndpoint    string
	TracingProtocol    string
	TracingSampling    float64
	Ebay               EbayConfig
	Stripe             StripeConfig
}

// IsProduction reports whether the process runs with production settings.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Load reads configuration from environment variables with sane defaults.
// Missing secrets (encryption key, eBay credentials, webhook secret) fail here
// so a misconfigured process never reaches request handling.
func Load() (Config, error) {
	_ = godotenv.Load()

	encryptionKey := strings.TrimSpace(os.Getenv("TOKEN_ENCRYPTION_KEY"))
	if encryptionKey == "" {
		return Config{}, fmt.Errorf("TOKEN_ENCRYPTION_KEY is required")
	}
	ebayClientID := strings.TrimSpace(os.Getenv("EBAY_CLIENT_ID"))
	if ebayClientID == "" {
		return Config{}, fmt.Errorf("EBAY_CLIENT_ID is required")
	}
	ebayClientSecret := strings.TrimSpace(os.Getenv("EBAY_CLIENT_SECRET"))
	if ebayClientSecret == "" {
		return Config{}, fmt.Errorf("EBAY_CLIENT_SECRET is required")
	}
	webhookSecret := strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET"))
	if webhookSecret == "" {
		return Config{}, fmt.Errorf("STRIPE_WEBHOOK_SECRET is required")
	}

	cfg := Config{
		Environment:        getEnv("APP_ENV", "development"),
		ServiceName:        getEnv("SERVICE_NAME", "resellr"),
		ServiceVersion:     getEnv("SERVICE_VERSION", "dev"),
		HTTPPort:           getEnv("HTTP_PORT", "8080"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisAddr:          getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		RedisDB:            getInt("REDIS_DB", 0),
		TokenEncryptionKey: encryptionKey,
		OAuthStateTTL:      getDuration("OAUTH_STATE_TTL", 10*time.Minute),
		RateLimitRPM:       getInt("RATE_LIMIT_RPM", 600),
		TracingEnabled:     getBool("TRACING_ENABLED", false),
		TracingEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TracingProtocol:    getEnv("OTEL_EXPORTER_OTLP_PROTOCOL", "http"),
		TracingSampling:    getFloat("TRACING_SAMPLING_RATIO", 1.0),
		Ebay: EbayConfig{
			Environment:         getEnv("EBAY_ENV", "sandbox"),
			ClientID:            ebayClientID,
			ClientSecret:        ebayClientSecret,
			RedirectURI:         os.Getenv("EBAY_REDIRECT_URI"),
			MarketplaceID:       getEnv("EBAY_MARKETPLACE_ID", "EBAY_US"),
			MerchantLocationKey: getEnv("EBAY_MERCHANT_LOCATION_KEY", "resellr-default"),
			RequestTimeout:      getDuration("EBAY_REQUEST_TIMEOUT", 30*time.Second),
			MaxRetries:          getInt("EBAY_MAX_RETRIES", 3),
		},
		Stripe: StripeConfig{
			WebhookSecret:    webhookSecret,
			WebhookTolerance: getDuration("STRIPE_WEBHOOK_TOLERANCE", 5*time.Minute),
			PremiumPriceID:   os.Getenv("STRIPE_PREMIUM_PRICE_ID"),
		},
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}

	env := strings.ToLower(cfg.Ebay.Environment)
	if env != "sandbox" && env != "production" {
		return Config{}, fmt.Errorf("EBAY_ENV must be sandbox or production, got %q", cfg.Ebay.Environment)
	}
	cfg.Ebay.Environment = env

	return cfg, nil
}

// Module provides Config to the fx graph.
var Module = fx.Module("config",
	fx.Provide(Load),
)

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}
