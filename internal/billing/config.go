package billing

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the billing service.
type Config struct {
	DataDir             string
	BindAddress         string
	Port                int
	AdminKey            string
	StripeWebhookSecret string // optional at boot; each webhook request fails with 500 while unset
	PlanCacheSize       int
	PlanCacheTTL        time.Duration
	RolloverInterval    time.Duration
	WebhookRateLimit    int // requests per minute per client IP
	PostmarkServerToken string // Postmark token (optional, if empty, emails are logged)
	EmailFrom           string
	ManageURL           string // link to the billing page used in customer emails
	PlansFile           string // optional YAML catalog imported when the plans table is empty
	PublicMetrics       bool
	PublicStatus        bool
	LogLevel            string
	LogFormat           string
}

// StoreDir returns the directory holding the billing database.
func (c *Config) StoreDir() string {
	return filepath.Join(c.DataDir, "billing")
}

// LoadConfig loads billing configuration from environment variables.
// A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("BILLING_PORT", 8480)
	if err != nil {
		return nil, err
	}
	cacheSize, err := envOrDefaultInt("BILLING_PLAN_CACHE_SIZE", 256)
	if err != nil {
		return nil, err
	}
	cacheTTL, err := envOrDefaultDuration("BILLING_PLAN_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	rolloverInterval, err := envOrDefaultDuration("BILLING_ROLLOVER_INTERVAL", time.Hour)
	if err != nil {
		return nil, err
	}
	rateLimit, err := envOrDefaultInt("BILLING_WEBHOOK_RATE_LIMIT", defaultRateLimit)
	if err != nil {
		return nil, err
	}
	publicMetrics, err := envOrDefaultBool("BILLING_PUBLIC_METRICS", false)
	if err != nil {
		return nil, err
	}
	publicStatus, err := envOrDefaultBool("BILLING_PUBLIC_STATUS", false)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:             envOrDefault("BILLING_DATA_DIR", "/data"),
		BindAddress:         envOrDefault("BILLING_BIND_ADDRESS", "0.0.0.0"),
		Port:                port,
		AdminKey:            strings.TrimSpace(os.Getenv("BILLING_ADMIN_KEY")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		PlanCacheSize:       cacheSize,
		PlanCacheTTL:        cacheTTL,
		RolloverInterval:    rolloverInterval,
		WebhookRateLimit:    rateLimit,
		PostmarkServerToken: strings.TrimSpace(os.Getenv("POSTMARK_SERVER_TOKEN")),
		EmailFrom:           envOrDefault("BILLING_EMAIL_FROM", "billing@pulserelay.pro"),
		ManageURL:           envOrDefault("BILLING_MANAGE_URL", "https://pulserelay.pro/account/billing"),
		PlansFile:           strings.TrimSpace(os.Getenv("BILLING_PLANS_FILE")),
		PublicMetrics:       publicMetrics,
		PublicStatus:        publicStatus,
		LogLevel:            envOrDefault("BILLING_LOG_LEVEL", "info"),
		LogFormat:           envOrDefault("BILLING_LOG_FORMAT", "auto"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate billing config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.AdminKey == "" {
		missing = append(missing, "BILLING_ADMIN_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("BILLING_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.PlanCacheSize <= 0 {
		return fmt.Errorf("BILLING_PLAN_CACHE_SIZE must be greater than 0, got %d", c.PlanCacheSize)
	}
	if c.PlanCacheTTL <= 0 {
		return fmt.Errorf("BILLING_PLAN_CACHE_TTL must be greater than 0, got %s", c.PlanCacheTTL)
	}
	if c.RolloverInterval < time.Minute {
		return fmt.Errorf("BILLING_ROLLOVER_INTERVAL must be at least 1m, got %s", c.RolloverInterval)
	}
	if c.WebhookRateLimit <= 0 {
		return fmt.Errorf("BILLING_WEBHOOK_RATE_LIMIT must be greater than 0, got %d", c.WebhookRateLimit)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}

func envOrDefaultBool(key string, fallback bool) (bool, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%s must be a boolean: %w", key, err)
		}
		return b, nil
	}
	return fallback, nil
}
