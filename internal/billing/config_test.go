package billing

import (
	"strings"
	"testing"
	"time"
)

func clearBillingEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"BILLING_DATA_DIR", "BILLING_BIND_ADDRESS", "BILLING_PORT", "BILLING_ADMIN_KEY",
		"STRIPE_WEBHOOK_SECRET", "BILLING_PLAN_CACHE_SIZE", "BILLING_PLAN_CACHE_TTL",
		"BILLING_ROLLOVER_INTERVAL", "BILLING_WEBHOOK_RATE_LIMIT", "POSTMARK_SERVER_TOKEN",
		"BILLING_EMAIL_FROM", "BILLING_MANAGE_URL", "BILLING_PLANS_FILE",
		"BILLING_PUBLIC_METRICS", "BILLING_PUBLIC_STATUS", "BILLING_LOG_LEVEL", "BILLING_LOG_FORMAT",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearBillingEnv(t)
	t.Setenv("BILLING_ADMIN_KEY", "admin-key")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Port != 8480 {
		t.Errorf("Port = %d, want 8480", cfg.Port)
	}
	if cfg.DataDir != "/data" {
		t.Errorf("DataDir = %q, want /data", cfg.DataDir)
	}
	if cfg.StoreDir() != "/data/billing" {
		t.Errorf("StoreDir = %q, want /data/billing", cfg.StoreDir())
	}
	if cfg.PlanCacheSize != 256 || cfg.PlanCacheTTL != 5*time.Minute {
		t.Errorf("plan cache = %d/%s, want 256/5m", cfg.PlanCacheSize, cfg.PlanCacheTTL)
	}
	if cfg.RolloverInterval != time.Hour {
		t.Errorf("RolloverInterval = %s, want 1h", cfg.RolloverInterval)
	}
	if cfg.WebhookRateLimit != defaultRateLimit {
		t.Errorf("WebhookRateLimit = %d, want %d", cfg.WebhookRateLimit, defaultRateLimit)
	}
	if cfg.StripeWebhookSecret != "" {
		t.Errorf("StripeWebhookSecret = %q, want empty", cfg.StripeWebhookSecret)
	}
	if cfg.PublicMetrics || cfg.PublicStatus {
		t.Error("metrics and status must be private by default")
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	clearBillingEnv(t)
	t.Setenv("BILLING_ADMIN_KEY", "admin-key")
	t.Setenv("BILLING_PORT", "9000")
	t.Setenv("BILLING_DATA_DIR", "/srv/pulse")
	t.Setenv("STRIPE_WEBHOOK_SECRET", " whsec_abc ")
	t.Setenv("BILLING_PLAN_CACHE_TTL", "30s")
	t.Setenv("BILLING_ROLLOVER_INTERVAL", "15m")
	t.Setenv("BILLING_PUBLIC_METRICS", "true")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Port != 9000 {
		t.Errorf("Port = %d, want 9000", cfg.Port)
	}
	if cfg.StoreDir() != "/srv/pulse/billing" {
		t.Errorf("StoreDir = %q", cfg.StoreDir())
	}
	if cfg.StripeWebhookSecret != "whsec_abc" {
		t.Errorf("StripeWebhookSecret = %q, want trimmed value", cfg.StripeWebhookSecret)
	}
	if cfg.PlanCacheTTL != 30*time.Second || cfg.RolloverInterval != 15*time.Minute {
		t.Errorf("durations = %s/%s", cfg.PlanCacheTTL, cfg.RolloverInterval)
	}
	if !cfg.PublicMetrics {
		t.Error("PublicMetrics = false, want true")
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{name: "missing-admin-key", env: map[string]string{}, want: "BILLING_ADMIN_KEY"},
		{name: "bad-port", env: map[string]string{"BILLING_PORT": "http"}, want: "BILLING_PORT must be a valid integer"},
		{name: "port-range", env: map[string]string{"BILLING_PORT": "70000"}, want: "between 1 and 65535"},
		{name: "bad-ttl", env: map[string]string{"BILLING_PLAN_CACHE_TTL": "soon"}, want: "BILLING_PLAN_CACHE_TTL must be a valid duration"},
		{name: "short-rollover", env: map[string]string{"BILLING_ROLLOVER_INTERVAL": "10s"}, want: "at least 1m"},
		{name: "zero-cache", env: map[string]string{"BILLING_PLAN_CACHE_SIZE": "0"}, want: "BILLING_PLAN_CACHE_SIZE must be greater than 0"},
		{name: "bad-bool", env: map[string]string{"BILLING_PUBLIC_STATUS": "maybe"}, want: "BILLING_PUBLIC_STATUS must be a boolean"},
		{name: "zero-rate", env: map[string]string{"BILLING_WEBHOOK_RATE_LIMIT": "0"}, want: "BILLING_WEBHOOK_RATE_LIMIT must be greater than 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearBillingEnv(t)
			if tt.name != "missing-admin-key" {
				t.Setenv("BILLING_ADMIN_KEY", "admin-key")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			if err == nil {
				t.Fatal("LoadConfig() error = nil, want non-nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("LoadConfig() error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}
