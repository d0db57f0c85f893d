package billing

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/rcourtman/pulse-billing/internal/billing/bmetrics"
)

func allowed(rl *RateLimiter, ip string) bool {
	ok, _ := rl.Allow(ip)
	return ok
}

func TestRateLimiterAllow_WithinLimitThenRejects(t *testing.T) {
	rl := NewRateLimiter("test_within_limit", 2, time.Minute)
	ip := "203.0.113.10"

	if !allowed(rl, ip) {
		t.Fatal("expected first request to be allowed")
	}
	if !allowed(rl, ip) {
		t.Fatal("expected second request to be allowed")
	}
	if allowed(rl, ip) {
		t.Fatal("expected third request to be rejected")
	}
	if !allowed(rl, "203.0.113.11") {
		t.Fatal("expected a different client to be allowed")
	}
	if got := testutil.ToFloat64(bmetrics.RateLimitedTotal.WithLabelValues("test_within_limit")); got != 1 {
		t.Fatalf("rate_limited_total = %v, want 1", got)
	}
}

func TestRateLimiterAllow_WindowSlides(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter("test_window", 1, time.Minute)
	rl.now = func() time.Time { return now }
	ip := "203.0.113.20"

	if !allowed(rl, ip) {
		t.Fatal("expected first request to be allowed")
	}
	now = now.Add(30 * time.Second)
	ok, retry := rl.Allow(ip)
	if ok {
		t.Fatal("expected request inside the window to be rejected")
	}
	if retry != 30*time.Second {
		t.Fatalf("retry = %s, want 30s", retry)
	}
	now = now.Add(31 * time.Second)
	if !allowed(rl, ip) {
		t.Fatal("expected request after the window to be allowed")
	}
	if got := len(rl.clients[ip].hits); got != 1 {
		t.Fatalf("expected one retained hit, got %d", got)
	}
}

func TestRateLimiterSweepsIdleClients(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter("test_sweep", 5, time.Minute)
	rl.now = func() time.Time { return now }

	allowed(rl, "198.51.100.1")
	allowed(rl, "198.51.100.2")
	if len(rl.clients) != 2 {
		t.Fatalf("clients = %d, want 2", len(rl.clients))
	}

	now = now.Add(2 * time.Minute)
	allowed(rl, "198.51.100.3")
	if len(rl.clients) != 1 {
		t.Fatalf("clients after sweep = %d, want 1", len(rl.clients))
	}
	if _, ok := rl.clients["198.51.100.3"]; !ok {
		t.Fatal("expected the active client to be kept")
	}
}

func TestNewRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter("test_defaults", 0, 0)
	if rl.limit != defaultRateLimit {
		t.Fatalf("limit = %d, want %d", rl.limit, defaultRateLimit)
	}
	if rl.window != defaultRateWindow {
		t.Fatalf("window = %s, want %s", rl.window, defaultRateWindow)
	}
}

func TestRateLimiterMiddleware_TooManyRequests(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter("test_middleware", 1, time.Minute)
	rl.now = func() time.Time { return now }
	calls := 0
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	for i, tc := range []struct {
		advance    time.Duration
		want       int
		retryAfter string
	}{
		{0, http.StatusOK, ""},
		{0, http.StatusTooManyRequests, "60"},
		{45500 * time.Millisecond, http.StatusTooManyRequests, "15"},
	} {
		now = now.Add(tc.advance)
		req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", nil)
		req.RemoteAddr = "198.51.100.5:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != tc.want {
			t.Fatalf("request %d status = %d, want %d", i+1, rec.Code, tc.want)
		}
		if got := rec.Header().Get("Retry-After"); got != tc.retryAfter {
			t.Fatalf("request %d Retry-After = %q, want %q", i+1, got, tc.retryAfter)
		}
	}
	if calls != 1 {
		t.Fatalf("next handler calls = %d, want 1", calls)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		forwarded  string
		remoteAddr string
		want       string
	}{
		{name: "x-forwarded-for-single", forwarded: "203.0.113.9", remoteAddr: "127.0.0.1:9999", want: "203.0.113.9"},
		{name: "x-forwarded-for-first", forwarded: " 203.0.113.1 , 10.0.0.1 ", remoteAddr: "127.0.0.1:9999", want: "203.0.113.1"},
		{name: "remote-addr-host-port", remoteAddr: "198.51.100.2:7777", want: "198.51.100.2"},
		{name: "remote-addr-unparseable", remoteAddr: "not-a-host-port", want: "not-a-host-port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			req.RemoteAddr = tt.remoteAddr
			if got := clientIP(req); got != tt.want {
				t.Fatalf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
