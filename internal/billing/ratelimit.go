package billing

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-billing/internal/billing/bmetrics"
)

const (
	defaultRateLimit  = 120
	defaultRateWindow = time.Minute
)

// RateLimiter is a per-client sliding window limiter for one route. Clients
// idle for a full window are dropped on the next sweep.
type RateLimiter struct {
	route  string
	limit  int
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	clients   map[string]*clientWindow
	lastSweep time.Time
}

// clientWindow holds one client's hits in arrival order.
type clientWindow struct {
	hits     []time.Time
	rejected bool
}

// NewRateLimiter creates a limiter for route allowing limit requests per window
// from each client.
func NewRateLimiter(route string, limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = defaultRateLimit
	}
	if window <= 0 {
		window = defaultRateWindow
	}
	return &RateLimiter{
		route:   route,
		limit:   limit,
		window:  window,
		now:     time.Now,
		clients: make(map[string]*clientWindow),
	}
}

// Allow records a request from ip. When the window is full it returns false and
// the time until the oldest hit leaves the window.
func (rl *RateLimiter) Allow(ip string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)
	rl.sweep(now, cutoff)

	cw := rl.clients[ip]
	if cw == nil {
		cw = &clientWindow{}
		rl.clients[ip] = cw
	}
	drop := 0
	for drop < len(cw.hits) && !cw.hits[drop].After(cutoff) {
		drop++
	}
	cw.hits = cw.hits[drop:]

	if len(cw.hits) >= rl.limit {
		first := !cw.rejected
		cw.rejected = true
		retry := cw.hits[0].Add(rl.window).Sub(now)
		bmetrics.RateLimitedTotal.WithLabelValues(rl.route).Inc()
		if first {
			log.Warn().
				Str("route", rl.route).
				Str("client_ip", ip).
				Int("limit", rl.limit).
				Dur("window", rl.window).
				Msg("Client exceeded rate limit")
		}
		return false, retry
	}
	cw.rejected = false
	cw.hits = append(cw.hits, now)
	return true, 0
}

// sweep drops clients without hits inside the window, at most once per window.
func (rl *RateLimiter) sweep(now, cutoff time.Time) {
	if now.Sub(rl.lastSweep) < rl.window {
		return
	}
	rl.lastSweep = now
	for ip, cw := range rl.clients {
		if n := len(cw.hits); n == 0 || !cw.hits[n-1].After(cutoff) {
			delete(rl.clients, ip)
		}
	}
}

// Middleware rejects over-limit requests with 429 and a Retry-After in whole
// seconds. Stripe retries 429 responses.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, retry := rl.Allow(clientIP(r))
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(retry)))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func retryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

func clientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
