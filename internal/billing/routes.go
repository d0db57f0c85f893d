package billing

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rcourtman/pulse-billing/internal/billing/admin"
	"github.com/rcourtman/pulse-billing/internal/billing/api"
	"github.com/rcourtman/pulse-billing/internal/billing/catalog"
	"github.com/rcourtman/pulse-billing/internal/billing/entitlement"
	"github.com/rcourtman/pulse-billing/internal/billing/notify"
	"github.com/rcourtman/pulse-billing/internal/billing/registry"
	bstripe "github.com/rcourtman/pulse-billing/internal/billing/stripe"
	"github.com/rcourtman/pulse-billing/internal/logging"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config     *Config
	Registry   *registry.Registry
	Catalog    *catalog.Catalog
	Engine     *entitlement.Engine
	Reconciler *bstripe.Reconciler // built from Registry and Catalog when nil
	Version    string
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux and returns
// the root handler with request logging applied.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) http.Handler {
	adminAuth := func(next http.Handler) http.Handler {
		return admin.AdminKeyMiddleware(deps.Config.AdminKey, next)
	}

	// Health / readiness are unauthenticated liveness/readiness probes.
	mux.HandleFunc("/healthz", admin.HandleHealthz)
	mux.HandleFunc("/readyz", admin.HandleReadyz(deps.Registry))

	// Status and metrics are private by default.
	statusHandler := http.HandlerFunc(admin.HandleStatus(deps.Registry, deps.Version))
	if deps.Config.PublicStatus {
		mux.Handle("/status", statusHandler)
	} else {
		mux.Handle("/status", adminAuth(statusHandler))
	}

	metricsHandler := promhttp.Handler()
	if deps.Config.PublicMetrics {
		mux.Handle("/metrics", metricsHandler)
	} else {
		mux.Handle("/metrics", adminAuth(metricsHandler))
	}

	// Stripe webhook (signature-authenticated)
	reconciler := deps.Reconciler
	if reconciler == nil {
		notifier := notify.NewEmailNotifier(notify.LogSender{}, deps.Config.EmailFrom, deps.Config.ManageURL)
		reconciler = bstripe.NewReconciler(deps.Registry, deps.Catalog, notifier, deps.Config.StripeWebhookSecret)
	}
	webhookLimiter := NewRateLimiter("stripe_webhook", deps.Config.WebhookRateLimit, time.Minute)
	mux.Handle("/api/stripe/webhook", webhookLimiter.Middleware(bstripe.NewWebhookHandler(reconciler)))

	// Entitlement API (service-to-service, key-authenticated)
	handlers := api.NewHandlers(deps.Engine)
	mux.Handle("/api/entitlements/check", adminAuth(http.HandlerFunc(handlers.HandleCheck)))
	mux.Handle("/api/entitlements/usage", adminAuth(http.HandlerFunc(handlers.HandleUsage)))

	// Admin API (key-authenticated)
	mux.Handle("/admin/checks/plan-assignment", adminAuth(http.HandlerFunc(handlers.HandlePlanAssignment)))
	mux.Handle("/admin/teams/{team_id}/capacity", adminAuth(http.HandlerFunc(handlers.HandleTeamCapacity)))
	mux.Handle("/admin/users/{user_id}/device-capacity", adminAuth(http.HandlerFunc(handlers.HandleDeviceCapacity)))
	mux.Handle("/admin/licenses/{license_id}/rollover", adminAuth(admin.HandleRollover(deps.Engine)))
	mux.Handle("/admin/plans/{plan_id}/invalidate", adminAuth(admin.HandleInvalidatePlan(deps.Catalog)))

	return logging.Middleware(mux)
}
