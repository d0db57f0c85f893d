package bmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LicensesByStatus tracks the number of licenses in each status.
	LicensesByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "billing",
		Name:      "licenses_by_status",
		Help:      "Number of licenses by status.",
	}, []string{"status"})

	// WebhookRequestsTotal counts provider webhook requests by event type and HTTP status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Name:      "webhook_requests_total",
		Help:      "Total payment provider webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// WebhookOutcomes counts handler outcomes (processed, duplicate, noop, ignored, failed, unmapped_status).
	WebhookOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Name:      "webhook_outcomes_total",
		Help:      "Webhook handler outcomes by event type.",
	}, []string{"event_type", "outcome"})

	// EntitlementDecisions counts EnforceAccess results.
	EntitlementDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Name:      "entitlement_decisions_total",
		Help:      "Entitlement decisions by result and denial reason.",
	}, []string{"result", "reason"})

	// UsageIncrements counts usage increments by quota and outcome.
	UsageIncrements = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Name:      "usage_increments_total",
		Help:      "Usage increments by quota type and outcome.",
	}, []string{"quota", "outcome"})

	// PlanCacheTotal counts plan catalog cache lookups.
	PlanCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Name:      "plan_cache_total",
		Help:      "Plan catalog cache lookups by result (hit/miss).",
	}, []string{"result"})

	// RolloversTotal counts license period rollovers.
	RolloversTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Name:      "rollovers_total",
		Help:      "License usage period rollovers by trigger.",
	}, []string{"trigger"})

	// RateLimitedTotal counts requests rejected by a route's rate limiter.
	RateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by rate limiting, by route.",
	}, []string{"route"})

	// NotificationsTotal counts billing email deliveries by kind and result.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Name:      "notifications_total",
		Help:      "Billing email deliveries by kind and result (sent/failed/inactive_recipient).",
	}, []string{"kind", "result"})
)
