package stripe

import (
	"strings"

	"github.com/rcourtman/pulse-billing/internal/billing/registry"
)

var subscriptionStatuses = map[string]registry.LicenseStatus{
	"active":             registry.LicenseStatusActive,
	"trialing":           registry.LicenseStatusActive,
	"past_due":           registry.LicenseStatusPaymentFailed,
	"unpaid":             registry.LicenseStatusPaymentFailed,
	"incomplete":         registry.LicenseStatusPaymentFailed,
	"canceled":           registry.LicenseStatusCancelled,
	"incomplete_expired": registry.LicenseStatusExpired,
	"paused":             registry.LicenseStatusSuspended,
}

// MapSubscriptionStatus converts a Stripe subscription status to a license
// status. Unknown statuses map to active so a new provider status never locks
// paying users out; known reports whether the mapping was explicit.
func MapSubscriptionStatus(status string) (mapped registry.LicenseStatus, known bool) {
	if s, ok := subscriptionStatuses[strings.ToLower(strings.TrimSpace(status))]; ok {
		return s, true
	}
	return registry.LicenseStatusActive, false
}

// IsSafeStripeID validates that a Stripe ID (cus_..., sub_...) is safe for
// use as a lookup key.
func IsSafeStripeID(stripeID string) bool {
	if len(stripeID) < 5 || len(stripeID) > 128 {
		return false
	}
	for i := 0; i < len(stripeID); i++ {
		c := stripeID[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-' {
			continue
		}
		return false
	}
	return true
}
