package entitlement

import (
	"github.com/rcourtman/pulse-billing/internal/billing/registry"
)

// DenialCode is a stable machine-readable denial category.
type DenialCode string

const (
	DenialNoActivePlan       DenialCode = "no_active_plan"
	DenialPlanNotFound       DenialCode = "plan_not_found"
	DenialFeatureNotIncluded DenialCode = "feature_not_included"
	DenialQuotaExceeded      DenialCode = "quota_exceeded"
	DenialStoreUnavailable   DenialCode = "store_unavailable"
	DenialInvalidRequest     DenialCode = "invalid_request"
)

// PlanRef identifies the plan a decision was made against.
type PlanRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// UsageSnapshot is the quota state seen by a decision. Remaining is Unlimited
// when the plan does not cap the quota.
type UsageSnapshot struct {
	Quota     registry.QuotaType `json:"quota"`
	Used      int64              `json:"used"`
	Limit     registry.Limit     `json:"limit"`
	Remaining registry.Limit     `json:"remaining"`
}

// Decision is the result of EnforceAccess. A denial is a normal return value
// and always carries a human-readable Reason.
type Decision struct {
	Allowed bool           `json:"allowed"`
	Code    DenialCode     `json:"code,omitempty"`
	Reason  string         `json:"reason,omitempty"`
	Plan    *PlanRef       `json:"plan,omitempty"`
	Usage   *UsageSnapshot `json:"usage,omitempty"`
}

func deny(code DenialCode, reason string) Decision {
	return Decision{Allowed: false, Code: code, Reason: reason}
}

// CheckDetails carries the numbers behind a capacity check.
type CheckDetails struct {
	Current int            `json:"current"`
	Max     registry.Limit `json:"max"`
}

// CheckResult is the shared shape of the administrative checks.
type CheckResult struct {
	Allowed bool          `json:"allowed"`
	Reason  string        `json:"reason,omitempty"`
	Details *CheckDetails `json:"details,omitempty"`
}

// Increment is the result of IncrementUsage.
type Increment struct {
	Committed    bool               `json:"committed"`
	Quota        registry.QuotaType `json:"quota"`
	Used         int64              `json:"used"`
	LimitReached bool               `json:"limit_reached"`
}
