// Package entitlement answers whether a user may perform an operation right
// now and records quota consumption after the operation succeeds.
package entitlement

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-billing/internal/billing/bmetrics"
	"github.com/rcourtman/pulse-billing/internal/billing/registry"
	internalerrors "github.com/rcourtman/pulse-billing/internal/errors"
)

// implicitFreeDeviceCap applies to users without any license.
const implicitFreeDeviceCap registry.Limit = 1

// Store is the subset of the Entitlement Store the engine reads and writes.
type Store interface {
	GetLicense(ctx context.Context, id string) (*registry.License, error)
	GetActiveLicense(ctx context.Context, userID string) (*registry.License, error)
	IncrementUsage(ctx context.Context, userID string, q registry.QuotaType, amount int64) (*registry.UsageIncrement, error)
	RolloverLicense(ctx context.Context, licenseID string, start, end time.Time) (bool, error)
	ListRolloverDue(ctx context.Context, now time.Time, limit int) ([]*registry.License, error)
	GetTeam(ctx context.Context, id string) (*registry.Team, error)
	CountTeamSeats(ctx context.Context, teamID string) (int, error)
	CountActiveMemberships(ctx context.Context, userID string) (int, error)
	CountActiveDevices(ctx context.Context, userID string) (int, error)
}

// Plans resolves plan definitions.
type Plans interface {
	Get(ctx context.Context, id string) (*registry.Plan, error)
}

// Engine is the synchronous entitlement decision service. Reads never block
// each other; usage increments are single atomic store statements.
type Engine struct {
	store Store
	plans Plans
	now   func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(store Store, plans Plans) *Engine {
	return &Engine{store: store, plans: plans, now: func() time.Time { return time.Now().UTC() }}
}

// EnforceAccess decides whether userID may use featureID and, when quota is
// set, whether that quota has headroom left. Store failures fail closed: the
// returned decision denies and the error is transient.
func (e *Engine) EnforceAccess(ctx context.Context, userID, featureID string, quota registry.QuotaType) (Decision, error) {
	d, err := e.enforce(ctx, userID, featureID, quota)
	result := "allowed"
	if !d.Allowed {
		result = "denied"
	}
	bmetrics.EntitlementDecisions.WithLabelValues(result, string(d.Code)).Inc()
	return d, err
}

func (e *Engine) enforce(ctx context.Context, userID, featureID string, quota registry.QuotaType) (Decision, error) {
	if userID == "" {
		return deny(DenialInvalidRequest, "user id is required"),
			internalerrors.Rejection("enforce access", fmt.Errorf("user id is required: %w", internalerrors.ErrInvalidInput))
	}
	if featureID == "" {
		return deny(DenialInvalidRequest, "feature id is required"),
			internalerrors.Rejection("enforce access", fmt.Errorf("feature id is required: %w", internalerrors.ErrInvalidInput))
	}
	if _, ok := registry.ParseQuotaType(string(quota)); !ok {
		return deny(DenialInvalidRequest, fmt.Sprintf("unknown quota type %q", quota)),
			internalerrors.Rejection("enforce access", fmt.Errorf("unknown quota type %q: %w", quota, internalerrors.ErrInvalidInput))
	}

	lic, err := e.store.GetActiveLicense(ctx, userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Entitlement check failed closed: license lookup")
		return deny(DenialStoreUnavailable, "entitlement store unavailable"), internalerrors.Transient("get active license", err)
	}
	if lic == nil {
		return deny(DenialNoActivePlan, "no active plan"), nil
	}

	plan, err := e.plans.Get(ctx, lic.PlanID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Str("plan_id", lic.PlanID).Msg("Entitlement check failed closed: plan lookup")
		return deny(DenialStoreUnavailable, "entitlement store unavailable"), internalerrors.Transient("get plan", err)
	}
	if plan == nil {
		log.Warn().Str("user_id", userID).Str("license_id", lic.ID).Str("plan_id", lic.PlanID).Msg("License references unknown plan")
		return deny(DenialPlanNotFound, fmt.Sprintf("plan %q not found", lic.PlanID)), nil
	}

	ref := &PlanRef{ID: plan.ID, Name: plan.Name}
	if !plan.HasFeature(featureID) {
		d := deny(DenialFeatureNotIncluded, fmt.Sprintf("feature %q is not included in the %s plan", featureID, planName(plan)))
		d.Plan = ref
		return d, nil
	}

	d := Decision{Allowed: true, Plan: ref}
	if quota == "" {
		return d, nil
	}

	used := lic.Usage.Counter(quota)
	limit := plan.QuotaLimit(quota)
	snap := &UsageSnapshot{Quota: quota, Used: used, Limit: limit, Remaining: registry.Unlimited}
	d.Usage = snap
	if limit.IsUnlimited() {
		return d, nil
	}

	remaining := int64(limit) - used
	if remaining < 0 {
		remaining = 0
	}
	snap.Remaining = registry.Limit(remaining)
	if remaining == 0 {
		d.Allowed = false
		d.Code = DenialQuotaExceeded
		d.Reason = QuotaExceededMessage(quota, used, limit)
	}
	return d, nil
}

// QuotaExceededMessage renders the quota denial reason.
func QuotaExceededMessage(q registry.QuotaType, used int64, limit registry.Limit) string {
	return fmt.Sprintf("%s quota exceeded (%d/%d). Wait for the next billing period or upgrade your plan.", q, used, int64(limit))
}

func planName(p *registry.Plan) string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

// IncrementUsage records amount units of quota consumed by userID. Call it
// only after the gated operation succeeded. Committed is false when the user
// has no active license.
func (e *Engine) IncrementUsage(ctx context.Context, userID string, quota registry.QuotaType, amount int64) (Increment, error) {
	inc := Increment{Quota: quota}
	if userID == "" {
		return inc, internalerrors.Rejection("increment usage", fmt.Errorf("user id is required: %w", internalerrors.ErrInvalidInput))
	}
	if q, ok := registry.ParseQuotaType(string(quota)); !ok || q == "" {
		return inc, internalerrors.Rejection("increment usage", fmt.Errorf("unknown quota type %q: %w", quota, internalerrors.ErrInvalidInput))
	}
	if amount <= 0 {
		return inc, internalerrors.Rejection("increment usage", fmt.Errorf("amount must be positive: %w", internalerrors.ErrInvalidInput))
	}

	res, err := e.store.IncrementUsage(ctx, userID, quota, amount)
	if err != nil {
		bmetrics.UsageIncrements.WithLabelValues(string(quota), "error").Inc()
		return inc, internalerrors.Transient("increment usage", err)
	}
	if res == nil {
		bmetrics.UsageIncrements.WithLabelValues(string(quota), "no_license").Inc()
		log.Warn().Str("user_id", userID).Str("quota", string(quota)).Msg("Usage increment skipped: no active license")
		return inc, nil
	}

	inc.Committed = true
	inc.Used = res.Used
	inc.LimitReached = res.LimitReached
	bmetrics.UsageIncrements.WithLabelValues(string(quota), "committed").Inc()
	if res.LimitReached {
		log.Info().Str("user_id", userID).Str("license_id", res.LicenseID).Str("quota", string(quota)).
			Int64("used", res.Used).Msg("Usage limit reached")
	}
	return inc, nil
}
