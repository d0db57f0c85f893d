package entitlement

import (
	"context"
	"fmt"

	"github.com/rcourtman/pulse-billing/internal/billing/registry"
	internalerrors "github.com/rcourtman/pulse-billing/internal/errors"
)

// CanAssignPlan checks whether planID may be assigned to userID. A plan that
// requires an organization needs an existing active membership or an
// organizationID assigned in the same operation.
func (e *Engine) CanAssignPlan(ctx context.Context, userID, planID, organizationID string) (CheckResult, error) {
	if userID == "" || planID == "" {
		return CheckResult{Reason: "user id and plan id are required"},
			internalerrors.Rejection("can assign plan", internalerrors.ErrInvalidInput)
	}

	plan, err := e.plans.Get(ctx, planID)
	if err != nil {
		return CheckResult{Reason: "entitlement store unavailable"}, internalerrors.Transient("get plan", err)
	}
	if plan == nil {
		return CheckResult{Reason: fmt.Sprintf("plan %q does not exist", planID)}, nil
	}
	if !plan.IsActive {
		return CheckResult{Reason: fmt.Sprintf("plan %q is no longer offered", planName(plan))}, nil
	}
	if !plan.RequiresOrganization || organizationID != "" {
		return CheckResult{Allowed: true}, nil
	}

	memberships, err := e.store.CountActiveMemberships(ctx, userID)
	if err != nil {
		return CheckResult{Reason: "entitlement store unavailable"}, internalerrors.Transient("count memberships", err)
	}
	if memberships == 0 {
		return CheckResult{
			Reason: fmt.Sprintf("the %s plan requires membership in an organization", planName(plan)),
		}, nil
	}
	return CheckResult{Allowed: true}, nil
}

// CanJoinTeam checks whether one more member fits in the organization.
// Active and invited members both hold a seat.
func (e *Engine) CanJoinTeam(ctx context.Context, teamID string) (CheckResult, error) {
	if teamID == "" {
		return CheckResult{Reason: "organization id is required"},
			internalerrors.Rejection("can join team", internalerrors.ErrInvalidInput)
	}

	team, err := e.store.GetTeam(ctx, teamID)
	if err != nil {
		return CheckResult{Reason: "entitlement store unavailable"}, internalerrors.Transient("get team", err)
	}
	if team == nil {
		return CheckResult{Reason: "organization not found"}, nil
	}
	if !team.IsActive {
		return CheckResult{Reason: "organization is not active"}, nil
	}

	seats, err := e.store.CountTeamSeats(ctx, teamID)
	if err != nil {
		return CheckResult{Reason: "entitlement store unavailable"}, internalerrors.Transient("count team seats", err)
	}
	return capacity(seats, team.MaxMembers, "organization member limit reached"), nil
}

// CanActivateDevice checks whether userID may activate another device. A user
// without any license is treated as free tier with a single device.
func (e *Engine) CanActivateDevice(ctx context.Context, userID string) (CheckResult, error) {
	if userID == "" {
		return CheckResult{Reason: "user id is required"},
			internalerrors.Rejection("can activate device", internalerrors.ErrInvalidInput)
	}

	deviceCap := implicitFreeDeviceCap
	lic, err := e.store.GetActiveLicense(ctx, userID)
	if err != nil {
		return CheckResult{Reason: "entitlement store unavailable"}, internalerrors.Transient("get active license", err)
	}
	if lic != nil {
		plan, err := e.plans.Get(ctx, lic.PlanID)
		if err != nil {
			return CheckResult{Reason: "entitlement store unavailable"}, internalerrors.Transient("get plan", err)
		}
		if plan != nil {
			deviceCap = plan.Limits.MaxDevices
		}
	}

	active, err := e.store.CountActiveDevices(ctx, userID)
	if err != nil {
		return CheckResult{Reason: "entitlement store unavailable"}, internalerrors.Transient("count devices", err)
	}
	return capacity(active, deviceCap, "device limit reached"), nil
}

func capacity(current int, limit registry.Limit, what string) CheckResult {
	details := &CheckDetails{Current: current, Max: limit}
	if limit.IsUnlimited() || int64(current) < int64(limit) {
		return CheckResult{Allowed: true, Details: details}
	}
	return CheckResult{
		Reason:  fmt.Sprintf("%s (%d/%d)", what, current, int64(limit)),
		Details: details,
	}
}
