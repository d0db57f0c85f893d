// Package api exposes the entitlement engine and the administrative capacity
// checks over JSON.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rcourtman/pulse-billing/internal/billing/entitlement"
	"github.com/rcourtman/pulse-billing/internal/billing/registry"
	internalerrors "github.com/rcourtman/pulse-billing/internal/errors"
	"github.com/rcourtman/pulse-billing/internal/logging"
)

const maxRequestBytes = 64 << 10

// Engine is the subset of entitlement.Engine served over HTTP.
type Engine interface {
	EnforceAccess(ctx context.Context, userID, featureID string, quota registry.QuotaType) (entitlement.Decision, error)
	IncrementUsage(ctx context.Context, userID string, quota registry.QuotaType, amount int64) (entitlement.Increment, error)
	CanAssignPlan(ctx context.Context, userID, planID, organizationID string) (entitlement.CheckResult, error)
	CanJoinTeam(ctx context.Context, teamID string) (entitlement.CheckResult, error)
	CanActivateDevice(ctx context.Context, userID string) (entitlement.CheckResult, error)
}

// Handlers serves the entitlement endpoints.
type Handlers struct {
	engine Engine
}

// NewHandlers creates Handlers backed by engine.
func NewHandlers(engine Engine) *Handlers {
	return &Handlers{engine: engine}
}

type checkRequest struct {
	UserID    string `json:"user_id"`
	FeatureID string `json:"feature_id"`
	QuotaType string `json:"quota_type,omitempty"`
}

type usageRequest struct {
	UserID    string `json:"user_id"`
	QuotaType string `json:"quota_type"`
	Amount    int64  `json:"amount"`
}

type usageResponse struct {
	Committed    bool  `json:"committed"`
	Used         int64 `json:"used"`
	LimitReached bool  `json:"limit_reached"`
}

type planAssignmentRequest struct {
	UserID         string `json:"user_id"`
	PlanID         string `json:"plan_id"`
	OrganizationID string `json:"organization_id,omitempty"`
}

// HandleCheck serves POST /api/entitlements/check. The decision is always in
// the body. A store failure answers 503 with allowed=false so callers that
// only look at the status code still fail closed.
func (h *Handlers) HandleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req checkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	d, err := h.engine.EnforceAccess(r.Context(), strings.TrimSpace(req.UserID), strings.TrimSpace(req.FeatureID), registry.QuotaType(strings.TrimSpace(req.QuotaType)))
	if err != nil {
		writeJSON(w, checkStatus(err), d)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// HandleUsage serves POST /api/entitlements/usage.
func (h *Handlers) HandleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req usageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	inc, err := h.engine.IncrementUsage(r.Context(), strings.TrimSpace(req.UserID), registry.QuotaType(strings.TrimSpace(req.QuotaType)), req.Amount)
	if err != nil {
		logging.FromContext(r.Context()).Error().Err(err).
			Str("user_id", req.UserID).
			Str("quota", req.QuotaType).
			Msg("Usage increment failed")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usageResponse{
		Committed:    inc.Committed,
		Used:         inc.Used,
		LimitReached: inc.LimitReached,
	})
}

// HandlePlanAssignment serves POST /admin/checks/plan-assignment.
func (h *Handlers) HandlePlanAssignment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req planAssignmentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	res, err := h.engine.CanAssignPlan(r.Context(), strings.TrimSpace(req.UserID), strings.TrimSpace(req.PlanID), strings.TrimSpace(req.OrganizationID))
	writeCheck(w, res, err)
}

// HandleTeamCapacity serves GET /admin/teams/{team_id}/capacity.
func (h *Handlers) HandleTeamCapacity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	res, err := h.engine.CanJoinTeam(r.Context(), strings.TrimSpace(r.PathValue("team_id")))
	writeCheck(w, res, err)
}

// HandleDeviceCapacity serves GET /admin/users/{user_id}/device-capacity.
func (h *Handlers) HandleDeviceCapacity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	res, err := h.engine.CanActivateDevice(r.Context(), strings.TrimSpace(r.PathValue("user_id")))
	writeCheck(w, res, err)
}

func writeCheck(w http.ResponseWriter, res entitlement.CheckResult, err error) {
	if err != nil {
		writeJSON(w, checkStatus(err), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// checkStatus maps a check error to a status. Store failures are 503 rather
// than 500 because the answer is a fail-closed denial, not a crash.
func checkStatus(err error) int {
	if internalerrors.TypeOf(err) == internalerrors.ErrorTypeTransient {
		return http.StatusServiceUnavailable
	}
	return internalerrors.HTTPStatus(err)
}

func writeError(w http.ResponseWriter, err error) {
	status := checkStatus(err)
	msg := "internal error"
	switch {
	case errors.Is(err, internalerrors.ErrInvalidInput):
		msg = err.Error()
	case status == http.StatusServiceUnavailable:
		msg = "entitlement store unavailable"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("request body is required")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
