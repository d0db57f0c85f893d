package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/pulse-billing/internal/billing/catalog"
	"github.com/rcourtman/pulse-billing/internal/billing/entitlement"
	"github.com/rcourtman/pulse-billing/internal/billing/registry"
	internalerrors "github.com/rcourtman/pulse-billing/internal/errors"
)

type fixture struct {
	reg *registry.Registry
	mux *http.ServeMux
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg, err := registry.NewRegistry(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	plans, err := catalog.DefaultPlans()
	require.NoError(t, err)
	require.NoError(t, catalog.Import(context.Background(), reg, nil, plans))
	cat, err := catalog.New(reg, catalog.Config{})
	require.NoError(t, err)

	return &fixture{reg: reg, mux: newMux(NewHandlers(entitlement.NewEngine(reg, cat)))}
}

func newMux(h *Handlers) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/entitlements/check", h.HandleCheck)
	mux.HandleFunc("/api/entitlements/usage", h.HandleUsage)
	mux.HandleFunc("/admin/checks/plan-assignment", h.HandlePlanAssignment)
	mux.HandleFunc("/admin/teams/{team_id}/capacity", h.HandleTeamCapacity)
	mux.HandleFunc("/admin/users/{user_id}/device-capacity", h.HandleDeviceCapacity)
	return mux
}

func (f *fixture) license(t *testing.T, userID, planID string, usage registry.Usage) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, f.reg.CreateLicense(context.Background(), &registry.License{
		UserID:       userID,
		PlanID:       planID,
		Status:       registry.LicenseStatusActive,
		BillingCycle: registry.BillingCycleMonthly,
		Usage:        usage,
		ActivatedAt:  &now,
	}))
}

func serve(mux http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestCheckAllowsIncludedFeature(t *testing.T) {
	f := newFixture(t)
	f.license(t, "user-1", "free", registry.Usage{AICallsUsed: 10})

	rec := serve(f.mux, http.MethodPost, "/api/entitlements/check",
		`{"user_id":"user-1","feature_id":"chat","quota_type":"ai_calls"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	d := decode[entitlement.Decision](t, rec)
	assert.True(t, d.Allowed)
	require.NotNil(t, d.Plan)
	assert.Equal(t, "free", d.Plan.ID)
	require.NotNil(t, d.Usage)
	assert.Equal(t, int64(10), d.Usage.Used)
	assert.Equal(t, registry.Limit(100), d.Usage.Limit)
	assert.Equal(t, registry.Limit(90), d.Usage.Remaining)
}

func TestCheckDeniesWithReason(t *testing.T) {
	f := newFixture(t)
	f.license(t, "user-1", "free", registry.Usage{AICallsUsed: 100})

	tests := []struct {
		name string
		body string
		code entitlement.DenialCode
	}{
		{"feature", `{"user_id":"user-1","feature_id":"reports"}`, entitlement.DenialFeatureNotIncluded},
		{"quota", `{"user_id":"user-1","feature_id":"chat","quota_type":"ai_calls"}`, entitlement.DenialQuotaExceeded},
		{"no-license", `{"user_id":"ghost","feature_id":"chat"}`, entitlement.DenialNoActivePlan},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(f.mux, http.MethodPost, "/api/entitlements/check", tt.body)
			require.Equal(t, http.StatusOK, rec.Code)
			d := decode[entitlement.Decision](t, rec)
			assert.False(t, d.Allowed)
			assert.Equal(t, tt.code, d.Code)
			assert.NotEmpty(t, d.Reason)
		})
	}
}

func TestCheckRejectsBadInput(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body string
	}{
		{"empty-body", ""},
		{"malformed", `{"user_id":`},
		{"unknown-field", `{"user_id":"u","feature":"chat"}`},
		{"missing-user", `{"feature_id":"chat"}`},
		{"missing-feature", `{"user_id":"u","quota_type":"ai_calls"}`},
		{"bad-quota", `{"user_id":"u","feature_id":"chat","quota_type":"gpus"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(f.mux, http.MethodPost, "/api/entitlements/check", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestCheckMethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	rec := serve(f.mux, http.MethodGet, "/api/entitlements/check", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCheckFailsClosedWhenStoreUnavailable(t *testing.T) {
	f := newFixture(t)
	f.license(t, "user-1", "pro", registry.Usage{})
	require.NoError(t, f.reg.Close())

	rec := serve(f.mux, http.MethodPost, "/api/entitlements/check", `{"user_id":"user-1","feature_id":"chat"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	d := decode[entitlement.Decision](t, rec)
	assert.False(t, d.Allowed)
	assert.Equal(t, entitlement.DenialStoreUnavailable, d.Code)
}

func TestUsageIncrement(t *testing.T) {
	f := newFixture(t)
	f.license(t, "user-1", "free", registry.Usage{AICallsUsed: 98})

	rec := serve(f.mux, http.MethodPost, "/api/entitlements/usage", `{"user_id":"user-1","quota_type":"ai_calls","amount":1}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[usageResponse](t, rec)
	assert.Equal(t, usageResponse{Committed: true, Used: 99}, resp)

	rec = serve(f.mux, http.MethodPost, "/api/entitlements/usage", `{"user_id":"user-1","quota_type":"ai_calls","amount":1}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[usageResponse](t, rec)
	assert.Equal(t, usageResponse{Committed: true, Used: 100, LimitReached: true}, resp)
}

func TestUsageWithoutLicenseIsNotCommitted(t *testing.T) {
	f := newFixture(t)

	rec := serve(f.mux, http.MethodPost, "/api/entitlements/usage", `{"user_id":"ghost","quota_type":"tokens","amount":500}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[usageResponse](t, rec).Committed)
}

func TestUsageRejectsBadAmount(t *testing.T) {
	f := newFixture(t)
	f.license(t, "user-1", "free", registry.Usage{})

	for _, body := range []string{
		`{"user_id":"user-1","quota_type":"ai_calls","amount":0}`,
		`{"user_id":"user-1","quota_type":"ai_calls","amount":-3}`,
		`{"user_id":"user-1","quota_type":"","amount":1}`,
	} {
		rec := serve(f.mux, http.MethodPost, "/api/entitlements/usage", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestPlanAssignment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	team := &registry.Team{Name: "Acme", MaxMembers: 5, MaxAgents: registry.Unlimited, IsActive: true}
	require.NoError(t, f.reg.CreateTeam(ctx, team))
	require.NoError(t, f.reg.SetTeamMember(ctx, team.ID, "member", registry.MemberStatusActive))

	tests := []struct {
		name    string
		body    string
		allowed bool
	}{
		{"pro", `{"user_id":"solo","plan_id":"pro"}`, true},
		{"team-without-org", `{"user_id":"solo","plan_id":"team"}`, false},
		{"team-with-org-in-request", `{"user_id":"solo","plan_id":"team","organization_id":"org-1"}`, true},
		{"team-with-membership", `{"user_id":"member","plan_id":"team"}`, true},
		{"unknown-plan", `{"user_id":"solo","plan_id":"enterprise"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(f.mux, http.MethodPost, "/admin/checks/plan-assignment", tt.body)
			require.Equal(t, http.StatusOK, rec.Code)
			res := decode[entitlement.CheckResult](t, rec)
			assert.Equal(t, tt.allowed, res.Allowed)
			if !tt.allowed {
				assert.NotEmpty(t, res.Reason)
			}
		})
	}
}

func TestTeamCapacity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	team := &registry.Team{Name: "Small", MaxMembers: 2, MaxAgents: 1, IsActive: true}
	require.NoError(t, f.reg.CreateTeam(ctx, team))
	require.NoError(t, f.reg.SetTeamMember(ctx, team.ID, "a", registry.MemberStatusActive))

	rec := serve(f.mux, http.MethodGet, "/admin/teams/"+team.ID+"/capacity", "")
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[entitlement.CheckResult](t, rec)
	assert.True(t, res.Allowed)
	require.NotNil(t, res.Details)
	assert.Equal(t, 1, res.Details.Current)

	require.NoError(t, f.reg.SetTeamMember(ctx, team.ID, "b", registry.MemberStatusInvited))
	rec = serve(f.mux, http.MethodGet, "/admin/teams/"+team.ID+"/capacity", "")
	res = decode[entitlement.CheckResult](t, rec)
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "2/2")

	rec = serve(f.mux, http.MethodGet, "/admin/teams/missing/capacity", "")
	require.Equal(t, http.StatusOK, rec.Code)
	res = decode[entitlement.CheckResult](t, rec)
	assert.False(t, res.Allowed)
	assert.Equal(t, "organization not found", res.Reason)
}

func TestDeviceCapacity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.reg.ActivateDevice(ctx, &registry.Device{UserID: "no-license", Fingerprint: "fp-1", IsActive: true}))

	rec := serve(f.mux, http.MethodGet, "/admin/users/no-license/device-capacity", "")
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[entitlement.CheckResult](t, rec)
	assert.False(t, res.Allowed, "implicit free tier allows a single device")

	f.license(t, "pro-user", "pro", registry.Usage{})
	require.NoError(t, f.reg.ActivateDevice(ctx, &registry.Device{UserID: "pro-user", Fingerprint: "fp-2", IsActive: true}))
	rec = serve(f.mux, http.MethodGet, "/admin/users/pro-user/device-capacity", "")
	res = decode[entitlement.CheckResult](t, rec)
	assert.True(t, res.Allowed)
	require.NotNil(t, res.Details)
	assert.Equal(t, registry.Limit(5), res.Details.Max)
}

type failingEngine struct{ Engine }

func (failingEngine) IncrementUsage(context.Context, string, registry.QuotaType, int64) (entitlement.Increment, error) {
	return entitlement.Increment{}, internalerrors.Transient("increment usage", errors.New("database is locked"))
}

func (failingEngine) CanJoinTeam(context.Context, string) (entitlement.CheckResult, error) {
	return entitlement.CheckResult{Reason: "entitlement store unavailable"},
		internalerrors.Transient("get team", errors.New("database is locked"))
}

func TestStoreFailuresAreServiceUnavailable(t *testing.T) {
	mux := newMux(NewHandlers(failingEngine{}))

	rec := serve(mux, http.MethodPost, "/api/entitlements/usage", `{"user_id":"u","quota_type":"ai_calls","amount":1}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "entitlement store unavailable")
	assert.NotContains(t, rec.Body.String(), "database is locked")

	rec = serve(mux, http.MethodGet, "/admin/teams/t1/capacity", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	res := decode[entitlement.CheckResult](t, rec)
	assert.False(t, res.Allowed)
}
