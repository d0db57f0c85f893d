package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-billing/internal/billing/entitlement"
	internalerrors "github.com/rcourtman/pulse-billing/internal/errors"
)

// Roller rolls a single license over to a new usage period.
type Roller interface {
	RolloverPeriod(ctx context.Context, licenseID string) (entitlement.RolloverResult, error)
}

// Invalidator drops cached catalog entries.
type Invalidator interface {
	Invalidate(id string)
}

// AdminKeyMiddleware returns middleware that requires a valid admin API key.
func AdminKeyMiddleware(adminKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("X-Admin-Key"))
		if key == "" {
			// Also check Authorization: Bearer <key>
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			}
		}

		if key == "" || adminKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(adminKey)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// HandleRollover returns a handler for POST /admin/licenses/{license_id}/rollover.
func HandleRollover(roller Roller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		licenseID := strings.TrimSpace(r.PathValue("license_id"))
		if licenseID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "license_id is required"})
			return
		}

		res, err := roller.RolloverPeriod(r.Context(), licenseID)
		if err != nil {
			status := internalerrors.HTTPStatus(err)
			if status >= http.StatusInternalServerError {
				log.Error().Err(err).Str("license_id", licenseID).Msg("Manual rollover failed")
			}
			writeJSON(w, status, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// HandleInvalidatePlan returns a handler for POST /admin/plans/{plan_id}/invalidate.
func HandleInvalidatePlan(cache Invalidator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		planID := strings.TrimSpace(r.PathValue("plan_id"))
		if planID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "plan_id is required"})
			return
		}
		cache.Invalidate(planID)
		log.Info().Str("plan_id", planID).Msg("Plan cache entry invalidated")
		writeJSON(w, http.StatusOK, map[string]any{"plan_id": planID, "invalidated": true})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
