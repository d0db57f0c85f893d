package admin

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rcourtman/pulse-billing/internal/billing/bmetrics"
	"github.com/rcourtman/pulse-billing/internal/billing/registry"
)

// Pinger reports store connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatusSource is the read side /status aggregates.
type StatusSource interface {
	CountLicensesByStatus(ctx context.Context) (map[registry.LicenseStatus]int, error)
	CountUnprocessedEvents(ctx context.Context) (int, error)
	ListPlans(ctx context.Context) ([]*registry.Plan, error)
}

type statusResponse struct {
	Version           string                         `json:"version"`
	TotalLicenses     int                            `json:"total_licenses"`
	ByStatus          map[registry.LicenseStatus]int `json:"by_status"`
	Plans             int                            `json:"plans"`
	ActivePlans       []string                       `json:"active_plans"`
	UnprocessedEvents int                            `json:"unprocessed_events"`
}

// HandleHealthz returns 200 "ok" unconditionally (liveness probe).
func HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz returns a handler that checks database connectivity (readiness probe).
func HandleReadyz(store Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil || store.Ping(r.Context()) != nil {
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

// HandleStatus returns a handler that reports aggregate license and event state.
func HandleStatus(src StatusSource, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		counts, err := src.CountLicensesByStatus(ctx)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		// Opportunistically sync gauges on status calls (in addition to the background updater).
		total := 0
		for status, c := range counts {
			bmetrics.LicensesByStatus.WithLabelValues(string(status)).Set(float64(c))
			total += c
		}

		unprocessed, err := src.CountUnprocessedEvents(ctx)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		plans, err := src.ListPlans(ctx)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		activePlans := []string{}
		for _, p := range plans {
			if p.IsActive {
				activePlans = append(activePlans, p.ID)
			}
		}

		resp := statusResponse{
			Version:           version,
			TotalLicenses:     total,
			ByStatus:          counts,
			Plans:             len(plans),
			ActivePlans:       activePlans,
			UnprocessedEvents: unprocessed,
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
