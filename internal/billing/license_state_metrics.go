package billing

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-billing/internal/billing/bmetrics"
	"github.com/rcourtman/pulse-billing/internal/billing/registry"
)

const licenseStateMetricsInterval = 30 * time.Second

type licenseCounter interface {
	CountLicensesByStatus(ctx context.Context) (map[registry.LicenseStatus]int, error)
}

func runLicenseStateMetrics(ctx context.Context, reg licenseCounter) {
	ticker := time.NewTicker(licenseStateMetricsInterval)
	defer ticker.Stop()

	// Prime once at startup so /metrics isn't empty for this gauge.
	updateLicenseStateGauges(ctx, reg)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateLicenseStateGauges(ctx, reg)
		}
	}
}

func updateLicenseStateGauges(ctx context.Context, reg licenseCounter) {
	counts, err := reg.CountLicensesByStatus(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to update license status metrics")
		return
	}

	known := []registry.LicenseStatus{
		registry.LicenseStatusActive,
		registry.LicenseStatusPaymentFailed,
		registry.LicenseStatusCancelled,
		registry.LicenseStatusExpired,
		registry.LicenseStatusSuspended,
	}

	seen := make(map[registry.LicenseStatus]struct{}, len(counts))

	// Ensure stable label set for known statuses.
	for _, status := range known {
		seen[status] = struct{}{}
		bmetrics.LicensesByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}

	for status, c := range counts {
		if _, ok := seen[status]; ok {
			continue
		}
		bmetrics.LicensesByStatus.WithLabelValues(string(status)).Set(float64(c))
	}
}
