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

const (
	defaultRolloverInterval = 1 * time.Hour
	rolloverBatchSize       = 200
)

// RolloverResult reports what RolloverPeriod did.
type RolloverResult struct {
	Rolled      bool       `json:"rolled"`
	LicenseID   string     `json:"license_id"`
	PeriodStart *time.Time `json:"period_start,omitempty"`
	PeriodEnd   *time.Time `json:"period_end,omitempty"`
}

// RolloverPeriod resets a license's usage counters and advances its period.
// A period that already ended is advanced in whole months until it covers
// now. A period still running restarts at now and keeps its end.
func (e *Engine) RolloverPeriod(ctx context.Context, licenseID string) (RolloverResult, error) {
	lic, err := e.store.GetLicense(ctx, licenseID)
	if err != nil {
		return RolloverResult{LicenseID: licenseID}, internalerrors.Transient("get license", err)
	}
	if lic == nil {
		return RolloverResult{LicenseID: licenseID},
			internalerrors.NotFound("rollover", fmt.Errorf("license %q: %w", licenseID, internalerrors.ErrNotFound))
	}
	return e.rollover(ctx, lic, "manual")
}

func (e *Engine) rollover(ctx context.Context, lic *registry.License, trigger string) (RolloverResult, error) {
	start, end := nextPeriod(lic, e.now())
	res := RolloverResult{LicenseID: lic.ID, PeriodStart: &start, PeriodEnd: &end}

	rolled, err := e.store.RolloverLicense(ctx, lic.ID, start, end)
	if err != nil {
		return res, internalerrors.Transient("rollover license", err)
	}
	res.Rolled = rolled
	if rolled {
		bmetrics.RolloversTotal.WithLabelValues(trigger).Inc()
		log.Info().
			Str("license_id", lic.ID).
			Str("user_id", lic.UserID).
			Time("period_start", start).
			Time("period_end", end).
			Str("trigger", trigger).
			Msg("License usage period rolled over")
	}
	return res, nil
}

func nextPeriod(lic *registry.License, now time.Time) (time.Time, time.Time) {
	now = now.UTC().Truncate(time.Second)
	if lic.CurrentPeriodEnd != nil && lic.CurrentPeriodEnd.After(now) {
		return now, *lic.CurrentPeriodEnd
	}
	start := now
	if lic.CurrentPeriodEnd != nil {
		start = lic.CurrentPeriodEnd.UTC()
	}
	end := start.AddDate(0, 1, 0)
	for !end.After(now) {
		start = end
		end = start.AddDate(0, 1, 0)
	}
	return start, end
}

// RolloverWorker periodically rolls over licenses whose period ended and that
// no provider subscription renews.
type RolloverWorker struct {
	engine   *Engine
	interval time.Duration
}

// NewRolloverWorker creates a RolloverWorker. A zero interval uses the default.
func NewRolloverWorker(engine *Engine, interval time.Duration) *RolloverWorker {
	if interval <= 0 {
		interval = defaultRolloverInterval
	}
	return &RolloverWorker{engine: engine, interval: interval}
}

// Run starts the rollover loop. It blocks until ctx is cancelled.
func (w *RolloverWorker) Run(ctx context.Context) {
	log.Info().Dur("interval", w.interval).Msg("Usage rollover worker started")

	w.Sweep(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Usage rollover worker stopped")
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep rolls over every due license and returns how many were rolled.
func (w *RolloverWorker) Sweep(ctx context.Context) int {
	rolled := 0
	for {
		due, err := w.engine.store.ListRolloverDue(ctx, w.engine.now(), rolloverBatchSize)
		if err != nil {
			log.Error().Err(err).Msg("Rollover worker: failed to list due licenses")
			return rolled
		}
		progressed := 0
		for _, lic := range due {
			if ctx.Err() != nil {
				return rolled
			}
			res, err := w.engine.rollover(ctx, lic, "scheduled")
			if err != nil {
				log.Error().Err(err).Str("license_id", lic.ID).Msg("Rollover worker: failed to roll over license")
				continue
			}
			if res.Rolled {
				progressed++
			}
		}
		rolled += progressed
		if len(due) < rolloverBatchSize || progressed == 0 {
			return rolled
		}
	}
}
