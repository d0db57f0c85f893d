package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/rcourtman/pulse-billing/internal/billing/catalog"
	"github.com/rcourtman/pulse-billing/internal/billing/entitlement"
)

// ImportPlans upserts every plan in the YAML file at path into the store
// under dataDir, replacing existing plans with the same id.
func ImportPlans(ctx context.Context, dataDir, path string) (int, error) {
	plans, err := catalog.LoadFile(path)
	if err != nil {
		return 0, err
	}

	reg, err := openRegistry((&Config{DataDir: dataDir}).StoreDir())
	if err != nil {
		return 0, err
	}
	defer reg.Close()

	if err := catalog.Import(ctx, reg, nil, plans); err != nil {
		return 0, err
	}
	return len(plans), nil
}

// Rollover rolls licenseID over to a new usage period. With an empty
// licenseID it sweeps every license whose period has ended and reports how
// many were rolled.
func Rollover(ctx context.Context, dataDir, licenseID string) (int, error) {
	reg, err := openRegistry((&Config{DataDir: dataDir}).StoreDir())
	if err != nil {
		return 0, err
	}
	defer reg.Close()

	plans, err := catalog.New(reg, catalog.Config{})
	if err != nil {
		return 0, fmt.Errorf("init plan catalog: %w", err)
	}
	engine := entitlement.NewEngine(reg, plans)

	if licenseID == "" {
		return entitlement.NewRolloverWorker(engine, time.Hour).Sweep(ctx), nil
	}

	res, err := engine.RolloverPeriod(ctx, licenseID)
	if err != nil {
		return 0, err
	}
	if !res.Rolled {
		return 0, nil
	}
	return 1, nil
}
