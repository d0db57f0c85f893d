package catalog

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/rcourtman/pulse-billing/internal/billing/registry"
)

//go:embed plans.yaml
var defaultPlansYAML []byte

type planFile struct {
	Plans []registry.Plan `yaml:"plans"`
}

// PlanWriter persists plan definitions.
type PlanWriter interface {
	UpsertPlan(ctx context.Context, p *registry.Plan) error
	CountPlans(ctx context.Context) (int, error)
}

// DefaultPlans returns the built-in free/pro/team catalog.
func DefaultPlans() ([]registry.Plan, error) {
	return ParsePlans(defaultPlansYAML)
}

// LoadFile reads a YAML plan catalog from path.
func LoadFile(path string) ([]registry.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}
	return ParsePlans(data)
}

// ParsePlans decodes and validates a YAML plan catalog.
func ParsePlans(data []byte) ([]registry.Plan, error) {
	var f planFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode plan file: %w", err)
	}

	seen := make(map[string]bool, len(f.Plans))
	for i := range f.Plans {
		p := &f.Plans[i]
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			return nil, fmt.Errorf("plan #%d has no id", i+1)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("duplicate plan id %q", p.ID)
		}
		seen[p.ID] = true
		if p.Currency == "" {
			p.Currency = "usd"
		}
	}
	return f.Plans, nil
}

// Import upserts plans and invalidates their cached copies.
func Import(ctx context.Context, w PlanWriter, c *Catalog, plans []registry.Plan) error {
	for i := range plans {
		if err := w.UpsertPlan(ctx, &plans[i]); err != nil {
			return err
		}
		if c != nil {
			c.Invalidate(plans[i].ID)
		}
	}
	log.Info().Int("plans", len(plans)).Msg("Plan catalog imported")
	return nil
}

// SeedIfEmpty imports plans only when the store has none.
func SeedIfEmpty(ctx context.Context, w PlanWriter, plans []registry.Plan) (bool, error) {
	n, err := w.CountPlans(ctx)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	if err := Import(ctx, w, nil, plans); err != nil {
		return false, err
	}
	return true, nil
}
