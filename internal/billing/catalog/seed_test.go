package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/pulse-billing/internal/billing/registry"
)

func TestDefaultPlans(t *testing.T) {
	plans, err := DefaultPlans()
	require.NoError(t, err)
	require.Len(t, plans, 3)

	byID := make(map[string]registry.Plan)
	for _, p := range plans {
		byID[p.ID] = p
	}
	assert.Equal(t, registry.Limit(1), byID["free"].Limits.MaxDevices)
	assert.Equal(t, registry.Limit(1000), byID["pro"].Limits.MaxAICallsPerMonth)
	pro := byID["pro"]
	assert.True(t, pro.HasFeature("managed_ai"))
	assert.True(t, byID["team"].RequiresOrganization)
	assert.True(t, byID["team"].Limits.MaxAICallsPerMonth.IsUnlimited())
}

func TestParsePlansRejectsBadInput(t *testing.T) {
	tests := map[string]string{
		"missing id":    "plans:\n  - name: X\n",
		"duplicate id":  "plans:\n  - id: a\n  - id: a\n",
		"unknown field": "plans:\n  - id: a\n    colour: red\n",
		"bad limit":     "plans:\n  - id: a\n    limits:\n      max_devices: lots\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParsePlans([]byte(doc)); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}

func TestSeedIfEmptyAndLoadFile(t *testing.T) {
	reg, err := registry.NewRegistry(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	ctx := context.Background()

	plans, err := DefaultPlans()
	require.NoError(t, err)
	seeded, err := SeedIfEmpty(ctx, reg, plans)
	require.NoError(t, err)
	assert.True(t, seeded)

	seeded, err = SeedIfEmpty(ctx, reg, plans)
	require.NoError(t, err)
	assert.False(t, seeded)

	path := filepath.Join(t.TempDir(), "plans.yaml")
	doc := "plans:\n  - id: pro\n    name: Pro Plus\n    limits:\n      max_ai_calls_per_month: 5000\n    features: [managed_ai]\n    is_active: true\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	custom, err := LoadFile(path)
	require.NoError(t, err)

	c, err := New(reg, Config{})
	require.NoError(t, err)
	_, err = c.Get(ctx, "pro")
	require.NoError(t, err)

	require.NoError(t, Import(ctx, reg, c, custom))
	p, err := c.Get(ctx, "pro")
	require.NoError(t, err)
	assert.Equal(t, "Pro Plus", p.Name)
	assert.Equal(t, registry.Limit(5000), p.Limits.MaxAICallsPerMonth)
}
