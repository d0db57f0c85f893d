package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const planColumns = `id, name, price_monthly, price_yearly, currency,
		max_agents, max_devices, max_conversations_per_month, max_ai_calls_per_month, max_token_usage_per_month,
		features, provider_price_ids, requires_organization, is_active, created_at, updated_at`

// UpsertPlan inserts or replaces a plan definition.
func (r *Registry) UpsertPlan(ctx context.Context, p *Plan) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("plan id is required")
	}
	features, err := json.Marshal(nonNil(p.Features))
	if err != nil {
		return fmt.Errorf("encode plan features: %w", err)
	}
	priceIDs, err := json.Marshal(nonNil(p.ProviderPriceIDs))
	if err != nil {
		return fmt.Errorf("encode plan price ids: %w", err)
	}
	now := r.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO plans (`+planColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			price_monthly = excluded.price_monthly,
			price_yearly = excluded.price_yearly,
			currency = excluded.currency,
			max_agents = excluded.max_agents,
			max_devices = excluded.max_devices,
			max_conversations_per_month = excluded.max_conversations_per_month,
			max_ai_calls_per_month = excluded.max_ai_calls_per_month,
			max_token_usage_per_month = excluded.max_token_usage_per_month,
			features = excluded.features,
			provider_price_ids = excluded.provider_price_ids,
			requires_organization = excluded.requires_organization,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at`,
		p.ID, p.Name, p.PriceMonthly, p.PriceYearly, p.Currency,
		int64(p.Limits.MaxAgents), int64(p.Limits.MaxDevices), int64(p.Limits.MaxConversationsPerMonth),
		int64(p.Limits.MaxAICallsPerMonth), int64(p.Limits.MaxTokenUsagePerMonth),
		string(features), string(priceIDs), boolToInt(p.RequiresOrganization), boolToInt(p.IsActive),
		p.CreatedAt.Unix(), p.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert plan %q: %w", p.ID, err)
	}
	return nil
}

// GetPlan retrieves a plan by ID, including retired plans still referenced by licenses.
func (r *Registry) GetPlan(ctx context.Context, id string) (*Plan, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id = ?`, id)
	return scanPlan(row)
}

// GetPlanByPriceID finds the plan listing priceID among its provider price ids.
func (r *Registry) GetPlanByPriceID(ctx context.Context, priceID string) (*Plan, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans
		WHERE EXISTS (SELECT 1 FROM json_each(plans.provider_price_ids) WHERE json_each.value = ?)
		ORDER BY is_active DESC LIMIT 1`, priceID)
	return scanPlan(row)
}

// ListPlans returns every plan ordered by monthly price.
func (r *Registry) ListPlans(ctx context.Context) ([]*Plan, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+planColumns+` FROM plans ORDER BY price_monthly, id`)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var plans []*Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// CountPlans returns the number of plan rows.
func (r *Registry) CountPlans(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM plans`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count plans: %w", err)
	}
	return n, nil
}

func scanPlan(s scanner) (*Plan, error) {
	var p Plan
	var maxAgents, maxDevices, maxConversations, maxAICalls, maxTokens int64
	var features, priceIDs string
	var requiresOrg, active int
	var createdAt, updatedAt int64

	err := s.Scan(
		&p.ID, &p.Name, &p.PriceMonthly, &p.PriceYearly, &p.Currency,
		&maxAgents, &maxDevices, &maxConversations, &maxAICalls, &maxTokens,
		&features, &priceIDs, &requiresOrg, &active, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan plan: %w", err)
	}

	p.Limits = Limits{
		MaxAgents:                normalizeLimit(maxAgents),
		MaxDevices:               normalizeLimit(maxDevices),
		MaxConversationsPerMonth: normalizeLimit(maxConversations),
		MaxAICallsPerMonth:       normalizeLimit(maxAICalls),
		MaxTokenUsagePerMonth:    normalizeLimit(maxTokens),
	}
	if err := json.Unmarshal([]byte(features), &p.Features); err != nil {
		return nil, fmt.Errorf("decode features for plan %q: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(priceIDs), &p.ProviderPriceIDs); err != nil {
		return nil, fmt.Errorf("decode price ids for plan %q: %w", p.ID, err)
	}
	p.RequiresOrganization = requiresOrg != 0
	p.IsActive = active != 0
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	p.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &p, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
