package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertCustomer links a provider customer to a user. An empty email keeps the stored one.
func (r *Registry) UpsertCustomer(ctx context.Context, c *Customer) error {
	if c == nil || c.ProviderCustomerID == "" || c.UserID == "" {
		return fmt.Errorf("customer id and user id are required")
	}
	now := r.now()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO customers (provider_customer_id, user_id, email, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(provider_customer_id) DO UPDATE SET
			user_id = excluded.user_id,
			email = CASE WHEN excluded.email = '' THEN customers.email ELSE excluded.email END,
			updated_at = excluded.updated_at`,
		c.ProviderCustomerID, c.UserID, c.Email, now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("upsert customer: %w", err)
	}
	return nil
}

// GetCustomer retrieves a customer by provider customer ID.
func (r *Registry) GetCustomer(ctx context.Context, providerCustomerID string) (*Customer, error) {
	if providerCustomerID == "" {
		return nil, nil
	}
	row := r.db.QueryRowContext(ctx, `SELECT provider_customer_id, user_id, email, delinquent, delinquent_since, created_at, updated_at
		FROM customers WHERE provider_customer_id = ?`, providerCustomerID)

	var c Customer
	var delinquent int
	var since sql.NullInt64
	var createdAt, updatedAt int64
	if err := row.Scan(&c.ProviderCustomerID, &c.UserID, &c.Email, &delinquent, &since, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan customer: %w", err)
	}
	c.Delinquent = delinquent != 0
	c.DelinquentSince = timeFromNull(since)
	c.CreatedAt = time.Unix(createdAt, 0).UTC()
	c.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &c, nil
}

// SetDelinquent flags or clears customer delinquency. The first failure time is kept.
func (r *Registry) SetDelinquent(ctx context.Context, providerCustomerID string, delinquent bool, at time.Time) error {
	var err error
	if delinquent {
		_, err = r.db.ExecContext(ctx, `UPDATE customers SET
			delinquent = 1, delinquent_since = COALESCE(delinquent_since, ?), updated_at = ?
			WHERE provider_customer_id = ?`, at.Unix(), r.now().Unix(), providerCustomerID)
	} else {
		_, err = r.db.ExecContext(ctx, `UPDATE customers SET
			delinquent = 0, delinquent_since = NULL, updated_at = ?
			WHERE provider_customer_id = ?`, r.now().Unix(), providerCustomerID)
	}
	if err != nil {
		return fmt.Errorf("set customer delinquency: %w", err)
	}
	return nil
}
