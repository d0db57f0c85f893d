package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DefaultClaimLease is how long an unfinished claim blocks other deliveries of
// the same event. A crashed worker's claim expires after this.
const DefaultClaimLease = 5 * time.Minute

// ClaimEvent appends the audit row for a provider event (if absent) and tries
// to take the processing claim. Both statements are conditional, so
// concurrent deliveries of one event get exactly one ClaimAcquired.
func (r *Registry) ClaimEvent(ctx context.Context, providerEventID, eventType string, payload []byte, lease time.Duration) (ClaimResult, error) {
	now := r.now()
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO billing_events (id, provider_event_id, event_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(provider_event_id) DO NOTHING`,
		NewID("evt"), providerEventID, eventType, payload, now.Unix()); err != nil {
		return 0, fmt.Errorf("log billing event: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE billing_events SET claimed_at = ?, attempts = attempts + 1
		WHERE provider_event_id = ? AND is_processed = 0
		  AND (claimed_at IS NULL OR claimed_at <= ?)`,
		now.Unix(), providerEventID, now.Add(-lease).Unix())
	if err != nil {
		return 0, fmt.Errorf("claim billing event: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 1 {
		return ClaimAcquired, nil
	}

	var processed int
	err = r.db.QueryRowContext(ctx, `SELECT is_processed FROM billing_events WHERE provider_event_id = ?`,
		providerEventID).Scan(&processed)
	if err != nil {
		return 0, fmt.Errorf("read billing event: %w", err)
	}
	if processed != 0 {
		return ClaimDuplicate, nil
	}
	return ClaimInFlight, nil
}

// MarkEventProcessed completes a claimed event.
func (r *Registry) MarkEventProcessed(ctx context.Context, providerEventID string) error {
	now := r.now()
	_, err := r.db.ExecContext(ctx, `
		UPDATE billing_events SET is_processed = 1, processed_at = ?, claimed_at = NULL, last_error = ''
		WHERE provider_event_id = ?`, now.Unix(), providerEventID)
	if err != nil {
		return fmt.Errorf("mark billing event processed: %w", err)
	}
	return nil
}

// ReleaseEvent drops the claim after a failed handler so the provider's
// redelivery can retry immediately. The row stays unprocessed.
func (r *Registry) ReleaseEvent(ctx context.Context, providerEventID, lastError string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE billing_events SET claimed_at = NULL, last_error = ?
		WHERE provider_event_id = ? AND is_processed = 0`, lastError, providerEventID)
	if err != nil {
		return fmt.Errorf("release billing event: %w", err)
	}
	return nil
}

// GetEvent retrieves an audit row by provider event ID.
func (r *Registry) GetEvent(ctx context.Context, providerEventID string) (*BillingEvent, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, provider_event_id, event_type, payload, is_processed,
		processed_at, attempts, last_error, claimed_at, created_at
		FROM billing_events WHERE provider_event_id = ?`, providerEventID)

	var e BillingEvent
	var processed int
	var processedAt, claimedAt sql.NullInt64
	var createdAt int64
	err := row.Scan(&e.ID, &e.ProviderEventID, &e.EventType, &e.Payload, &processed,
		&processedAt, &e.Attempts, &e.LastError, &claimedAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan billing event: %w", err)
	}
	e.IsProcessed = processed != 0
	e.ProcessedAt = timeFromNull(processedAt)
	e.ClaimedAt = timeFromNull(claimedAt)
	e.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &e, nil
}

// CountUnprocessedEvents counts audit rows not yet processed.
func (r *Registry) CountUnprocessedEvents(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM billing_events WHERE is_processed = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count unprocessed events: %w", err)
	}
	return n, nil
}
