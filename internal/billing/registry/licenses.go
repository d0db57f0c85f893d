package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const licenseColumns = `id, user_id, plan_id, status, billing_cycle,
		current_period_start, current_period_end, next_billing_date, is_trial, trial_ends_at,
		provider_subscription_id, provider_customer_id,
		ai_calls_used, tokens_used, conversations_created, usage_limit_reached,
		activated_at, cancelled_at, provider_synced_at, created_at, updated_at`

// newestFirst orders a user's licenses by activation, newest first.
const newestFirst = `ORDER BY COALESCE(activated_at, created_at) DESC, created_at DESC, id DESC`

// CreateLicense inserts a new license record.
func (r *Registry) CreateLicense(ctx context.Context, l *License) error {
	if l == nil {
		return fmt.Errorf("license is nil")
	}
	if l.ID == "" {
		l.ID = NewID("lic")
	}
	now := r.now()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	l.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO licenses (`+licenseColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.UserID, l.PlanID, string(l.Status), string(l.BillingCycle),
		nullableTimeUnix(l.CurrentPeriodStart), nullableTimeUnix(l.CurrentPeriodEnd), nullableTimeUnix(l.NextBillingDate),
		boolToInt(l.IsTrial), nullableTimeUnix(l.TrialEndsAt),
		l.ProviderSubscriptionID, l.ProviderCustomerID,
		l.Usage.AICallsUsed, l.Usage.TokensUsed, l.Usage.ConversationsCreated, boolToInt(l.UsageLimitReached),
		nullableTimeUnix(l.ActivatedAt), nullableTimeUnix(l.CancelledAt), nullableTimeUnix(l.ProviderSyncedAt),
		l.CreatedAt.Unix(), l.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create license: %w", err)
	}
	return nil
}

// GetLicense retrieves a license by ID.
func (r *Registry) GetLicense(ctx context.Context, id string) (*License, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE id = ?`, id)
	return scanLicense(row)
}

// GetActiveLicense returns the user's most recent active license.
func (r *Registry) GetActiveLicense(ctx context.Context, userID string) (*License, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+licenseColumns+` FROM licenses
		WHERE user_id = ? AND status = ? `+newestFirst+` LIMIT 1`,
		userID, string(LicenseStatusActive))
	return scanLicense(row)
}

// GetCurrentLicense returns the user's most recent active or payment_failed license.
func (r *Registry) GetCurrentLicense(ctx context.Context, userID string) (*License, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+licenseColumns+` FROM licenses
		WHERE user_id = ? AND status IN (?, ?) `+newestFirst+` LIMIT 1`,
		userID, string(LicenseStatusActive), string(LicenseStatusPaymentFailed))
	return scanLicense(row)
}

// GetLicenseBySubscriptionID returns the license bound to a provider subscription.
func (r *Registry) GetLicenseBySubscriptionID(ctx context.Context, subscriptionID string) (*License, error) {
	if subscriptionID == "" {
		return nil, nil
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+licenseColumns+` FROM licenses
		WHERE provider_subscription_id = ? `+newestFirst+` LIMIT 1`, subscriptionID)
	return scanLicense(row)
}

// UpdateLicense writes the provider-controlled fields of l. Usage counters are
// never written here; they change only through IncrementUsage and RolloverLicense.
func (r *Registry) UpdateLicense(ctx context.Context, l *License) error {
	if l == nil {
		return fmt.Errorf("license is nil")
	}
	l.UpdatedAt = r.now()

	res, err := r.db.ExecContext(ctx, `
		UPDATE licenses SET
			user_id = ?, plan_id = ?, status = ?, billing_cycle = ?,
			current_period_start = ?, current_period_end = ?, next_billing_date = ?,
			is_trial = ?, trial_ends_at = ?,
			provider_subscription_id = ?, provider_customer_id = ?,
			activated_at = ?, cancelled_at = ?, provider_synced_at = ?, updated_at = ?
		WHERE id = ?`,
		l.UserID, l.PlanID, string(l.Status), string(l.BillingCycle),
		nullableTimeUnix(l.CurrentPeriodStart), nullableTimeUnix(l.CurrentPeriodEnd), nullableTimeUnix(l.NextBillingDate),
		boolToInt(l.IsTrial), nullableTimeUnix(l.TrialEndsAt),
		l.ProviderSubscriptionID, l.ProviderCustomerID,
		nullableTimeUnix(l.ActivatedAt), nullableTimeUnix(l.CancelledAt), nullableTimeUnix(l.ProviderSyncedAt),
		l.UpdatedAt.Unix(), l.ID,
	)
	if err != nil {
		return fmt.Errorf("update license: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("license %q not found", l.ID)
	}
	return nil
}

// CancelLicenseBySubscriptionID marks the subscription's license cancelled.
// It returns the license after the update, or nil when no license matches.
// Re-cancelling keeps the original cancelled_at. provider_synced_at only moves
// forward, to syncedAt, so provider events created before the cancellation are
// recognised as stale.
func (r *Registry) CancelLicenseBySubscriptionID(ctx context.Context, subscriptionID string, at, syncedAt time.Time) (*License, error) {
	if subscriptionID == "" {
		return nil, nil
	}
	row := r.db.QueryRowContext(ctx, `
		UPDATE licenses SET
			status = ?,
			cancelled_at = COALESCE(cancelled_at, ?),
			provider_synced_at = MAX(COALESCE(provider_synced_at, 0), ?),
			updated_at = ?
		WHERE provider_subscription_id = ?
		RETURNING `+licenseColumns,
		string(LicenseStatusCancelled), at.Unix(), syncedAt.Unix(), r.now().Unix(), subscriptionID)
	return scanLicense(row)
}

// EnsureFreeLicense inserts an active lifetime free license for userID unless
// the user already holds an active license. The check and insert are one
// statement, so concurrent callers cannot both insert.
func (r *Registry) EnsureFreeLicense(ctx context.Context, userID string, at time.Time) (*License, bool, error) {
	l := &License{
		ID:           NewID("lic"),
		UserID:       userID,
		PlanID:       FreePlanID,
		Status:       LicenseStatusActive,
		BillingCycle: BillingCycleLifetime,
	}
	start := at.UTC()
	end := start.AddDate(0, 1, 0)
	l.CurrentPeriodStart = &start
	l.CurrentPeriodEnd = &end
	l.ActivatedAt = &start
	now := r.now()
	l.CreatedAt, l.UpdatedAt = now, now

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO licenses (id, user_id, plan_id, status, billing_cycle,
			current_period_start, current_period_end, activated_at, created_at, updated_at)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM licenses WHERE user_id = ? AND status = ?)`,
		l.ID, l.UserID, l.PlanID, string(l.Status), string(l.BillingCycle),
		start.Unix(), end.Unix(), start.Unix(), now.Unix(), now.Unix(),
		userID, string(LicenseStatusActive),
	)
	if err != nil {
		return nil, false, fmt.Errorf("ensure free license: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 1 {
		return l, true, nil
	}
	existing, err := r.GetActiveLicense(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// SetTrialEnd updates the trial end of a license.
func (r *Registry) SetTrialEnd(ctx context.Context, licenseID string, trialEndsAt *time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE licenses SET trial_ends_at = ?, is_trial = CASE WHEN ? IS NULL THEN is_trial ELSE 1 END, updated_at = ?
		WHERE id = ?`,
		nullableTimeUnix(trialEndsAt), nullableTimeUnix(trialEndsAt), r.now().Unix(), licenseID)
	if err != nil {
		return fmt.Errorf("set trial end: %w", err)
	}
	return nil
}

// UsageIncrement is the post-increment state of a license counter.
type UsageIncrement struct {
	LicenseID    string
	Used         int64
	LimitReached bool
}

// IncrementUsage atomically adds amount to the quota counter of the user's
// active license and flags usage_limit_reached once the plan's finite limit is
// met. It returns nil when the user has no active license.
func (r *Registry) IncrementUsage(ctx context.Context, userID string, q QuotaType, amount int64) (*UsageIncrement, error) {
	counter, limit := q.counterColumn(), q.limitColumn()
	if counter == "" {
		return nil, fmt.Errorf("unknown quota type %q", q)
	}

	// SET expressions see pre-update values, so the CASE compares the new total.
	query := fmt.Sprintf(`
		UPDATE licenses SET
			%[1]s = %[1]s + ?1,
			usage_limit_reached = CASE
				WHEN (SELECT p.%[2]s FROM plans p WHERE p.id = licenses.plan_id) >= 0
				 AND %[1]s + ?1 >= (SELECT p.%[2]s FROM plans p WHERE p.id = licenses.plan_id)
				THEN 1 ELSE usage_limit_reached END,
			updated_at = ?2
		WHERE id = (SELECT id FROM licenses WHERE user_id = ?3 AND status = ?4 %[3]s LIMIT 1)
		RETURNING id, %[1]s, usage_limit_reached`, counter, limit, newestFirst)

	var inc UsageIncrement
	var reached int
	err := r.db.QueryRowContext(ctx, query, amount, r.now().Unix(), userID, string(LicenseStatusActive)).
		Scan(&inc.LicenseID, &inc.Used, &reached)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("increment %s usage: %w", q, err)
	}
	inc.LimitReached = reached != 0
	return &inc, nil
}

// RolloverLicense resets the usage counters and moves the period to
// [start, end). It is a no-op when the license period already starts at or
// after start, so repeated rollovers for the same period converge.
func (r *Registry) RolloverLicense(ctx context.Context, licenseID string, start, end time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE licenses SET
			ai_calls_used = 0, tokens_used = 0, conversations_created = 0,
			usage_limit_reached = 0,
			current_period_start = ?, current_period_end = ?,
			updated_at = ?
		WHERE id = ? AND (current_period_start IS NULL OR current_period_start < ?)`,
		start.Unix(), end.Unix(), r.now().Unix(), licenseID, start.Unix())
	if err != nil {
		return false, fmt.Errorf("rollover license: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected == 1, nil
}

// ListRolloverDue returns active licenses without a provider subscription whose
// period ended at or before now. Provider-backed licenses roll over when the
// provider reports a new period.
func (r *Registry) ListRolloverDue(ctx context.Context, now time.Time, limit int) ([]*License, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+licenseColumns+` FROM licenses
		WHERE status = ? AND provider_subscription_id = ''
		  AND current_period_end IS NOT NULL AND current_period_end <= ?
		ORDER BY current_period_end LIMIT ?`,
		string(LicenseStatusActive), now.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("list rollover due: %w", err)
	}
	defer rows.Close()
	return scanLicenses(rows)
}

// ListLicensesByUser returns every license for userID, newest first.
func (r *Registry) ListLicensesByUser(ctx context.Context, userID string) ([]*License, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+licenseColumns+` FROM licenses
		WHERE user_id = ? `+newestFirst, userID)
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	defer rows.Close()
	return scanLicenses(rows)
}

// CountLicensesByStatus returns a map of status -> count.
func (r *Registry) CountLicensesByStatus(ctx context.Context) (map[LicenseStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM licenses GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count licenses by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[LicenseStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[LicenseStatus(status)] = count
	}
	return counts, rows.Err()
}

func scanLicense(s scanner) (*License, error) {
	var l License
	var status, cycle string
	var periodStart, periodEnd, nextBilling, trialEnds, activatedAt, cancelledAt, syncedAt sql.NullInt64
	var isTrial, limitReached int
	var createdAt, updatedAt int64

	err := s.Scan(
		&l.ID, &l.UserID, &l.PlanID, &status, &cycle,
		&periodStart, &periodEnd, &nextBilling, &isTrial, &trialEnds,
		&l.ProviderSubscriptionID, &l.ProviderCustomerID,
		&l.Usage.AICallsUsed, &l.Usage.TokensUsed, &l.Usage.ConversationsCreated, &limitReached,
		&activatedAt, &cancelledAt, &syncedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan license: %w", err)
	}

	l.Status = LicenseStatus(status)
	l.BillingCycle = BillingCycle(cycle)
	l.CurrentPeriodStart = timeFromNull(periodStart)
	l.CurrentPeriodEnd = timeFromNull(periodEnd)
	l.NextBillingDate = timeFromNull(nextBilling)
	l.IsTrial = isTrial != 0
	l.TrialEndsAt = timeFromNull(trialEnds)
	l.UsageLimitReached = limitReached != 0
	l.ActivatedAt = timeFromNull(activatedAt)
	l.CancelledAt = timeFromNull(cancelledAt)
	l.ProviderSyncedAt = timeFromNull(syncedAt)
	l.CreatedAt = time.Unix(createdAt, 0).UTC()
	l.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &l, nil
}

func scanLicenses(rows *sql.Rows) ([]*License, error) {
	var licenses []*License
	for rows.Next() {
		l, err := scanLicense(rows)
		if err != nil {
			return nil, err
		}
		licenses = append(licenses, l)
	}
	return licenses, rows.Err()
}
