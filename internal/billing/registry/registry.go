package registry

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Registry is the Entitlement Store backed by SQLite.
//
// A single connection serializes writers, so every statement below is atomic
// against concurrent webhook deliveries and usage increments.
type Registry struct {
	db  *sql.DB
	now func() time.Time
}

// NewRegistry opens (or creates) the billing database in dir.
func NewRegistry(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}

	dbPath := filepath.Join(dir, "billing.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open billing db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	r := &Registry{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := r.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS plans (
		id                          TEXT PRIMARY KEY,
		name                        TEXT NOT NULL DEFAULT '',
		price_monthly               INTEGER NOT NULL DEFAULT 0,
		price_yearly                INTEGER NOT NULL DEFAULT 0,
		currency                    TEXT NOT NULL DEFAULT 'usd',
		max_agents                  INTEGER NOT NULL DEFAULT 0,
		max_devices                 INTEGER NOT NULL DEFAULT 0,
		max_conversations_per_month INTEGER NOT NULL DEFAULT 0,
		max_ai_calls_per_month      INTEGER NOT NULL DEFAULT 0,
		max_token_usage_per_month   INTEGER NOT NULL DEFAULT 0,
		features                    TEXT NOT NULL DEFAULT '[]',
		provider_price_ids          TEXT NOT NULL DEFAULT '[]',
		requires_organization       INTEGER NOT NULL DEFAULT 0,
		is_active                   INTEGER NOT NULL DEFAULT 1,
		created_at                  INTEGER NOT NULL,
		updated_at                  INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS licenses (
		id                       TEXT PRIMARY KEY,
		user_id                  TEXT NOT NULL,
		plan_id                  TEXT NOT NULL,
		status                   TEXT NOT NULL,
		billing_cycle            TEXT NOT NULL DEFAULT 'monthly',
		current_period_start     INTEGER,
		current_period_end       INTEGER,
		next_billing_date        INTEGER,
		is_trial                 INTEGER NOT NULL DEFAULT 0,
		trial_ends_at            INTEGER,
		provider_subscription_id TEXT NOT NULL DEFAULT '',
		provider_customer_id     TEXT NOT NULL DEFAULT '',
		ai_calls_used            INTEGER NOT NULL DEFAULT 0,
		tokens_used              INTEGER NOT NULL DEFAULT 0,
		conversations_created    INTEGER NOT NULL DEFAULT 0,
		usage_limit_reached      INTEGER NOT NULL DEFAULT 0,
		activated_at             INTEGER,
		cancelled_at             INTEGER,
		provider_synced_at       INTEGER,
		created_at               INTEGER NOT NULL,
		updated_at               INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_licenses_user_status ON licenses(user_id, status);
	CREATE INDEX IF NOT EXISTS idx_licenses_provider_subscription ON licenses(provider_subscription_id);

	CREATE TABLE IF NOT EXISTS customers (
		provider_customer_id TEXT PRIMARY KEY,
		user_id              TEXT NOT NULL,
		email                TEXT NOT NULL DEFAULT '',
		delinquent           INTEGER NOT NULL DEFAULT 0,
		delinquent_since     INTEGER,
		created_at           INTEGER NOT NULL,
		updated_at           INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_customers_user ON customers(user_id);

	CREATE TABLE IF NOT EXISTS teams (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL DEFAULT '',
		max_members INTEGER NOT NULL DEFAULT 0,
		max_agents  INTEGER NOT NULL DEFAULT 0,
		is_active   INTEGER NOT NULL DEFAULT 1,
		created_at  INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS team_members (
		team_id    TEXT NOT NULL REFERENCES teams(id),
		user_id    TEXT NOT NULL,
		status     TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (team_id, user_id)
	);
	CREATE INDEX IF NOT EXISTS idx_team_members_user ON team_members(user_id, status);

	CREATE TABLE IF NOT EXISTS devices (
		id           TEXT PRIMARY KEY,
		user_id      TEXT NOT NULL,
		fingerprint  TEXT NOT NULL DEFAULT '',
		is_active    INTEGER NOT NULL DEFAULT 1,
		activated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_devices_user ON devices(user_id, is_active);

	CREATE TABLE IF NOT EXISTS wallets (
		user_id    TEXT PRIMARY KEY,
		balance    INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS billing_events (
		id                TEXT PRIMARY KEY,
		provider_event_id TEXT NOT NULL UNIQUE,
		event_type        TEXT NOT NULL,
		payload           BLOB NOT NULL,
		is_processed      INTEGER NOT NULL DEFAULT 0,
		processed_at      INTEGER,
		attempts          INTEGER NOT NULL DEFAULT 0,
		last_error        TEXT NOT NULL DEFAULT '',
		claimed_at        INTEGER,
		created_at        INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS invoices (
		id                       TEXT PRIMARY KEY,
		provider_invoice_id      TEXT NOT NULL UNIQUE,
		user_id                  TEXT NOT NULL,
		provider_customer_id     TEXT NOT NULL DEFAULT '',
		provider_subscription_id TEXT NOT NULL DEFAULT '',
		number                   TEXT NOT NULL DEFAULT '',
		status                   TEXT NOT NULL DEFAULT '',
		currency                 TEXT NOT NULL DEFAULT '',
		amount_due               INTEGER NOT NULL DEFAULT 0,
		amount_paid              INTEGER NOT NULL DEFAULT 0,
		total                    INTEGER NOT NULL DEFAULT 0,
		hosted_invoice_url       TEXT NOT NULL DEFAULT '',
		period_start             INTEGER,
		period_end               INTEGER,
		paid_at                  INTEGER,
		created_at               INTEGER NOT NULL,
		updated_at               INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS payment_transactions (
		id                  TEXT PRIMARY KEY,
		user_id             TEXT NOT NULL,
		kind                TEXT NOT NULL,
		provider_payment_id TEXT NOT NULL,
		provider_charge_id  TEXT NOT NULL DEFAULT '',
		provider_invoice_id TEXT NOT NULL DEFAULT '',
		amount              INTEGER NOT NULL DEFAULT 0,
		currency            TEXT NOT NULL DEFAULT '',
		status              TEXT NOT NULL,
		failure_reason      TEXT NOT NULL DEFAULT '',
		refunded_amount     INTEGER NOT NULL DEFAULT 0,
		created_at          INTEGER NOT NULL,
		UNIQUE (provider_payment_id, status)
	);
	CREATE INDEX IF NOT EXISTS idx_payment_transactions_charge ON payment_transactions(provider_charge_id);

	CREATE TABLE IF NOT EXISTS refunds (
		id                 TEXT PRIMARY KEY,
		transaction_id     TEXT NOT NULL REFERENCES payment_transactions(id),
		user_id            TEXT NOT NULL,
		provider_refund_id TEXT NOT NULL UNIQUE,
		provider_charge_id TEXT NOT NULL DEFAULT '',
		amount             INTEGER NOT NULL,
		currency           TEXT NOT NULL DEFAULT '',
		reason             TEXT NOT NULL DEFAULT '',
		status             TEXT NOT NULL DEFAULT '',
		created_at         INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS token_purchases (
		id                  TEXT PRIMARY KEY,
		user_id             TEXT NOT NULL,
		tokens              INTEGER NOT NULL,
		amount              INTEGER NOT NULL DEFAULT 0,
		currency            TEXT NOT NULL DEFAULT '',
		status              TEXT NOT NULL DEFAULT 'pending',
		provider_session_id TEXT NOT NULL DEFAULT '',
		completed_at        INTEGER,
		created_at          INTEGER NOT NULL
	);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("init billing schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (r *Registry) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (r *Registry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timeFromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	ts := time.Unix(v.Int64, 0).UTC()
	return &ts
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
