package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertInvoice inserts or updates an invoice keyed by its provider invoice ID.
// Redelivery of the same invoice updates the row instead of duplicating it.
func (r *Registry) UpsertInvoice(ctx context.Context, inv *Invoice) error {
	if inv == nil || inv.ProviderInvoiceID == "" {
		return fmt.Errorf("provider invoice id is required")
	}
	if inv.ID == "" {
		inv.ID = NewID("inv")
	}
	now := r.now()
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = now
	}
	inv.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO invoices (id, provider_invoice_id, user_id, provider_customer_id, provider_subscription_id,
			number, status, currency, amount_due, amount_paid, total, hosted_invoice_url,
			period_start, period_end, paid_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider_invoice_id) DO UPDATE SET
			user_id = excluded.user_id,
			provider_customer_id = excluded.provider_customer_id,
			provider_subscription_id = excluded.provider_subscription_id,
			number = excluded.number,
			status = excluded.status,
			currency = excluded.currency,
			amount_due = excluded.amount_due,
			amount_paid = excluded.amount_paid,
			total = excluded.total,
			hosted_invoice_url = excluded.hosted_invoice_url,
			period_start = excluded.period_start,
			period_end = excluded.period_end,
			paid_at = COALESCE(excluded.paid_at, invoices.paid_at),
			updated_at = excluded.updated_at`,
		inv.ID, inv.ProviderInvoiceID, inv.UserID, inv.ProviderCustomerID, inv.ProviderSubscriptionID,
		inv.Number, inv.Status, inv.Currency, inv.AmountDue, inv.AmountPaid, inv.Total, inv.HostedInvoiceURL,
		nullableTimeUnix(inv.PeriodStart), nullableTimeUnix(inv.PeriodEnd), nullableTimeUnix(inv.PaidAt),
		inv.CreatedAt.Unix(), inv.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert invoice: %w", err)
	}
	return nil
}

// GetInvoice retrieves an invoice by provider invoice ID.
func (r *Registry) GetInvoice(ctx context.Context, providerInvoiceID string) (*Invoice, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, provider_invoice_id, user_id, provider_customer_id, provider_subscription_id,
		number, status, currency, amount_due, amount_paid, total, hosted_invoice_url,
		period_start, period_end, paid_at, created_at, updated_at
		FROM invoices WHERE provider_invoice_id = ?`, providerInvoiceID)

	var inv Invoice
	var periodStart, periodEnd, paidAt sql.NullInt64
	var createdAt, updatedAt int64
	err := row.Scan(&inv.ID, &inv.ProviderInvoiceID, &inv.UserID, &inv.ProviderCustomerID, &inv.ProviderSubscriptionID,
		&inv.Number, &inv.Status, &inv.Currency, &inv.AmountDue, &inv.AmountPaid, &inv.Total, &inv.HostedInvoiceURL,
		&periodStart, &periodEnd, &paidAt, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan invoice: %w", err)
	}
	inv.PeriodStart = timeFromNull(periodStart)
	inv.PeriodEnd = timeFromNull(periodEnd)
	inv.PaidAt = timeFromNull(paidAt)
	inv.CreatedAt = time.Unix(createdAt, 0).UTC()
	inv.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &inv, nil
}

// CountInvoices counts invoice rows for a user.
func (r *Registry) CountInvoices(ctx context.Context, userID string) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM invoices WHERE user_id = ?`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count invoices: %w", err)
	}
	return n, nil
}

const transactionColumns = `id, user_id, kind, provider_payment_id, provider_charge_id, provider_invoice_id,
		amount, currency, status, failure_reason, refunded_amount, created_at`

// RecordTransaction inserts a payment transaction unless one with the same
// provider payment ID and status exists. A later delivery may fill in a
// charge ID that was missing before. It reports whether a row was inserted.
func (r *Registry) RecordTransaction(ctx context.Context, tx *PaymentTransaction) (bool, error) {
	if tx == nil || tx.ProviderPaymentID == "" {
		return false, fmt.Errorf("provider payment id is required")
	}
	if tx.ID == "" {
		tx.ID = NewID("txn")
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = r.now()
	}

	var id string
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO payment_transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider_payment_id, status) DO UPDATE SET
			provider_charge_id = CASE WHEN payment_transactions.provider_charge_id = ''
				THEN excluded.provider_charge_id ELSE payment_transactions.provider_charge_id END
		RETURNING id`,
		tx.ID, tx.UserID, string(tx.Kind), tx.ProviderPaymentID, tx.ProviderChargeID, tx.ProviderInvoiceID,
		tx.Amount, tx.Currency, string(tx.Status), tx.FailureReason, tx.RefundedAmount, tx.CreatedAt.Unix(),
	).Scan(&id)
	if err != nil {
		return false, fmt.Errorf("record transaction: %w", err)
	}
	inserted := id == tx.ID
	tx.ID = id
	return inserted, nil
}

// GetTransactionByChargeID finds the succeeded transaction for a provider charge.
func (r *Registry) GetTransactionByChargeID(ctx context.Context, chargeID string) (*PaymentTransaction, error) {
	if chargeID == "" {
		return nil, nil
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM payment_transactions
		WHERE provider_charge_id = ? ORDER BY CASE status WHEN ? THEN 0 ELSE 1 END LIMIT 1`,
		chargeID, string(TransactionSucceeded))
	return scanTransaction(row)
}

// GetTransactionByPaymentID finds the succeeded transaction for a provider payment.
func (r *Registry) GetTransactionByPaymentID(ctx context.Context, paymentID string) (*PaymentTransaction, error) {
	if paymentID == "" {
		return nil, nil
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM payment_transactions
		WHERE provider_payment_id = ? AND status = ?`, paymentID, string(TransactionSucceeded))
	return scanTransaction(row)
}

// ListTransactions returns a user's transactions, newest first.
func (r *Registry) ListTransactions(ctx context.Context, userID string) ([]*PaymentTransaction, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+transactionColumns+` FROM payment_transactions
		WHERE user_id = ? ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txs []*PaymentTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// SetRefundedAmount stores the cumulative refunded amount of a transaction.
// The value only grows, so an older event cannot lower it.
func (r *Registry) SetRefundedAmount(ctx context.Context, transactionID string, amount int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE payment_transactions SET refunded_amount = MAX(refunded_amount, ?)
		WHERE id = ?`, amount, transactionID)
	if err != nil {
		return fmt.Errorf("set refunded amount: %w", err)
	}
	return nil
}

func scanTransaction(s scanner) (*PaymentTransaction, error) {
	var tx PaymentTransaction
	var kind, status string
	var createdAt int64
	err := s.Scan(&tx.ID, &tx.UserID, &kind, &tx.ProviderPaymentID, &tx.ProviderChargeID, &tx.ProviderInvoiceID,
		&tx.Amount, &tx.Currency, &status, &tx.FailureReason, &tx.RefundedAmount, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan transaction: %w", err)
	}
	tx.Kind = TransactionKind(kind)
	tx.Status = TransactionStatus(status)
	tx.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &tx, nil
}

// RecordRefund inserts a refund keyed by provider refund ID. It reports
// whether a row was inserted.
func (r *Registry) RecordRefund(ctx context.Context, rf *Refund) (bool, error) {
	if rf == nil || rf.ProviderRefundID == "" {
		return false, fmt.Errorf("provider refund id is required")
	}
	if rf.ID == "" {
		rf.ID = NewID("rfd")
	}
	if rf.CreatedAt.IsZero() {
		rf.CreatedAt = r.now()
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO refunds (id, transaction_id, user_id, provider_refund_id, provider_charge_id,
			amount, currency, reason, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider_refund_id) DO NOTHING`,
		rf.ID, rf.TransactionID, rf.UserID, rf.ProviderRefundID, rf.ProviderChargeID,
		rf.Amount, rf.Currency, rf.Reason, rf.Status, rf.CreatedAt.Unix())
	if err != nil {
		return false, fmt.Errorf("record refund: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected == 1, nil
}

// ListRefunds returns the refunds recorded against a transaction.
func (r *Registry) ListRefunds(ctx context.Context, transactionID string) ([]*Refund, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, transaction_id, user_id, provider_refund_id, provider_charge_id,
		amount, currency, reason, status, created_at
		FROM refunds WHERE transaction_id = ? ORDER BY created_at, id`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("list refunds: %w", err)
	}
	defer rows.Close()

	var refunds []*Refund
	for rows.Next() {
		var rf Refund
		var createdAt int64
		if err := rows.Scan(&rf.ID, &rf.TransactionID, &rf.UserID, &rf.ProviderRefundID, &rf.ProviderChargeID,
			&rf.Amount, &rf.Currency, &rf.Reason, &rf.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("scan refund: %w", err)
		}
		rf.CreatedAt = time.Unix(createdAt, 0).UTC()
		refunds = append(refunds, &rf)
	}
	return refunds, rows.Err()
}

// CreateTokenPurchase inserts a pending token purchase.
func (r *Registry) CreateTokenPurchase(ctx context.Context, p *TokenPurchase) error {
	if p == nil || p.UserID == "" || p.Tokens <= 0 {
		return fmt.Errorf("token purchase needs a user and a positive token amount")
	}
	if p.ID == "" {
		p.ID = NewID("tp")
	}
	if p.Status == "" {
		p.Status = TokenPurchasePending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = r.now()
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO token_purchases
		(id, user_id, tokens, amount, currency, status, provider_session_id, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.Tokens, p.Amount, p.Currency, string(p.Status), p.ProviderSessionID,
		nullableTimeUnix(p.CompletedAt), p.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("create token purchase: %w", err)
	}
	return nil
}

// GetTokenPurchase retrieves a token purchase by ID.
func (r *Registry) GetTokenPurchase(ctx context.Context, id string) (*TokenPurchase, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, user_id, tokens, amount, currency, status, provider_session_id,
		completed_at, created_at FROM token_purchases WHERE id = ?`, id)

	var p TokenPurchase
	var status string
	var completedAt sql.NullInt64
	var createdAt int64
	if err := row.Scan(&p.ID, &p.UserID, &p.Tokens, &p.Amount, &p.Currency, &status, &p.ProviderSessionID,
		&completedAt, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan token purchase: %w", err)
	}
	p.Status = TokenPurchaseStatus(status)
	p.CompletedAt = timeFromNull(completedAt)
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &p, nil
}

// CompleteTokenPurchase moves a pending purchase to completed, credits the
// user's wallet and records the succeeded transaction, all in one database
// transaction. It reports false without side effects when the purchase was
// not pending.
func (r *Registry) CompleteTokenPurchase(ctx context.Context, purchaseID, sessionID string, payment *PaymentTransaction) (bool, error) {
	if payment == nil || payment.ProviderPaymentID == "" {
		return false, fmt.Errorf("payment with provider payment id is required")
	}
	dbtx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin token purchase completion: %w", err)
	}
	defer func() { _ = dbtx.Rollback() }()

	now := r.now()
	var userID string
	var tokens int64
	err = dbtx.QueryRowContext(ctx, `UPDATE token_purchases
		SET status = ?, completed_at = ?, provider_session_id = CASE WHEN ? = '' THEN provider_session_id ELSE ? END
		WHERE id = ? AND status = ?
		RETURNING user_id, tokens`,
		string(TokenPurchaseCompleted), now.Unix(), sessionID, sessionID,
		purchaseID, string(TokenPurchasePending)).Scan(&userID, &tokens)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("complete token purchase: %w", err)
	}

	if _, err := dbtx.ExecContext(ctx, `INSERT INTO wallets (user_id, balance, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET balance = wallets.balance + excluded.balance, updated_at = excluded.updated_at`,
		userID, tokens, now.Unix()); err != nil {
		return false, fmt.Errorf("credit wallet: %w", err)
	}

	if payment.ID == "" {
		payment.ID = NewID("txn")
	}
	payment.UserID = userID
	payment.Kind = TransactionKindTokenPurchase
	payment.Status = TransactionSucceeded
	payment.CreatedAt = now
	if _, err := dbtx.ExecContext(ctx, `INSERT INTO payment_transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider_payment_id, status) DO NOTHING`,
		payment.ID, payment.UserID, string(payment.Kind), payment.ProviderPaymentID, payment.ProviderChargeID,
		"", payment.Amount, payment.Currency, string(payment.Status), "", int64(0), now.Unix()); err != nil {
		return false, fmt.Errorf("record token purchase transaction: %w", err)
	}

	if err := dbtx.Commit(); err != nil {
		return false, fmt.Errorf("commit token purchase completion: %w", err)
	}
	return true, nil
}

// GetWallet returns the user's wallet, or nil if it was never credited.
func (r *Registry) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	var w Wallet
	var updatedAt int64
	err := r.db.QueryRowContext(ctx, `SELECT user_id, balance, updated_at FROM wallets WHERE user_id = ?`, userID).
		Scan(&w.UserID, &w.Balance, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan wallet: %w", err)
	}
	w.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &w, nil
}
