package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"

	"github.com/rcourtman/pulse-billing/internal/billing/registry"
	internalerrors "github.com/rcourtman/pulse-billing/internal/errors"
)

func decodeObject(event *stripelib.Event, kind string, v any) error {
	if err := json.Unmarshal(event.Data.Raw, v); err != nil {
		return internalerrors.Rejection("stripe.decode", fmt.Errorf("decode %s: %w", kind, err))
	}
	return nil
}

// handleCheckoutCompleted completes a pending token purchase. Subscription
// checkouts only record the customer; the license follows from the
// subscription events.
func (r *Reconciler) handleCheckoutCompleted(ctx context.Context, event *stripelib.Event) (Outcome, error) {
	const op = "stripe.checkout_completed"
	var session CheckoutSession
	if err := decodeObject(event, "checkout.session", &session); err != nil {
		return OutcomeFailed, err
	}

	customerID := session.Customer.String()
	userID := strings.TrimSpace(session.Metadata["user_id"])
	if userID == "" {
		userID = strings.TrimSpace(session.ClientReferenceID)
	}
	if err := r.rememberCustomer(ctx, customerID, userID, session.Email()); err != nil {
		return OutcomeFailed, err
	}

	purchaseID := strings.TrimSpace(session.Metadata["purchase_id"])
	if purchaseID == "" {
		log.Info().
			Str("event_id", event.ID).
			Str("session_id", session.ID).
			Str("mode", session.Mode).
			Msg("Checkout completed without a token purchase")
		return OutcomeNoop, nil
	}
	if ps := session.PaymentStatus; ps != "" && ps != "paid" && ps != "no_payment_required" {
		log.Info().
			Str("purchase_id", purchaseID).
			Str("payment_status", ps).
			Msg("Checkout completed but payment not settled, waiting")
		return OutcomeNoop, nil
	}

	purchase, err := r.store.GetTokenPurchase(ctx, purchaseID)
	if err != nil {
		return OutcomeFailed, internalerrors.Transient(op, err)
	}
	if purchase == nil {
		log.Warn().Str("event_id", event.ID).Str("purchase_id", purchaseID).Msg("Checkout references unknown token purchase")
		return OutcomeNoop, nil
	}

	paymentID := session.PaymentIntent.String()
	if paymentID == "" {
		paymentID = "checkout:" + session.ID
	}
	amount, currency := session.AmountTotal, session.Currency
	if amount == 0 {
		amount, currency = purchase.Amount, purchase.Currency
	}
	completed, err := r.store.CompleteTokenPurchase(ctx, purchaseID, session.ID, &registry.PaymentTransaction{
		ProviderPaymentID: paymentID,
		Amount:            amount,
		Currency:          strings.ToLower(currency),
	})
	if err != nil {
		return OutcomeFailed, internalerrors.Transient(op, err)
	}
	if !completed {
		log.Info().Str("purchase_id", purchaseID).Msg("Token purchase already completed")
		return OutcomeNoop, nil
	}
	log.Info().
		Str("purchase_id", purchaseID).
		Str("user_id", purchase.UserID).
		Int64("tokens", purchase.Tokens).
		Msg("Token purchase completed")
	return OutcomeProcessed, nil
}

func (r *Reconciler) invoiceUser(ctx context.Context, inv *Invoice) (string, error) {
	return r.resolveUser(ctx, inv.UserID(), inv.Customer.String())
}

func toRegistryInvoice(inv *Invoice, userID string) *registry.Invoice {
	out := &registry.Invoice{
		ProviderInvoiceID:      inv.ID,
		UserID:                 userID,
		ProviderCustomerID:     inv.Customer.String(),
		ProviderSubscriptionID: inv.SubscriptionID(),
		Number:                 inv.Number,
		Status:                 inv.Status,
		Currency:               strings.ToLower(inv.Currency),
		AmountDue:              inv.AmountDue,
		AmountPaid:             inv.AmountPaid,
		Total:                  inv.Total,
		HostedInvoiceURL:       inv.HostedInvoiceURL,
		PeriodStart:            unixPtr(inv.PeriodStart),
		PeriodEnd:              unixPtr(inv.PeriodEnd),
		PaidAt:                 unixPtr(inv.StatusTransitions.PaidAt),
	}
	if inv.Created > 0 {
		out.CreatedAt = time.Unix(inv.Created, 0).UTC()
	}
	return out
}

// handleInvoicePaid stores the invoice, records the payment and clears the
// customer's delinquency.
func (r *Reconciler) handleInvoicePaid(ctx context.Context, event *stripelib.Event) (Outcome, error) {
	const op = "stripe.invoice_paid"
	var inv Invoice
	if err := decodeObject(event, "invoice", &inv); err != nil {
		return OutcomeFailed, err
	}
	userID, err := r.invoiceUser(ctx, &inv)
	if err != nil {
		return OutcomeFailed, err
	}
	if userID == "" {
		log.Warn().Str("event_id", event.ID).Str("invoice_id", inv.ID).Msg("Paid invoice for unknown customer, skipping")
		return OutcomeNoop, nil
	}
	if inv.Status == "" {
		inv.Status = "paid"
	}

	if err := r.store.UpsertInvoice(ctx, toRegistryInvoice(&inv, userID)); err != nil {
		return OutcomeFailed, internalerrors.Transient(op, err)
	}
	inserted, err := r.store.RecordTransaction(ctx, &registry.PaymentTransaction{
		UserID:            userID,
		Kind:              registry.TransactionKindSubscription,
		ProviderPaymentID: inv.PaymentKey(),
		ProviderChargeID:  inv.Charge.String(),
		ProviderInvoiceID: inv.ID,
		Amount:            inv.AmountPaid,
		Currency:          strings.ToLower(inv.Currency),
		Status:            registry.TransactionSucceeded,
	})
	if err != nil {
		return OutcomeFailed, internalerrors.Transient(op, err)
	}
	if customerID := inv.Customer.String(); customerID != "" {
		if err := r.store.SetDelinquent(ctx, customerID, false, r.now()); err != nil {
			return OutcomeFailed, internalerrors.Transient(op, err)
		}
	}
	log.Info().
		Str("invoice_id", inv.ID).
		Str("user_id", userID).
		Int64("amount_paid", inv.AmountPaid).
		Bool("new_transaction", inserted).
		Msg("Invoice paid")
	return OutcomeProcessed, nil
}

// handleInvoicePaymentFailed marks the customer delinquent, flags the license
// and records the failed payment.
func (r *Reconciler) handleInvoicePaymentFailed(ctx context.Context, event *stripelib.Event) (Outcome, error) {
	const op = "stripe.invoice_payment_failed"
	var inv Invoice
	if err := decodeObject(event, "invoice", &inv); err != nil {
		return OutcomeFailed, err
	}
	userID, err := r.invoiceUser(ctx, &inv)
	if err != nil {
		return OutcomeFailed, err
	}
	if userID == "" {
		log.Warn().Str("event_id", event.ID).Str("invoice_id", inv.ID).Msg("Failed invoice for unknown customer, skipping")
		return OutcomeNoop, nil
	}
	now := r.now()

	if customerID := inv.Customer.String(); customerID != "" {
		if err := r.store.SetDelinquent(ctx, customerID, true, now); err != nil {
			return OutcomeFailed, internalerrors.Transient(op, err)
		}
	}

	lic, err := r.store.GetLicenseBySubscriptionID(ctx, inv.SubscriptionID())
	if err != nil {
		return OutcomeFailed, internalerrors.Transient(op, err)
	}
	if lic == nil {
		if lic, err = r.store.GetCurrentLicense(ctx, userID); err != nil {
			return OutcomeFailed, internalerrors.Transient(op, err)
		}
	}
	syncedAt := eventTime(event)
	if syncedAt.IsZero() {
		syncedAt = now.UTC()
	}
	switch {
	case lic == nil || lic.Status != registry.LicenseStatusActive:
	case lic.ProviderSyncedAt != nil && syncedAt.Before(*lic.ProviderSyncedAt):
		log.Info().
			Str("event_id", event.ID).
			Str("license_id", lic.ID).
			Time("event_created", syncedAt).
			Time("synced_at", *lic.ProviderSyncedAt).
			Msg("Failed invoice older than last license sync, leaving status")
	default:
		lic.Status = registry.LicenseStatusPaymentFailed
		lic.NextBillingDate = unixPtr(inv.NextPaymentAttempt)
		lic.ProviderSyncedAt = &syncedAt
		if err := r.store.UpdateLicense(ctx, lic); err != nil {
			return OutcomeFailed, internalerrors.Transient(op, err)
		}
	}

	if err := r.store.UpsertInvoice(ctx, toRegistryInvoice(&inv, userID)); err != nil {
		return OutcomeFailed, internalerrors.Transient(op, err)
	}
	reason := failureReason(&inv)
	if _, err := r.store.RecordTransaction(ctx, &registry.PaymentTransaction{
		UserID:            userID,
		Kind:              registry.TransactionKindSubscription,
		ProviderPaymentID: inv.PaymentKey(),
		ProviderChargeID:  inv.Charge.String(),
		ProviderInvoiceID: inv.ID,
		Amount:            inv.AmountDue,
		Currency:          strings.ToLower(inv.Currency),
		Status:            registry.TransactionFailed,
		FailureReason:     reason,
	}); err != nil {
		return OutcomeFailed, internalerrors.Transient(op, err)
	}
	log.Warn().
		Str("invoice_id", inv.ID).
		Str("user_id", userID).
		Str("reason", reason).
		Msg("Invoice payment failed")
	return OutcomeProcessed, nil
}

func failureReason(inv *Invoice) string {
	if inv.LastFinalizationError != nil && strings.TrimSpace(inv.LastFinalizationError.Message) != "" {
		return strings.TrimSpace(inv.LastFinalizationError.Message)
	}
	ref := inv.Number
	if ref == "" {
		ref = inv.ID
	}
	reason := fmt.Sprintf("Payment failed for invoice %s", ref)
	if inv.AttemptCount > 0 {
		reason += fmt.Sprintf(" (attempt %d)", inv.AttemptCount)
	}
	if next := unixPtr(inv.NextPaymentAttempt); next != nil {
		reason += ", next retry " + next.Format("Jan 2, 2006")
	}
	return reason
}

// handleChargeRefunded records the refunds on a charge against the original
// transaction. A charge with no matching transaction is acknowledged without
// changes.
func (r *Reconciler) handleChargeRefunded(ctx context.Context, event *stripelib.Event) (Outcome, error) {
	const op = "stripe.charge_refunded"
	var ch Charge
	if err := decodeObject(event, "charge", &ch); err != nil {
		return OutcomeFailed, err
	}

	tx, err := r.store.GetTransactionByChargeID(ctx, ch.ID)
	if err != nil {
		return OutcomeFailed, internalerrors.Transient(op, err)
	}
	if tx == nil {
		if pi := ch.PaymentIntent.String(); pi != "" {
			if tx, err = r.store.GetTransactionByPaymentID(ctx, pi); err != nil {
				return OutcomeFailed, internalerrors.Transient(op, err)
			}
		}
	}
	if tx == nil {
		log.Warn().
			Str("event_id", event.ID).
			Str("charge_id", ch.ID).
			Msg("Refund for unknown charge, skipping")
		return OutcomeNoop, nil
	}

	var refunds []*registry.Refund
	if ch.Refunds != nil && len(ch.Refunds.Data) > 0 {
		for _, rf := range ch.Refunds.Data {
			refund := &registry.Refund{
				TransactionID:    tx.ID,
				UserID:           tx.UserID,
				ProviderRefundID: rf.ID,
				ProviderChargeID: ch.ID,
				Amount:           rf.Amount,
				Currency:         strings.ToLower(firstNonEmpty(rf.Currency, ch.Currency)),
				Reason:           rf.Reason,
				Status:           rf.Status,
			}
			if rf.Created > 0 {
				refund.CreatedAt = time.Unix(rf.Created, 0).UTC()
			}
			refunds = append(refunds, refund)
		}
	} else if delta := ch.AmountRefunded - tx.RefundedAmount; delta > 0 {
		// Refund objects are not embedded; key the refund on the cumulative
		// amount so redelivery collapses and a later partial refund does not.
		refunds = append(refunds, &registry.Refund{
			TransactionID:    tx.ID,
			UserID:           tx.UserID,
			ProviderRefundID: fmt.Sprintf("%s:%d", ch.ID, ch.AmountRefunded),
			ProviderChargeID: ch.ID,
			Amount:           delta,
			Currency:         strings.ToLower(ch.Currency),
			Status:           "succeeded",
		})
	}

	recorded := 0
	for _, rf := range refunds {
		inserted, err := r.store.RecordRefund(ctx, rf)
		if err != nil {
			return OutcomeFailed, internalerrors.Transient(op, err)
		}
		if inserted {
			recorded++
		}
	}
	if err := r.store.SetRefundedAmount(ctx, tx.ID, ch.AmountRefunded); err != nil {
		return OutcomeFailed, internalerrors.Transient(op, err)
	}
	log.Info().
		Str("charge_id", ch.ID).
		Str("transaction_id", tx.ID).
		Int64("amount_refunded", ch.AmountRefunded).
		Int("refunds_recorded", recorded).
		Msg("Charge refund recorded")
	return OutcomeProcessed, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
