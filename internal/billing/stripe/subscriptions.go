package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"

	"github.com/rcourtman/pulse-billing/internal/billing/bmetrics"
	"github.com/rcourtman/pulse-billing/internal/billing/notify"
	"github.com/rcourtman/pulse-billing/internal/billing/registry"
	internalerrors "github.com/rcourtman/pulse-billing/internal/errors"
)

func decodeSubscription(event *stripelib.Event) (*Subscription, error) {
	var sub Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, internalerrors.Rejection("stripe.decode", fmt.Errorf("decode subscription: %w", err))
	}
	if strings.TrimSpace(sub.ID) == "" {
		return nil, internalerrors.Rejection("stripe.decode", fmt.Errorf("%w: subscription id missing", internalerrors.ErrInvalidInput))
	}
	return &sub, nil
}

// handleSubscriptionChanged upserts the license bound to a created or updated
// subscription.
func (r *Reconciler) handleSubscriptionChanged(ctx context.Context, event *stripelib.Event) (Outcome, error) {
	const op = "stripe.subscription_changed"
	sub, err := decodeSubscription(event)
	if err != nil {
		return OutcomeFailed, err
	}
	customerID := sub.Customer.String()

	userID, err := r.resolveUser(ctx, sub.Metadata["user_id"], customerID)
	if err != nil {
		return OutcomeFailed, err
	}
	if userID == "" {
		log.Warn().
			Str("event_id", event.ID).
			Str("subscription_id", sub.ID).
			Str("customer_id", customerID).
			Msg("Stripe subscription has no known user, skipping")
		return OutcomeNoop, nil
	}
	if err := r.rememberCustomer(ctx, customerID, userID, ""); err != nil {
		return OutcomeFailed, err
	}

	status, known := MapSubscriptionStatus(sub.Status)
	if !known {
		bmetrics.WebhookOutcomes.WithLabelValues(string(event.Type), "unmapped_status").Inc()
		log.Warn().
			Str("event_id", event.ID).
			Str("subscription_id", sub.ID).
			Str("stripe_status", sub.Status).
			Msg("Unknown Stripe subscription status, treating as active")
	}

	plan, err := r.resolvePlan(ctx, sub)
	if err != nil {
		return OutcomeFailed, err
	}
	if plan == nil {
		return OutcomeFailed, internalerrors.NotFound(op, fmt.Errorf("no plan matches subscription %s (price %q): %w",
			sub.ID, sub.FirstPriceID(), internalerrors.ErrNotFound))
	}

	lic, err := r.store.GetLicenseBySubscriptionID(ctx, sub.ID)
	if err != nil {
		return OutcomeFailed, internalerrors.Transient(op, err)
	}

	syncedAt := eventTime(event)
	if lic != nil && lic.Status.Ended() && !status.Ended() {
		// An ended license is never reactivated. Events from before the
		// cancellation are stale; anything newer applies to the user's
		// current license instead.
		if lic.CancelledAt == nil || syncedAt.IsZero() || !syncedAt.After(*lic.CancelledAt) {
			log.Info().
				Str("event_id", event.ID).
				Str("license_id", lic.ID).
				Str("license_status", string(lic.Status)).
				Time("event_created", syncedAt).
				Msg("Stripe subscription event predates license cancellation, skipping")
			return OutcomeStale, nil
		}
		lic = nil
	}
	if lic == nil {
		if lic, err = r.store.GetCurrentLicense(ctx, userID); err != nil {
			return OutcomeFailed, internalerrors.Transient(op, err)
		}
	}

	if lic != nil && lic.ProviderSyncedAt != nil && !syncedAt.IsZero() && syncedAt.Before(*lic.ProviderSyncedAt) {
		log.Info().
			Str("event_id", event.ID).
			Str("license_id", lic.ID).
			Time("event_created", syncedAt).
			Time("synced_at", *lic.ProviderSyncedAt).
			Msg("Stripe subscription event older than last sync, skipping")
		return OutcomeStale, nil
	}
	if syncedAt.IsZero() {
		syncedAt = r.now().UTC()
	}

	now := r.now().UTC()
	start, end := sub.Period()
	var trialEnd *time.Time
	if sub.TrialEnd > 0 {
		trialEnd = unixPtr(sub.TrialEnd)
	}
	var nextBilling *time.Time
	if status == registry.LicenseStatusActive && !sub.CancelAtPeriodEnd {
		nextBilling = end
	}

	if lic == nil {
		lic = &registry.License{UserID: userID}
	} else if start != nil && end != nil && lic.CurrentPeriodStart != nil && start.After(*lic.CurrentPeriodStart) {
		// A renewed provider period resets usage before the period fields are overwritten.
		rolled, err := r.store.RolloverLicense(ctx, lic.ID, *start, *end)
		if err != nil {
			return OutcomeFailed, internalerrors.Transient(op, err)
		}
		if rolled {
			bmetrics.RolloversTotal.WithLabelValues("provider").Inc()
			log.Info().Str("license_id", lic.ID).Time("period_start", *start).Msg("License period rolled over by provider renewal")
		}
	}

	lic.UserID = userID
	lic.PlanID = plan.ID
	lic.Status = status
	lic.BillingCycle = sub.BillingCycle()
	lic.CurrentPeriodStart = start
	lic.CurrentPeriodEnd = end
	lic.NextBillingDate = nextBilling
	lic.IsTrial = strings.EqualFold(strings.TrimSpace(sub.Status), "trialing")
	lic.TrialEndsAt = trialEnd
	lic.ProviderSubscriptionID = sub.ID
	lic.ProviderCustomerID = customerID
	lic.ProviderSyncedAt = &syncedAt
	if status == registry.LicenseStatusActive && lic.ActivatedAt == nil {
		lic.ActivatedAt = &now
	}
	if status == registry.LicenseStatusCancelled && lic.CancelledAt == nil {
		cancelledAt := now
		if sub.CanceledAt > 0 {
			cancelledAt = time.Unix(sub.CanceledAt, 0).UTC()
		}
		lic.CancelledAt = &cancelledAt
	}

	if lic.ID == "" {
		if err := r.store.CreateLicense(ctx, lic); err != nil {
			return OutcomeFailed, internalerrors.Transient(op, err)
		}
		log.Info().
			Str("license_id", lic.ID).
			Str("user_id", userID).
			Str("plan_id", plan.ID).
			Str("status", string(status)).
			Msg("License created from Stripe subscription")
		return OutcomeProcessed, nil
	}
	if err := r.store.UpdateLicense(ctx, lic); err != nil {
		return OutcomeFailed, internalerrors.Transient(op, err)
	}
	log.Info().
		Str("license_id", lic.ID).
		Str("user_id", userID).
		Str("plan_id", plan.ID).
		Str("status", string(status)).
		Msg("License updated from Stripe subscription")
	return OutcomeProcessed, nil
}

// resolvePlan finds the catalog plan for a subscription: explicit metadata
// first, then the price's own metadata, its ID, and its lookup key.
func (r *Reconciler) resolvePlan(ctx context.Context, sub *Subscription) (*registry.Plan, error) {
	var candidates []string
	if id := strings.TrimSpace(sub.Metadata["plan_id"]); id != "" {
		candidates = append(candidates, id)
	}
	price := sub.firstPrice()
	if price != nil {
		if id := strings.TrimSpace(price.Metadata["plan_id"]); id != "" {
			candidates = append(candidates, id)
		}
	}
	for _, id := range candidates {
		plan, err := r.plans.Get(ctx, id)
		if err != nil {
			return nil, internalerrors.Transient("stripe.resolve_plan", err)
		}
		if plan != nil {
			return plan, nil
		}
	}
	if price == nil {
		return nil, nil
	}
	plan, err := r.plans.ByPriceID(ctx, strings.TrimSpace(price.ID))
	if err != nil {
		return nil, internalerrors.Transient("stripe.resolve_plan", err)
	}
	if plan != nil {
		return plan, nil
	}
	if key := strings.TrimSpace(price.LookupKey); key != "" {
		plan, err = r.plans.Get(ctx, key)
		if err != nil {
			return nil, internalerrors.Transient("stripe.resolve_plan", err)
		}
	}
	return plan, nil
}

// handleSubscriptionDeleted cancels the subscription's license and falls the
// user back to the free plan.
func (r *Reconciler) handleSubscriptionDeleted(ctx context.Context, event *stripelib.Event) (Outcome, error) {
	const op = "stripe.subscription_deleted"
	sub, err := decodeSubscription(event)
	if err != nil {
		return OutcomeFailed, err
	}
	now := r.now().UTC()
	cancelledAt := now
	if sub.CanceledAt > 0 {
		cancelledAt = time.Unix(sub.CanceledAt, 0).UTC()
	}

	syncedAt := eventTime(event)
	if syncedAt.IsZero() {
		syncedAt = now
	}

	userID := ""
	lic, err := r.store.CancelLicenseBySubscriptionID(ctx, sub.ID, cancelledAt, syncedAt)
	if err != nil {
		return OutcomeFailed, internalerrors.Transient(op, err)
	}
	if lic != nil {
		userID = lic.UserID
		log.Info().
			Str("license_id", lic.ID).
			Str("user_id", userID).
			Str("subscription_id", sub.ID).
			Msg("License cancelled after Stripe subscription deletion")
	} else {
		if userID, err = r.resolveUser(ctx, sub.Metadata["user_id"], sub.Customer.String()); err != nil {
			return OutcomeFailed, err
		}
		if userID == "" {
			log.Warn().
				Str("event_id", event.ID).
				Str("subscription_id", sub.ID).
				Msg("Stripe subscription deleted for unknown license, skipping")
			return OutcomeNoop, nil
		}
	}

	free, created, err := r.store.EnsureFreeLicense(ctx, userID, now)
	if err != nil {
		return OutcomeFailed, internalerrors.Transient(op, err)
	}
	if created {
		log.Info().Str("license_id", free.ID).Str("user_id", userID).Msg("Free license assigned after cancellation")
	}
	return OutcomeProcessed, nil
}

// handleTrialWillEnd records the trial end and asks the notifier to warn the user.
func (r *Reconciler) handleTrialWillEnd(ctx context.Context, event *stripelib.Event) (Outcome, error) {
	const op = "stripe.trial_will_end"
	sub, err := decodeSubscription(event)
	if err != nil {
		return OutcomeFailed, err
	}
	customerID := sub.Customer.String()
	userID, err := r.resolveUser(ctx, sub.Metadata["user_id"], customerID)
	if err != nil {
		return OutcomeFailed, err
	}
	if userID == "" {
		log.Warn().Str("event_id", event.ID).Str("subscription_id", sub.ID).Msg("Trial ending for unknown user, skipping")
		return OutcomeNoop, nil
	}

	lic, err := r.store.GetLicenseBySubscriptionID(ctx, sub.ID)
	if err != nil {
		return OutcomeFailed, internalerrors.Transient(op, err)
	}
	if lic == nil {
		if lic, err = r.store.GetCurrentLicense(ctx, userID); err != nil {
			return OutcomeFailed, internalerrors.Transient(op, err)
		}
	}
	if lic == nil {
		log.Warn().Str("event_id", event.ID).Str("user_id", userID).Msg("Trial ending without a license, skipping")
		return OutcomeNoop, nil
	}
	if lic.Status.Ended() {
		log.Info().
			Str("event_id", event.ID).
			Str("license_id", lic.ID).
			Str("license_status", string(lic.Status)).
			Msg("Trial ending for an ended license, skipping")
		return OutcomeNoop, nil
	}

	trialEnd := unixPtr(sub.TrialEnd)
	if trialEnd == nil {
		return OutcomeNoop, nil
	}
	if err := r.store.SetTrialEnd(ctx, lic.ID, trialEnd); err != nil {
		return OutcomeFailed, internalerrors.Transient(op, err)
	}

	if r.notifier != nil {
		notice := notify.TrialNotice{UserID: userID, TrialEndsAt: *trialEnd, PlanName: lic.PlanID}
		if plan, err := r.plans.Get(ctx, lic.PlanID); err == nil && plan != nil {
			notice.PlanName = plan.Name
		}
		if customerID != "" {
			if c, err := r.store.GetCustomer(ctx, customerID); err == nil && c != nil {
				notice.Email = c.Email
			}
		}
		r.notifier.TrialEnding(notice)
	}
	return OutcomeProcessed, nil
}
