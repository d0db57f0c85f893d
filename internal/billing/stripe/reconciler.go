package stripe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/rcourtman/pulse-billing/internal/billing/bmetrics"
	"github.com/rcourtman/pulse-billing/internal/billing/notify"
	"github.com/rcourtman/pulse-billing/internal/billing/registry"
	internalerrors "github.com/rcourtman/pulse-billing/internal/errors"
	"github.com/rcourtman/pulse-billing/internal/logging"
)

// Store is the subset of the Entitlement Store the reconciler reads and writes.
type Store interface {
	ClaimEvent(ctx context.Context, providerEventID, eventType string, payload []byte, lease time.Duration) (registry.ClaimResult, error)
	MarkEventProcessed(ctx context.Context, providerEventID string) error
	ReleaseEvent(ctx context.Context, providerEventID, lastError string) error

	GetCustomer(ctx context.Context, providerCustomerID string) (*registry.Customer, error)
	UpsertCustomer(ctx context.Context, c *registry.Customer) error
	SetDelinquent(ctx context.Context, providerCustomerID string, delinquent bool, at time.Time) error

	CreateLicense(ctx context.Context, l *registry.License) error
	UpdateLicense(ctx context.Context, l *registry.License) error
	GetCurrentLicense(ctx context.Context, userID string) (*registry.License, error)
	GetLicenseBySubscriptionID(ctx context.Context, subscriptionID string) (*registry.License, error)
	CancelLicenseBySubscriptionID(ctx context.Context, subscriptionID string, at, syncedAt time.Time) (*registry.License, error)
	EnsureFreeLicense(ctx context.Context, userID string, at time.Time) (*registry.License, bool, error)
	RolloverLicense(ctx context.Context, licenseID string, start, end time.Time) (bool, error)
	SetTrialEnd(ctx context.Context, licenseID string, trialEndsAt *time.Time) error

	UpsertInvoice(ctx context.Context, inv *registry.Invoice) error
	RecordTransaction(ctx context.Context, tx *registry.PaymentTransaction) (bool, error)
	GetTransactionByChargeID(ctx context.Context, chargeID string) (*registry.PaymentTransaction, error)
	GetTransactionByPaymentID(ctx context.Context, paymentID string) (*registry.PaymentTransaction, error)
	SetRefundedAmount(ctx context.Context, transactionID string, amount int64) error
	RecordRefund(ctx context.Context, rf *registry.Refund) (bool, error)

	GetTokenPurchase(ctx context.Context, id string) (*registry.TokenPurchase, error)
	CompleteTokenPurchase(ctx context.Context, purchaseID, sessionID string, payment *registry.PaymentTransaction) (bool, error)
}

// Plans resolves catalog plans.
type Plans interface {
	Get(ctx context.Context, id string) (*registry.Plan, error)
	ByPriceID(ctx context.Context, priceID string) (*registry.Plan, error)
}

// Outcome describes what happened to a delivered event.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeInFlight  Outcome = "in_flight"
	OutcomeNoop      Outcome = "noop"
	OutcomeStale     Outcome = "stale"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeFailed    Outcome = "failed"
	OutcomeRejected  Outcome = "rejected"
)

// Result is the reconciler's answer to one delivery.
type Result struct {
	EventID   string
	EventType string
	Outcome   Outcome
}

type eventHandler func(ctx context.Context, event *stripelib.Event) (Outcome, error)

// Reconciler verifies provider events and applies them to the store exactly once.
type Reconciler struct {
	store    Store
	plans    Plans
	notifier notify.Notifier
	secret   string
	lease    time.Duration
	now      func() time.Time
	handlers map[stripelib.EventType]eventHandler
}

// NewReconciler creates a Reconciler. A nil notifier disables trial notices.
func NewReconciler(store Store, plans Plans, notifier notify.Notifier, secret string) *Reconciler {
	r := &Reconciler{
		store:    store,
		plans:    plans,
		notifier: notifier,
		secret:   strings.TrimSpace(secret),
		lease:    registry.DefaultClaimLease,
		now:      time.Now,
	}
	r.handlers = map[stripelib.EventType]eventHandler{
		"checkout.session.completed":           r.handleCheckoutCompleted,
		"customer.subscription.created":        r.handleSubscriptionChanged,
		"customer.subscription.updated":        r.handleSubscriptionChanged,
		"customer.subscription.deleted":        r.handleSubscriptionDeleted,
		"customer.subscription.trial_will_end": r.handleTrialWillEnd,
		"invoice.paid":                         r.handleInvoicePaid,
		"invoice.payment_succeeded":            r.handleInvoicePaid,
		"invoice.payment_failed":               r.handleInvoicePaymentFailed,
		"charge.refunded":                      r.handleChargeRefunded,
	}
	return r
}

// Ingest verifies payload against the Stripe-Signature header, claims the
// event and runs its handler. The returned error carries the category that
// decides the HTTP status; a nil error means the provider should stop
// retrying.
func (r *Reconciler) Ingest(ctx context.Context, payload []byte, sigHeader string) (Result, error) {
	const op = "stripe.ingest"
	res := Result{EventType: "unknown", Outcome: OutcomeRejected}

	if r.secret == "" {
		return res, internalerrors.Configuration(op, internalerrors.ErrSecretNotConfigured)
	}
	if strings.TrimSpace(sigHeader) == "" {
		return res, internalerrors.Rejection(op, internalerrors.ErrMissingSignature)
	}
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, r.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return res, internalerrors.Rejection(op, fmt.Errorf("%w: %v", internalerrors.ErrInvalidSignature, err))
	}
	res.EventID = event.ID
	res.EventType = string(event.Type)
	if event.ID == "" || event.Type == "" {
		return res, internalerrors.Rejection(op, fmt.Errorf("%w: event id and type are required", internalerrors.ErrInvalidInput))
	}

	claim, err := r.store.ClaimEvent(ctx, event.ID, string(event.Type), payload, r.lease)
	if err != nil {
		res.Outcome = OutcomeFailed
		return res, internalerrors.Transient(op, err)
	}
	switch claim {
	case registry.ClaimDuplicate:
		res.Outcome = OutcomeDuplicate
		r.record(res)
		log.Info().Str("event_id", event.ID).Str("type", res.EventType).Msg("Stripe webhook duplicate acknowledged")
		return res, nil
	case registry.ClaimInFlight:
		res.Outcome = OutcomeInFlight
		r.record(res)
		return res, internalerrors.InFlight(op, fmt.Errorf("event %s: %w", event.ID, internalerrors.ErrEventInFlight))
	}

	if logging.IsLevelEnabled(zerolog.DebugLevel) {
		log.Debug().
			Str("event_id", event.ID).
			Str("type", res.EventType).
			Str("api_version", event.APIVersion).
			Bool("livemode", event.Livemode).
			Time("event_created", eventTime(&event)).
			Int("payload_bytes", len(payload)).
			Msg("Stripe webhook claimed")
	}

	outcome, handleErr := r.dispatch(ctx, &event)
	if handleErr != nil {
		res.Outcome = OutcomeFailed
		r.record(res)
		if err := r.store.ReleaseEvent(ctx, event.ID, handleErr.Error()); err != nil {
			log.Error().Err(err).Str("event_id", event.ID).Msg("Failed to release webhook event claim")
		}
		// Handler failures always ask for redelivery.
		if internalerrors.TypeOf(handleErr) != internalerrors.ErrorTypeTransient {
			return res, internalerrors.Transient(op, handleErr)
		}
		return res, handleErr
	}

	if err := r.store.MarkEventProcessed(ctx, event.ID); err != nil {
		res.Outcome = OutcomeFailed
		r.record(res)
		return res, internalerrors.Transient(op, err)
	}
	res.Outcome = outcome
	r.record(res)
	return res, nil
}

func (r *Reconciler) dispatch(ctx context.Context, event *stripelib.Event) (Outcome, error) {
	handler, ok := r.handlers[event.Type]
	if !ok {
		log.Info().
			Str("type", string(event.Type)).
			Str("event_id", event.ID).
			Msg("Stripe webhook ignored (unhandled type)")
		return OutcomeIgnored, nil
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return OutcomeFailed, internalerrors.Rejection("stripe.dispatch", fmt.Errorf("%w: event %s has no data object", internalerrors.ErrInvalidInput, event.ID))
	}
	return handler(ctx, event)
}

func (r *Reconciler) record(res Result) {
	bmetrics.WebhookOutcomes.WithLabelValues(res.EventType, string(res.Outcome)).Inc()
}

// resolveUser maps an event to a user via explicit metadata, then via the
// stored customer mapping. An empty result means the event cannot be attributed.
func (r *Reconciler) resolveUser(ctx context.Context, metadataUserID, customerID string) (string, error) {
	if id := strings.TrimSpace(metadataUserID); id != "" {
		return id, nil
	}
	if !IsSafeStripeID(customerID) {
		return "", nil
	}
	c, err := r.store.GetCustomer(ctx, customerID)
	if err != nil {
		return "", internalerrors.Transient("stripe.resolve_user", err)
	}
	if c == nil {
		return "", nil
	}
	return c.UserID, nil
}

// rememberCustomer stores the customer to user mapping when both are known.
func (r *Reconciler) rememberCustomer(ctx context.Context, customerID, userID, email string) error {
	if customerID == "" || userID == "" {
		return nil
	}
	if err := r.store.UpsertCustomer(ctx, &registry.Customer{
		ProviderCustomerID: customerID,
		UserID:             userID,
		Email:              email,
	}); err != nil {
		return internalerrors.Transient("stripe.remember_customer", err)
	}
	return nil
}

func eventTime(event *stripelib.Event) time.Time {
	if event.Created > 0 {
		return time.Unix(event.Created, 0).UTC()
	}
	return time.Time{}
}
