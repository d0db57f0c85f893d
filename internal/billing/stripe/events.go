package stripe

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/rcourtman/pulse-billing/internal/billing/registry"
)

// objectID is a Stripe reference that may arrive either as a bare ID or as an
// expanded object carrying an "id" field.
type objectID string

func (o *objectID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*o = ""
		return nil
	}
	if data[0] == '{' {
		var obj struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		*o = objectID(obj.ID)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*o = objectID(s)
	return nil
}

func (o objectID) String() string { return strings.TrimSpace(string(o)) }

// CheckoutSession is a minimal representation of a Stripe checkout.session event.
type CheckoutSession struct {
	ID                string   `json:"id"`
	Mode              string   `json:"mode"`
	Customer          objectID `json:"customer"`
	Subscription      objectID `json:"subscription"`
	PaymentIntent     objectID `json:"payment_intent"`
	PaymentStatus     string   `json:"payment_status"`
	AmountTotal       int64    `json:"amount_total"`
	Currency          string   `json:"currency"`
	ClientReferenceID string   `json:"client_reference_id"`
	CustomerEmail     string   `json:"customer_email"`
	CustomerDetails   struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	Metadata map[string]string `json:"metadata"`
}

// Email returns the best available customer email for the session.
func (s *CheckoutSession) Email() string {
	if email := strings.TrimSpace(s.CustomerDetails.Email); email != "" {
		return email
	}
	return strings.TrimSpace(s.CustomerEmail)
}

// Price is the subset of a Stripe price used to resolve plans.
type Price struct {
	ID        string            `json:"id"`
	LookupKey string            `json:"lookup_key"`
	Metadata  map[string]string `json:"metadata"`
	Recurring *struct {
		Interval string `json:"interval"`
	} `json:"recurring"`
}

// SubscriptionItem is one line of a subscription.
type SubscriptionItem struct {
	ID                 string `json:"id"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	Price              Price  `json:"price"`
}

// Subscription is a minimal representation of a Stripe subscription event.
type Subscription struct {
	ID                string   `json:"id"`
	Customer          objectID `json:"customer"`
	Status            string   `json:"status"`
	CancelAtPeriodEnd bool     `json:"cancel_at_period_end"`
	CanceledAt        int64    `json:"canceled_at"`
	// Period bounds moved onto items in newer API versions; older payloads
	// still carry them here.
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
	TrialStart         int64 `json:"trial_start"`
	TrialEnd           int64 `json:"trial_end"`
	Items              struct {
		Data []SubscriptionItem `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

// FirstPriceID returns the price ID from the first subscription item.
func (s *Subscription) FirstPriceID() string {
	if p := s.firstPrice(); p != nil {
		return strings.TrimSpace(p.ID)
	}
	return ""
}

func (s *Subscription) firstPrice() *Price {
	for i := range s.Items.Data {
		if strings.TrimSpace(s.Items.Data[i].Price.ID) != "" {
			return &s.Items.Data[i].Price
		}
	}
	return nil
}

// Period returns the current billing period, preferring item-level bounds.
func (s *Subscription) Period() (start, end *time.Time) {
	startUnix, endUnix := s.CurrentPeriodStart, s.CurrentPeriodEnd
	for _, item := range s.Items.Data {
		if item.CurrentPeriodStart > 0 && item.CurrentPeriodEnd > 0 {
			startUnix, endUnix = item.CurrentPeriodStart, item.CurrentPeriodEnd
			break
		}
	}
	return unixPtr(startUnix), unixPtr(endUnix)
}

// BillingCycle derives the renewal cadence from the first recurring price.
func (s *Subscription) BillingCycle() registry.BillingCycle {
	if p := s.firstPrice(); p != nil && p.Recurring != nil && p.Recurring.Interval == "year" {
		return registry.BillingCycleYearly
	}
	return registry.BillingCycleMonthly
}

// Invoice is a minimal representation of a Stripe invoice event.
type Invoice struct {
	ID                 string   `json:"id"`
	Number             string   `json:"number"`
	Customer           objectID `json:"customer"`
	Subscription       objectID `json:"subscription"`
	PaymentIntent      objectID `json:"payment_intent"`
	Charge             objectID `json:"charge"`
	Status             string   `json:"status"`
	Currency           string   `json:"currency"`
	AmountDue          int64    `json:"amount_due"`
	AmountPaid         int64    `json:"amount_paid"`
	Total              int64    `json:"total"`
	AttemptCount       int      `json:"attempt_count"`
	NextPaymentAttempt int64    `json:"next_payment_attempt"`
	HostedInvoiceURL   string   `json:"hosted_invoice_url"`
	PeriodStart        int64    `json:"period_start"`
	PeriodEnd          int64    `json:"period_end"`
	Created            int64    `json:"created"`
	StatusTransitions  struct {
		PaidAt int64 `json:"paid_at"`
	} `json:"status_transitions"`
	LastFinalizationError *struct {
		Message string `json:"message"`
	} `json:"last_finalization_error"`
	Parent *struct {
		SubscriptionDetails *struct {
			Subscription objectID          `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Metadata map[string]string `json:"metadata"`
}

// SubscriptionID returns the subscription the invoice bills, if any.
func (inv *Invoice) SubscriptionID() string {
	if id := inv.Subscription.String(); id != "" {
		return id
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		return inv.Parent.SubscriptionDetails.Subscription.String()
	}
	return ""
}

// UserID returns a user_id carried in invoice or subscription metadata.
func (inv *Invoice) UserID() string {
	if id := strings.TrimSpace(inv.Metadata["user_id"]); id != "" {
		return id
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		return strings.TrimSpace(inv.Parent.SubscriptionDetails.Metadata["user_id"])
	}
	return ""
}

// PaymentKey identifies the payment behind the invoice. Invoices paid without
// a payment intent fall back to a key derived from the invoice ID.
func (inv *Invoice) PaymentKey() string {
	if pi := inv.PaymentIntent.String(); pi != "" {
		return pi
	}
	return "invoice:" + inv.ID
}

// Charge is a minimal representation of a Stripe charge event.
type Charge struct {
	ID             string   `json:"id"`
	Customer       objectID `json:"customer"`
	PaymentIntent  objectID `json:"payment_intent"`
	Amount         int64    `json:"amount"`
	AmountRefunded int64    `json:"amount_refunded"`
	Currency       string   `json:"currency"`
	Refunded       bool     `json:"refunded"`
	Refunds        *struct {
		Data []ChargeRefund `json:"data"`
	} `json:"refunds"`
	Metadata map[string]string `json:"metadata"`
}

// ChargeRefund is one refund listed on a charge.
type ChargeRefund struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Reason   string `json:"reason"`
	Status   string `json:"status"`
	Created  int64  `json:"created"`
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
