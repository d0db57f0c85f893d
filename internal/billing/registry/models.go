package registry

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/oklog/ulid/v2"
	"gopkg.in/yaml.v3"
)

// Limit is a plan limit. Unlimited is a distinguished sentinel, never a large number.
type Limit int64

// Unlimited marks a limit that is never exhausted.
const Unlimited Limit = -1

const unlimitedText = "unlimited"

// IsUnlimited reports whether l is the Unlimited sentinel.
func (l Limit) IsUnlimited() bool { return l < 0 }

func (l Limit) String() string {
	if l.IsUnlimited() {
		return unlimitedText
	}
	return strconv.FormatInt(int64(l), 10)
}

func (l Limit) MarshalJSON() ([]byte, error) {
	if l.IsUnlimited() {
		return json.Marshal(unlimitedText)
	}
	return json.Marshal(int64(l))
}

func (l *Limit) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return l.parse(s)
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("limit must be a number or %q", unlimitedText)
	}
	*l = normalizeLimit(n)
	return nil
}

func (l Limit) MarshalYAML() (any, error) {
	if l.IsUnlimited() {
		return unlimitedText, nil
	}
	return int64(l), nil
}

func (l *Limit) UnmarshalYAML(node *yaml.Node) error {
	return l.parse(node.Value)
}

func (l *Limit) parse(s string) error {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == unlimitedText {
		*l = Unlimited
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid limit %q", s)
	}
	*l = normalizeLimit(n)
	return nil
}

func normalizeLimit(n int64) Limit {
	if n < 0 {
		return Unlimited
	}
	return Limit(n)
}

// WildcardFeature grants every feature.
const WildcardFeature = "*"

// FreePlanID is the plan assigned when a paid subscription ends.
const FreePlanID = "free"

// Limits holds a plan's numeric caps.
type Limits struct {
	MaxAgents                Limit `json:"max_agents" yaml:"max_agents"`
	MaxDevices               Limit `json:"max_devices" yaml:"max_devices"`
	MaxConversationsPerMonth Limit `json:"max_conversations_per_month" yaml:"max_conversations_per_month"`
	MaxAICallsPerMonth       Limit `json:"max_ai_calls_per_month" yaml:"max_ai_calls_per_month"`
	MaxTokenUsagePerMonth    Limit `json:"max_token_usage_per_month" yaml:"max_token_usage_per_month"`
}

// Plan is a purchasable tier.
type Plan struct {
	ID                   string    `json:"id" yaml:"id"`
	Name                 string    `json:"name" yaml:"name"`
	PriceMonthly         int64     `json:"price_monthly" yaml:"price_monthly"`
	PriceYearly          int64     `json:"price_yearly" yaml:"price_yearly"`
	Currency             string    `json:"currency" yaml:"currency"`
	Limits               Limits    `json:"limits" yaml:"limits"`
	Features             []string  `json:"features" yaml:"features"`
	ProviderPriceIDs     []string  `json:"provider_price_ids,omitempty" yaml:"provider_price_ids"`
	RequiresOrganization bool      `json:"requires_organization" yaml:"requires_organization"`
	IsActive             bool      `json:"is_active" yaml:"is_active"`
	CreatedAt            time.Time `json:"created_at" yaml:"-"`
	UpdatedAt            time.Time `json:"updated_at" yaml:"-"`
}

// HasFeature reports whether the plan includes feature. A bare "*" grants
// every feature; entries containing "*" are glob patterns such as "reports_*".
func (p *Plan) HasFeature(feature string) bool {
	if feature == "" {
		return false
	}
	for _, f := range p.Features {
		switch {
		case f == WildcardFeature || f == feature:
			return true
		case strings.Contains(f, "*") && wildcard.Match(f, feature):
			return true
		}
	}
	return false
}

// QuotaLimit returns the plan's monthly cap for q.
func (p *Plan) QuotaLimit(q QuotaType) Limit {
	switch q {
	case QuotaAICalls:
		return p.Limits.MaxAICallsPerMonth
	case QuotaConversations:
		return p.Limits.MaxConversationsPerMonth
	case QuotaTokens:
		return p.Limits.MaxTokenUsagePerMonth
	}
	return 0
}

// Clone returns a deep copy so cached plans cannot be mutated by callers.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	c := *p
	c.Features = append([]string(nil), p.Features...)
	c.ProviderPriceIDs = append([]string(nil), p.ProviderPriceIDs...)
	return &c
}

// QuotaType is a countable, monthly-resetting usage dimension.
type QuotaType string

const (
	QuotaAICalls       QuotaType = "ai_calls"
	QuotaConversations QuotaType = "conversations"
	QuotaTokens        QuotaType = "tokens"
)

// ParseQuotaType validates s. An empty string is returned as ("", true).
func ParseQuotaType(s string) (QuotaType, bool) {
	switch q := QuotaType(strings.TrimSpace(s)); q {
	case "", QuotaAICalls, QuotaConversations, QuotaTokens:
		return q, true
	}
	return "", false
}

// counterColumn maps a quota to its License counter column.
func (q QuotaType) counterColumn() string {
	switch q {
	case QuotaAICalls:
		return "ai_calls_used"
	case QuotaConversations:
		return "conversations_created"
	case QuotaTokens:
		return "tokens_used"
	}
	return ""
}

// limitColumn maps a quota to its Plan limit column.
func (q QuotaType) limitColumn() string {
	switch q {
	case QuotaAICalls:
		return "max_ai_calls_per_month"
	case QuotaConversations:
		return "max_conversations_per_month"
	case QuotaTokens:
		return "max_token_usage_per_month"
	}
	return ""
}

// LicenseStatus is the lifecycle state of a License.
type LicenseStatus string

const (
	LicenseStatusActive        LicenseStatus = "active"
	LicenseStatusPaymentFailed LicenseStatus = "payment_failed"
	LicenseStatusCancelled     LicenseStatus = "cancelled"
	LicenseStatusExpired       LicenseStatus = "expired"
	LicenseStatusSuspended     LicenseStatus = "suspended"
)

// Ended reports whether the license was cancelled or expired by the provider.
func (s LicenseStatus) Ended() bool {
	return s == LicenseStatusCancelled || s == LicenseStatusExpired
}

// BillingCycle is how often a License renews.
type BillingCycle string

const (
	BillingCycleMonthly  BillingCycle = "monthly"
	BillingCycleYearly   BillingCycle = "yearly"
	BillingCycleLifetime BillingCycle = "lifetime"
)

// Usage holds the per-period counters of a License.
type Usage struct {
	AICallsUsed          int64 `json:"ai_calls_used"`
	TokensUsed           int64 `json:"tokens_used"`
	ConversationsCreated int64 `json:"conversations_created"`
}

// Counter returns the counter tracking q.
func (u Usage) Counter(q QuotaType) int64 {
	switch q {
	case QuotaAICalls:
		return u.AICallsUsed
	case QuotaConversations:
		return u.ConversationsCreated
	case QuotaTokens:
		return u.TokensUsed
	}
	return 0
}

// License is a user's entitlement record (a subscription in user-facing terms).
type License struct {
	ID                     string        `json:"id"`
	UserID                 string        `json:"user_id"`
	PlanID                 string        `json:"plan_id"`
	Status                 LicenseStatus `json:"status"`
	BillingCycle           BillingCycle  `json:"billing_cycle"`
	CurrentPeriodStart     *time.Time    `json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time    `json:"current_period_end,omitempty"`
	NextBillingDate        *time.Time    `json:"next_billing_date,omitempty"`
	IsTrial                bool          `json:"is_trial"`
	TrialEndsAt            *time.Time    `json:"trial_ends_at,omitempty"`
	ProviderSubscriptionID string        `json:"provider_subscription_id,omitempty"`
	ProviderCustomerID     string        `json:"provider_customer_id,omitempty"`
	Usage                  Usage         `json:"usage"`
	UsageLimitReached      bool          `json:"usage_limit_reached"`
	ActivatedAt            *time.Time    `json:"activated_at,omitempty"`
	CancelledAt            *time.Time    `json:"cancelled_at,omitempty"`
	// ProviderSyncedAt is the creation time of the newest provider event applied.
	ProviderSyncedAt *time.Time `json:"provider_synced_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Team is an organization that users join.
type Team struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	MaxMembers Limit     `json:"max_members"`
	MaxAgents  Limit     `json:"max_agents"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
}

// MemberStatus is a team membership state.
type MemberStatus string

const (
	MemberStatusActive  MemberStatus = "active"
	MemberStatusInvited MemberStatus = "invited"
	MemberStatusRemoved MemberStatus = "removed"
)

// TeamMember links a user to a team.
type TeamMember struct {
	TeamID    string       `json:"team_id"`
	UserID    string       `json:"user_id"`
	Status    MemberStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
}

// Device is a device activation for a user.
type Device struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Fingerprint string    `json:"fingerprint"`
	IsActive    bool      `json:"is_active"`
	ActivatedAt time.Time `json:"activated_at"`
}

// Customer maps a payment provider customer to an internal user.
type Customer struct {
	ProviderCustomerID string     `json:"provider_customer_id"`
	UserID             string     `json:"user_id"`
	Email              string     `json:"email,omitempty"`
	Delinquent         bool       `json:"delinquent"`
	DelinquentSince    *time.Time `json:"delinquent_since,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Wallet is a user's token balance.
type Wallet struct {
	UserID    string    `json:"user_id"`
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BillingEvent is the audit row for an inbound provider event.
type BillingEvent struct {
	ID              string     `json:"id"`
	ProviderEventID string     `json:"provider_event_id"`
	EventType       string     `json:"event_type"`
	Payload         []byte     `json:"-"`
	IsProcessed     bool       `json:"is_processed"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
	Attempts        int        `json:"attempts"`
	LastError       string     `json:"last_error,omitempty"`
	ClaimedAt       *time.Time `json:"claimed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// ClaimResult is the outcome of claiming an event for processing.
type ClaimResult int

const (
	// ClaimAcquired means the caller owns the event and must run its handler.
	ClaimAcquired ClaimResult = iota
	// ClaimDuplicate means the event was already processed.
	ClaimDuplicate
	// ClaimInFlight means another delivery currently holds the claim.
	ClaimInFlight
)

func (c ClaimResult) String() string {
	switch c {
	case ClaimAcquired:
		return "acquired"
	case ClaimDuplicate:
		return "duplicate"
	case ClaimInFlight:
		return "in_flight"
	}
	return "unknown"
}

// Invoice mirrors a provider invoice.
type Invoice struct {
	ID                     string     `json:"id"`
	ProviderInvoiceID      string     `json:"provider_invoice_id"`
	UserID                 string     `json:"user_id"`
	ProviderCustomerID     string     `json:"provider_customer_id"`
	ProviderSubscriptionID string     `json:"provider_subscription_id,omitempty"`
	Number                 string     `json:"number,omitempty"`
	Status                 string     `json:"status"`
	Currency               string     `json:"currency"`
	AmountDue              int64      `json:"amount_due"`
	AmountPaid             int64      `json:"amount_paid"`
	Total                  int64      `json:"total"`
	HostedInvoiceURL       string     `json:"hosted_invoice_url,omitempty"`
	PeriodStart            *time.Time `json:"period_start,omitempty"`
	PeriodEnd              *time.Time `json:"period_end,omitempty"`
	PaidAt                 *time.Time `json:"paid_at,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// TransactionStatus is a payment outcome.
type TransactionStatus string

const (
	TransactionSucceeded TransactionStatus = "succeeded"
	TransactionFailed    TransactionStatus = "failed"
)

// TransactionKind says what a payment was for.
type TransactionKind string

const (
	TransactionKindSubscription  TransactionKind = "subscription"
	TransactionKindTokenPurchase TransactionKind = "token_purchase"
)

// PaymentTransaction is a ledger row keyed by the provider payment id.
type PaymentTransaction struct {
	ID                string            `json:"id"`
	UserID            string            `json:"user_id"`
	Kind              TransactionKind   `json:"kind"`
	ProviderPaymentID string            `json:"provider_payment_id"`
	ProviderChargeID  string            `json:"provider_charge_id,omitempty"`
	ProviderInvoiceID string            `json:"provider_invoice_id,omitempty"`
	Amount            int64             `json:"amount"`
	Currency          string            `json:"currency"`
	Status            TransactionStatus `json:"status"`
	FailureReason     string            `json:"failure_reason,omitempty"`
	RefundedAmount    int64             `json:"refunded_amount"`
	CreatedAt         time.Time         `json:"created_at"`
}

// Refund is one provider refund against a transaction.
type Refund struct {
	ID               string    `json:"id"`
	TransactionID    string    `json:"transaction_id"`
	UserID           string    `json:"user_id"`
	ProviderRefundID string    `json:"provider_refund_id"`
	ProviderChargeID string    `json:"provider_charge_id"`
	Amount           int64     `json:"amount"`
	Currency         string    `json:"currency"`
	Reason           string    `json:"reason,omitempty"`
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
}

// TokenPurchaseStatus tracks a one-off token purchase.
type TokenPurchaseStatus string

const (
	TokenPurchasePending   TokenPurchaseStatus = "pending"
	TokenPurchaseCompleted TokenPurchaseStatus = "completed"
)

// TokenPurchase is a checkout-backed wallet top-up.
type TokenPurchase struct {
	ID                string              `json:"id"`
	UserID            string              `json:"user_id"`
	Tokens            int64               `json:"tokens"`
	Amount            int64               `json:"amount"`
	Currency          string              `json:"currency"`
	Status            TokenPurchaseStatus `json:"status"`
	ProviderSessionID string              `json:"provider_session_id,omitempty"`
	CompletedAt       *time.Time          `json:"completed_at,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
}

// NewID returns a sortable row identifier with the given prefix, e.g. "lic_01J...".
func NewID(prefix string) string {
	return prefix + "_" + strings.ToLower(ulid.Make().String())
}
