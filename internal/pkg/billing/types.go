package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// Stripe event types the reconciler acts on.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
	EventPaymentSucceeded    = "invoice.payment_succeeded"
	EventPaymentFailed       = "invoice.payment_failed"
)

// Event is a verified processor event reduced to the fields reconciliation
// needs. Exactly one snapshot is set for known types, none for the rest.
type Event struct {
	ID      string
	Type    string
	Created time.Time

	Checkout     *CheckoutSnapshot
	Subscription *SubscriptionSnapshot
	Invoice      *InvoiceSnapshot
}

type CheckoutSnapshot struct {
	SessionID      string
	CustomerID     string
	SubscriptionID string
	// UserID comes from metadata.user_id or the client reference id.
	UserID uint
}

type SubscriptionSnapshot struct {
	ID                 string
	CustomerID         string
	Status             string
	UserID             uint
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
}

type InvoiceSnapshot struct {
	ID              string
	CustomerID      string
	SubscriptionID  string
	PaymentIntentID string
	UserID          uint
	Currency        string
	Amount          decimal.Decimal
	Tax             decimal.Decimal
	Total           decimal.Decimal
	Created         time.Time
	PaidAt          *time.Time
}

type OutcomeKind string

const (
	OutcomeApplied    OutcomeKind = "applied"
	OutcomeIgnored    OutcomeKind = "ignored"
	OutcomeIncomplete OutcomeKind = "incomplete"
	OutcomeUnchanged  OutcomeKind = "unchanged"
	OutcomeFailed     OutcomeKind = "failed"
)

// Outcome describes what Apply did with an event.
type Outcome struct {
	Kind   OutcomeKind
	UserID uint
	Reason string
}

// WebhookEventInput is the normalized input for webhook event persistence.
type WebhookEventInput struct {
	Provider        string
	ProviderEventID string
	EventType       string
	PayloadJSON     string
	SignatureValid  bool
}

// BillingState is the account view returned to API callers.
type BillingState struct {
	UserID               uint       `json:"user_id"`
	Status               string     `json:"status"`
	SubscriptionStatus   string     `json:"subscription_status"`
	StripeCustomerID     string     `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID string     `json:"stripe_subscription_id,omitempty"`
	CurrentPeriodStart   *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd     *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd    bool       `json:"cancel_at_period_end"`
}
