package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/webhook"
)

var (
	ErrMissingSignature = errors.New("missing stripe signature")
	ErrInvalidSignature = errors.New("invalid stripe signature")
)

// VerifyStripeEvent checks the Stripe-Signature header against the exact raw
// body. Any verification failure is reported as ErrInvalidSignature.
func VerifyStripeEvent(payload []byte, signature, secret string) (stripe.Event, error) {
	if strings.TrimSpace(signature) == "" {
		return stripe.Event{}, ErrMissingSignature
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return event, nil
}

// ParseEvent reduces a verified Stripe event to an Event. Unknown types parse
// without a snapshot.
func ParseEvent(event stripe.Event) (Event, error) {
	out := Event{
		ID:      event.ID,
		Type:    string(event.Type),
		Created: unixTime(event.Created),
	}
	if event.Data == nil {
		return out, nil
	}

	switch out.Type {
	case EventCheckoutCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return out, fmt.Errorf("decode checkout session: %w", err)
		}
		snap := &CheckoutSnapshot{
			SessionID: session.ID,
			UserID:    userIDFrom(session.Metadata),
		}
		if snap.UserID == 0 {
			snap.UserID = parseUserID(session.ClientReferenceID)
		}
		if session.Customer != nil {
			snap.CustomerID = session.Customer.ID
		}
		if session.Subscription != nil {
			snap.SubscriptionID = session.Subscription.ID
		}
		out.Checkout = snap

	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return out, fmt.Errorf("decode subscription: %w", err)
		}
		snap := &SubscriptionSnapshot{
			ID:                 sub.ID,
			Status:             string(sub.Status),
			UserID:             userIDFrom(sub.Metadata),
			CurrentPeriodStart: optionalTime(sub.CurrentPeriodStart),
			CurrentPeriodEnd:   optionalTime(sub.CurrentPeriodEnd),
			CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		}
		if sub.Customer != nil {
			snap.CustomerID = sub.Customer.ID
		}
		out.Subscription = snap

	case EventPaymentSucceeded, EventPaymentFailed:
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return out, fmt.Errorf("decode invoice: %w", err)
		}
		snap := &InvoiceSnapshot{
			ID:       inv.ID,
			UserID:   userIDFrom(inv.Metadata),
			Currency: strings.ToUpper(string(inv.Currency)),
			Amount:   fromCents(inv.Subtotal),
			Total:    fromCents(inv.Total),
			Created:  unixTime(inv.Created),
		}
		snap.Tax = snap.Total.Sub(snap.Amount)
		if inv.Customer != nil {
			snap.CustomerID = inv.Customer.ID
		}
		if inv.Subscription != nil {
			snap.SubscriptionID = inv.Subscription.ID
		}
		if inv.PaymentIntent != nil {
			snap.PaymentIntentID = inv.PaymentIntent.ID
		}
		if inv.StatusTransitions != nil {
			snap.PaidAt = optionalTime(inv.StatusTransitions.PaidAt)
		}
		out.Invoice = snap
	}
	return out, nil
}

func fromCents(v int64) decimal.Decimal {
	return decimal.New(v, -2)
}

func userIDFrom(meta map[string]string) uint {
	if meta == nil {
		return 0
	}
	return parseUserID(meta["user_id"])
}

func parseUserID(raw string) uint {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0
	}
	return uint(id)
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func optionalTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
