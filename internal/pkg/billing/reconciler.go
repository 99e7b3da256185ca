package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ManuelReschke/TaxDesk/app/models"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/sequence"
	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const maxInvoiceAttempts = 3

// Notifier is told when an account turns active.
type Notifier interface {
	AccountActivated(ctx context.Context, user *models.User) error
}

type nopNotifier struct{}

func (nopNotifier) AccountActivated(context.Context, *models.User) error { return nil }

// Reconciler folds processor events into local subscription state.
type Reconciler struct {
	repo     Repository
	numbers  *sequence.Numberer
	notifier Notifier
	now      func() time.Time
}

func NewReconciler(repo Repository, numbers *sequence.Numberer, notifier Notifier) *Reconciler {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Reconciler{repo: repo, numbers: numbers, notifier: notifier, now: time.Now}
}

// Apply reconciles one event. Errors are infrastructure failures; a missing
// user is reported as OutcomeIncomplete.
func (r *Reconciler) Apply(ctx context.Context, ev Event) (Outcome, error) {
	switch {
	case ev.Checkout != nil:
		return r.applyCheckout(ctx, ev.Checkout)
	case ev.Subscription != nil && ev.Type == EventSubscriptionDeleted:
		return r.applySubscriptionDeleted(ctx, ev.Subscription)
	case ev.Subscription != nil:
		return r.applySubscription(ctx, ev.Subscription)
	case ev.Invoice != nil && ev.Type == EventPaymentSucceeded:
		return r.applyPaymentSucceeded(ctx, ev.Invoice)
	case ev.Invoice != nil && ev.Type == EventPaymentFailed:
		return r.applyPaymentFailed(ctx, ev.Invoice)
	}
	return Outcome{Kind: OutcomeIgnored, Reason: "unhandled event type " + ev.Type}, nil
}

// resolveUser prefers the id carried in metadata and falls back to the
// customer id. Zero means no local user matches.
func (r *Reconciler) resolveUser(ctx context.Context, userID uint, customerID string) (uint, error) {
	if userID != 0 {
		u, err := r.repo.FindUserByID(ctx, userID)
		if err == nil {
			return u.ID, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, err
		}
	}
	if customerID == "" {
		return 0, nil
	}
	u, err := r.repo.FindUserByCustomerID(ctx, customerID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return u.ID, nil
}

func (r *Reconciler) mutate(ctx context.Context, userID uint, customerID string, fn MutateFunc) (*models.User, bool, *Outcome, error) {
	id, err := r.resolveUser(ctx, userID, customerID)
	if err != nil {
		return nil, false, nil, err
	}
	if id == 0 {
		log.Warnf("[Billing] No user for user_id=%d customer=%q", userID, customerID)
		return nil, false, &Outcome{Kind: OutcomeIncomplete, Reason: "no matching user"}, nil
	}
	u, changed, err := r.repo.MutateUser(ctx, id, fn)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, &Outcome{Kind: OutcomeIncomplete, UserID: id, Reason: "user disappeared"}, nil
	}
	if err != nil {
		return nil, false, nil, err
	}
	return u, changed, nil, nil
}

func (r *Reconciler) applyCheckout(ctx context.Context, snap *CheckoutSnapshot) (Outcome, error) {
	u, changed, early, err := r.mutate(ctx, snap.UserID, snap.CustomerID, func(u *models.User) (bool, error) {
		changed := setString(&u.StripeCustomerID, snap.CustomerID)
		if snap.SubscriptionID == "" {
			return changed, nil
		}
		if u.StripeSubscriptionID != snap.SubscriptionID {
			u.StripeSubscriptionID = snap.SubscriptionID
			u.SubscriptionStatus = models.SubscriptionTrialing
			return true, nil
		}
		// Same subscription: only fill the placeholder, never overwrite a
		// status the subscription events already reported.
		if u.SubscriptionStatus == "" || u.SubscriptionStatus == models.SubscriptionPendingPayment {
			u.SubscriptionStatus = models.SubscriptionTrialing
			changed = true
		}
		return changed, nil
	})
	return r.finish(u, changed, early, err)
}

func (r *Reconciler) applySubscription(ctx context.Context, snap *SubscriptionSnapshot) (Outcome, error) {
	var activated bool
	u, changed, early, err := r.mutate(ctx, snap.UserID, snap.CustomerID, func(u *models.User) (bool, error) {
		activated = false
		changed := setString(&u.StripeSubscriptionID, snap.ID)
		changed = setString(&u.StripeCustomerID, snap.CustomerID) || changed
		changed = setString(&u.SubscriptionStatus, snap.Status) || changed
		changed = setTime(&u.CurrentPeriodStart, snap.CurrentPeriodStart) || changed
		changed = setTime(&u.CurrentPeriodEnd, snap.CurrentPeriodEnd) || changed
		if u.CancelAtPeriodEnd != snap.CancelAtPeriodEnd {
			u.CancelAtPeriodEnd = snap.CancelAtPeriodEnd
			changed = true
		}
		if snap.Status == models.SubscriptionActive && !u.IsActive() {
			u.Status = models.STATUS_ACTIVE
			activated = true
			changed = true
		}
		return changed, nil
	})
	if err == nil && activated {
		r.notifyActivated(ctx, u)
	}
	return r.finish(u, changed, early, err)
}

func (r *Reconciler) applySubscriptionDeleted(ctx context.Context, snap *SubscriptionSnapshot) (Outcome, error) {
	var superseded bool
	u, changed, early, err := r.mutate(ctx, snap.UserID, snap.CustomerID, func(u *models.User) (bool, error) {
		superseded = u.StripeSubscriptionID != "" && u.StripeSubscriptionID != snap.ID
		if superseded {
			return false, nil
		}
		changed := setString(&u.StripeSubscriptionID, snap.ID)
		changed = setString(&u.SubscriptionStatus, models.SubscriptionCanceled) || changed
		changed = setString(&u.Status, models.STATUS_INACTIVE) || changed
		if u.CancelAtPeriodEnd {
			u.CancelAtPeriodEnd = false
			changed = true
		}
		return changed, nil
	})
	if err == nil && early == nil && superseded {
		return Outcome{Kind: OutcomeIgnored, UserID: u.ID, Reason: "subscription superseded"}, nil
	}
	return r.finish(u, changed, early, err)
}

func (r *Reconciler) applyPaymentSucceeded(ctx context.Context, snap *InvoiceSnapshot) (Outcome, error) {
	var activated bool
	u, changed, early, err := r.mutate(ctx, snap.UserID, snap.CustomerID, func(u *models.User) (bool, error) {
		activated = false
		changed := false
		if u.StripeCustomerID == "" {
			changed = setString(&u.StripeCustomerID, snap.CustomerID)
		}
		// An active account keeps its subscription status; a past_due
		// subscription recovers through customer.subscription.updated.
		if u.IsActive() {
			return changed, nil
		}
		if recoverable(u.SubscriptionStatus) {
			u.SubscriptionStatus = models.SubscriptionActive
		}
		u.Status = models.STATUS_ACTIVE
		activated = true
		return true, nil
	})
	if early != nil || err != nil {
		return r.finish(u, changed, early, err)
	}

	if activated {
		r.notifyActivated(ctx, u)
	}
	invChanged, err := r.upsertInvoice(ctx, u.ID, snap, models.BillingInvoicePaid)
	if err != nil {
		return Outcome{}, err
	}
	return r.finish(u, changed || invChanged, nil, nil)
}

// applyPaymentFailed marks the subscription past due but leaves the account
// flag alone; the processor decides when to cancel.
func (r *Reconciler) applyPaymentFailed(ctx context.Context, snap *InvoiceSnapshot) (Outcome, error) {
	u, changed, early, err := r.mutate(ctx, snap.UserID, snap.CustomerID, func(u *models.User) (bool, error) {
		return setString(&u.SubscriptionStatus, models.SubscriptionPastDue), nil
	})
	if early != nil || err != nil {
		return r.finish(u, changed, early, err)
	}

	invChanged, err := r.upsertInvoice(ctx, u.ID, snap, models.BillingInvoiceFailed)
	if err != nil {
		return Outcome{}, err
	}
	return r.finish(u, changed || invChanged, nil, nil)
}

func (r *Reconciler) finish(u *models.User, changed bool, early *Outcome, err error) (Outcome, error) {
	if err != nil {
		return Outcome{}, err
	}
	if early != nil {
		return *early, nil
	}
	if !changed {
		return Outcome{Kind: OutcomeUnchanged, UserID: u.ID}, nil
	}
	return Outcome{Kind: OutcomeApplied, UserID: u.ID}, nil
}

func (r *Reconciler) notifyActivated(ctx context.Context, u *models.User) {
	if err := r.notifier.AccountActivated(ctx, u); err != nil {
		log.Errorf("[Billing] Activation notice for user %d failed: %v", u.ID, err)
	}
}

// upsertInvoice records the billing invoice for a processor invoice. A paid
// invoice is final.
func (r *Reconciler) upsertInvoice(ctx context.Context, userID uint, snap *InvoiceSnapshot, status string) (bool, error) {
	for attempt := 0; attempt < maxInvoiceAttempts; attempt++ {
		existing, err := r.repo.FindBillingInvoiceByStripeID(ctx, snap.ID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			inv, err := r.newInvoice(ctx, userID, snap, status)
			if err != nil {
				return false, err
			}
			err = r.repo.CreateBillingInvoice(ctx, inv)
			if errors.Is(err, ErrDuplicateInvoice) {
				continue
			}
			if err != nil {
				return false, fmt.Errorf("create billing invoice for %s: %w", snap.ID, err)
			}
			return true, nil
		}
		if err != nil {
			return false, err
		}

		if existing.IsPaid() || existing.Status == status {
			return false, nil
		}
		fillInvoice(existing, snap, status)
		err = r.repo.UpdateBillingInvoice(ctx, existing)
		if errors.Is(err, ErrStaleRecord) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("update billing invoice %s: %w", existing.Number, err)
		}
		return true, nil
	}
	return false, ErrStaleRecord
}

func (r *Reconciler) newInvoice(ctx context.Context, userID uint, snap *InvoiceSnapshot, status string) (*models.BillingInvoice, error) {
	issued := snap.Created
	if issued.IsZero() {
		issued = r.now().UTC()
	}
	number, err := r.numbers.Next(ctx, sequence.InvoiceScope(issued.Year()), issued.Year())
	if err != nil {
		return nil, err
	}
	inv := &models.BillingInvoice{
		UserID:          userID,
		Number:          number,
		IssuedAt:        issued,
		StripeInvoiceID: snap.ID,
	}
	fillInvoice(inv, snap, status)
	return inv, nil
}

func fillInvoice(inv *models.BillingInvoice, snap *InvoiceSnapshot, status string) {
	inv.Status = status
	inv.Amount = snap.Amount
	inv.Tax = snap.Tax
	inv.Total = snap.Total
	inv.Currency = snap.Currency
	if inv.Currency == "" {
		inv.Currency = "EUR"
	}
	inv.PaymentIntentID = snap.PaymentIntentID
	if status == models.BillingInvoicePaid {
		paid := snap.Created
		if snap.PaidAt != nil {
			paid = *snap.PaidAt
		}
		inv.PaidAt = &paid
	}
	if inv.Amount.IsZero() && inv.Total.IsPositive() {
		inv.Amount = inv.Total
		inv.Tax = decimal.Zero
	}
}

// recoverable lists subscription states a successful payment moves to active.
func recoverable(status string) bool {
	switch status {
	case "", models.SubscriptionPendingPayment, models.SubscriptionTrialing,
		models.SubscriptionIncomplete, models.SubscriptionPastDue, models.SubscriptionUnpaid:
		return true
	}
	return false
}

func setString(dst *string, v string) bool {
	if v == "" || *dst == v {
		return false
	}
	*dst = v
	return true
}

func setTime(dst **time.Time, v *time.Time) bool {
	if v == nil {
		return false
	}
	if *dst != nil && (*dst).Equal(*v) {
		return false
	}
	t := *v
	*dst = &t
	return true
}
