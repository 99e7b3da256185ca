package billing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ManuelReschke/TaxDesk/app/models"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/sequence"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingNotifier struct {
	calls atomic.Int32
	err   error
}

func (n *countingNotifier) AccountActivated(context.Context, *models.User) error {
	n.calls.Add(1)
	return n.err
}

var eventTime = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func newReconcilerFixture(t *testing.T) (*Reconciler, *MemoryRepository, *countingNotifier) {
	t.Helper()
	repo := NewMemoryRepository()
	repo.AddUser(models.User{
		ID:                 7,
		Name:               "Mario Rossi",
		Email:              "mario@example.com",
		Status:             models.STATUS_INACTIVE,
		SubscriptionStatus: models.SubscriptionPendingPayment,
		StripeCustomerID:   "cus_7",
	})
	notifier := &countingNotifier{}
	return NewReconciler(repo, sequence.NewNumberer(sequence.NewMemoryStore()), notifier), repo, notifier
}

func paymentEvent(typ, invoiceID string, total int64) Event {
	return Event{
		ID:   "evt_" + invoiceID,
		Type: typ,
		Invoice: &InvoiceSnapshot{
			ID:              invoiceID,
			CustomerID:      "cus_7",
			SubscriptionID:  "sub_7",
			PaymentIntentID: "pi_" + invoiceID,
			Currency:        "EUR",
			Amount:          decimal.New(total, -2),
			Total:           decimal.New(total*122/100, -2),
			Tax:             decimal.New(total*122/100-total, -2),
			Created:         eventTime,
		},
	}
}

func subscriptionEvent(typ, subID, status string) Event {
	start := eventTime
	end := eventTime.AddDate(0, 1, 0)
	return Event{
		ID:   "evt_" + subID + "_" + status,
		Type: typ,
		Subscription: &SubscriptionSnapshot{
			ID:                 subID,
			CustomerID:         "cus_7",
			Status:             status,
			CurrentPeriodStart: &start,
			CurrentPeriodEnd:   &end,
		},
	}
}

func mustUser(t *testing.T, repo *MemoryRepository) *models.User {
	t.Helper()
	u, err := repo.FindUserByID(context.Background(), 7)
	require.NoError(t, err)
	return u
}

func TestApply_CheckoutPlaceholder(t *testing.T) {
	r, repo, _ := newReconcilerFixture(t)
	ctx := context.Background()

	out, err := r.Apply(ctx, Event{Type: EventCheckoutCompleted, Checkout: &CheckoutSnapshot{
		SessionID: "cs_1", CustomerID: "cus_7", SubscriptionID: "sub_7", UserID: 7,
	}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out.Kind)

	u := mustUser(t, repo)
	assert.Equal(t, "sub_7", u.StripeSubscriptionID)
	assert.Equal(t, models.SubscriptionTrialing, u.SubscriptionStatus)
	assert.Equal(t, models.STATUS_INACTIVE, u.Status)
}

func TestApply_CheckoutDoesNotRegressKnownStatus(t *testing.T) {
	r, repo, _ := newReconcilerFixture(t)
	ctx := context.Background()

	_, err := r.Apply(ctx, subscriptionEvent(EventSubscriptionCreated, "sub_7", models.SubscriptionActive))
	require.NoError(t, err)

	out, err := r.Apply(ctx, Event{Type: EventCheckoutCompleted, Checkout: &CheckoutSnapshot{
		CustomerID: "cus_7", SubscriptionID: "sub_7", UserID: 7,
	}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, out.Kind)
	assert.Equal(t, models.SubscriptionActive, mustUser(t, repo).SubscriptionStatus)
}

func TestApply_SubscriptionUpdated(t *testing.T) {
	r, repo, notifier := newReconcilerFixture(t)
	ctx := context.Background()

	ev := subscriptionEvent(EventSubscriptionUpdated, "sub_7", models.SubscriptionActive)
	ev.Subscription.CancelAtPeriodEnd = true
	out, err := r.Apply(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out.Kind)
	assert.Equal(t, uint(7), out.UserID)

	u := mustUser(t, repo)
	assert.Equal(t, models.STATUS_ACTIVE, u.Status)
	assert.Equal(t, models.SubscriptionActive, u.SubscriptionStatus)
	assert.True(t, u.CancelAtPeriodEnd)
	require.NotNil(t, u.CurrentPeriodEnd)
	assert.True(t, u.CurrentPeriodEnd.Equal(eventTime.AddDate(0, 1, 0)))
	assert.Equal(t, int32(1), notifier.calls.Load())

	out, err = r.Apply(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, out.Kind)
	assert.Equal(t, int32(1), notifier.calls.Load())
}

func TestApply_SubscriptionPrefersMetadataUser(t *testing.T) {
	r, repo, _ := newReconcilerFixture(t)
	repo.AddUser(models.User{ID: 8, Name: "Giulia", Email: "giulia@example.com", Status: models.STATUS_INACTIVE})

	ev := subscriptionEvent(EventSubscriptionCreated, "sub_8", models.SubscriptionTrialing)
	ev.Subscription.CustomerID = "cus_8"
	ev.Subscription.UserID = 8
	out, err := r.Apply(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, uint(8), out.UserID)

	u, err := repo.FindUserByID(context.Background(), 8)
	require.NoError(t, err)
	assert.Equal(t, "cus_8", u.StripeCustomerID)
	assert.Equal(t, models.SubscriptionTrialing, u.SubscriptionStatus)
	assert.Equal(t, "", mustUser(t, repo).StripeSubscriptionID)
}

func TestApply_SubscriptionDeleted(t *testing.T) {
	r, repo, _ := newReconcilerFixture(t)
	ctx := context.Background()

	_, err := r.Apply(ctx, subscriptionEvent(EventSubscriptionCreated, "sub_7", models.SubscriptionActive))
	require.NoError(t, err)

	out, err := r.Apply(ctx, subscriptionEvent(EventSubscriptionDeleted, "sub_old", models.SubscriptionCanceled))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out.Kind)
	assert.Equal(t, models.STATUS_ACTIVE, mustUser(t, repo).Status)

	out, err = r.Apply(ctx, subscriptionEvent(EventSubscriptionDeleted, "sub_7", models.SubscriptionCanceled))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out.Kind)
	u := mustUser(t, repo)
	assert.Equal(t, models.SubscriptionCanceled, u.SubscriptionStatus)
	assert.Equal(t, models.STATUS_INACTIVE, u.Status)
}

func TestApply_PaymentSucceededActivatesOnce(t *testing.T) {
	r, repo, notifier := newReconcilerFixture(t)
	ctx := context.Background()

	out, err := r.Apply(ctx, paymentEvent(EventPaymentSucceeded, "in_1", 10000))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out.Kind)

	u := mustUser(t, repo)
	assert.Equal(t, models.STATUS_ACTIVE, u.Status)
	assert.Equal(t, models.SubscriptionActive, u.SubscriptionStatus)
	assert.Equal(t, int32(1), notifier.calls.Load())

	inv, err := repo.FindBillingInvoiceByStripeID(ctx, "in_1")
	require.NoError(t, err)
	assert.Equal(t, "INV-2024-0001", inv.Number)
	assert.Equal(t, models.BillingInvoicePaid, inv.Status)
	assert.Equal(t, "122", inv.Total.String())
	assert.Equal(t, "pi_in_1", inv.PaymentIntentID)
	require.NotNil(t, inv.PaidAt)

	// Redelivery and the next period's invoice leave the account alone.
	out, err = r.Apply(ctx, paymentEvent(EventPaymentSucceeded, "in_1", 10000))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, out.Kind)

	_, err = r.Apply(ctx, paymentEvent(EventPaymentSucceeded, "in_2", 10000))
	require.NoError(t, err)
	assert.Equal(t, int32(1), notifier.calls.Load())

	second, err := repo.FindBillingInvoiceByStripeID(ctx, "in_2")
	require.NoError(t, err)
	assert.Equal(t, "INV-2024-0002", second.Number)
}

func TestApply_ConcurrentPaymentSucceeded(t *testing.T) {
	r, repo, notifier := newReconcilerFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Apply(ctx, paymentEvent(EventPaymentSucceeded, "in_1", 10000)); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, int32(1), notifier.calls.Load())
	invoices, err := repo.ListBillingInvoices(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, invoices, 1)
}

func TestApply_PaymentFailed(t *testing.T) {
	r, repo, _ := newReconcilerFixture(t)
	ctx := context.Background()

	_, err := r.Apply(ctx, paymentEvent(EventPaymentSucceeded, "in_1", 10000))
	require.NoError(t, err)

	out, err := r.Apply(ctx, paymentEvent(EventPaymentFailed, "in_2", 10000))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out.Kind)

	u := mustUser(t, repo)
	assert.Equal(t, models.SubscriptionPastDue, u.SubscriptionStatus)
	assert.Equal(t, models.STATUS_ACTIVE, u.Status)

	failed, err := repo.FindBillingInvoiceByStripeID(ctx, "in_2")
	require.NoError(t, err)
	assert.Equal(t, models.BillingInvoiceFailed, failed.Status)
	assert.Nil(t, failed.PaidAt)

	// A late failure notice for an invoice already paid keeps it paid.
	_, err = r.Apply(ctx, paymentEvent(EventPaymentFailed, "in_1", 10000))
	require.NoError(t, err)
	paid, err := repo.FindBillingInvoiceByStripeID(ctx, "in_1")
	require.NoError(t, err)
	assert.Equal(t, models.BillingInvoicePaid, paid.Status)

	// Retried payment succeeds: the failed invoice turns paid. The account
	// was already active, so the subscription status waits for the
	// processor's own subscription update.
	_, err = r.Apply(ctx, paymentEvent(EventPaymentSucceeded, "in_2", 10000))
	require.NoError(t, err)
	recovered, err := repo.FindBillingInvoiceByStripeID(ctx, "in_2")
	require.NoError(t, err)
	assert.Equal(t, models.BillingInvoicePaid, recovered.Status)
	assert.Equal(t, failed.Number, recovered.Number)
	assert.Equal(t, models.SubscriptionPastDue, mustUser(t, repo).SubscriptionStatus)

	_, err = r.Apply(ctx, subscriptionEvent(EventSubscriptionUpdated, "sub_7", models.SubscriptionActive))
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionActive, mustUser(t, repo).SubscriptionStatus)
}

func TestApply_PaymentSucceededLeavesActiveAccountAlone(t *testing.T) {
	r, repo, notifier := newReconcilerFixture(t)
	ctx := context.Background()
	repo.AddUser(models.User{
		ID:                 7,
		Name:               "Mario Rossi",
		Email:              "mario@example.com",
		Status:             models.STATUS_ACTIVE,
		SubscriptionStatus: models.SubscriptionPastDue,
		StripeCustomerID:   "cus_7",
	})

	out, err := r.Apply(ctx, paymentEvent(EventPaymentSucceeded, "in_1", 10000))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out.Kind)

	u := mustUser(t, repo)
	assert.Equal(t, models.STATUS_ACTIVE, u.Status)
	assert.Equal(t, models.SubscriptionPastDue, u.SubscriptionStatus)
	assert.Equal(t, int32(0), notifier.calls.Load())

	inv, err := repo.FindBillingInvoiceByStripeID(ctx, "in_1")
	require.NoError(t, err)
	assert.Equal(t, models.BillingInvoicePaid, inv.Status)
}

func TestApply_PaidInvoiceAmountsAreFinal(t *testing.T) {
	r, repo, _ := newReconcilerFixture(t)
	ctx := context.Background()

	_, err := r.Apply(ctx, paymentEvent(EventPaymentSucceeded, "in_1", 10000))
	require.NoError(t, err)
	_, err = r.Apply(ctx, paymentEvent(EventPaymentSucceeded, "in_1", 99900))
	require.NoError(t, err)

	inv, err := repo.FindBillingInvoiceByStripeID(ctx, "in_1")
	require.NoError(t, err)
	assert.Equal(t, "100", inv.Amount.String())

	inv.Total = decimal.NewFromInt(1)
	assert.ErrorIs(t, repo.UpdateBillingInvoice(ctx, inv), ErrStaleRecord)
}

func TestApply_MissingUserIsIncomplete(t *testing.T) {
	r, _, notifier := newReconcilerFixture(t)

	ev := paymentEvent(EventPaymentSucceeded, "in_1", 10000)
	ev.Invoice.CustomerID = "cus_unknown"
	out, err := r.Apply(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIncomplete, out.Kind)
	assert.Equal(t, int32(0), notifier.calls.Load())
}

func TestApply_UnknownTypeIgnored(t *testing.T) {
	r, _, _ := newReconcilerFixture(t)

	out, err := r.Apply(context.Background(), Event{ID: "evt_1", Type: "customer.created"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out.Kind)
}

func TestApply_NotifierFailureDoesNotFailEvent(t *testing.T) {
	r, repo, notifier := newReconcilerFixture(t)
	notifier.err = errors.New("smtp down")

	out, err := r.Apply(context.Background(), paymentEvent(EventPaymentSucceeded, "in_1", 10000))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out.Kind)
	assert.Equal(t, models.STATUS_ACTIVE, mustUser(t, repo).Status)
}

func TestMemoryRepository_MutateUserRetriesOnConflict(t *testing.T) {
	repo := NewMemoryRepository()
	repo.AddUser(models.User{ID: 1, Status: models.STATUS_INACTIVE})

	calls := 0
	u, changed, err := repo.MutateUser(context.Background(), 1, func(u *models.User) (bool, error) {
		calls++
		if calls == 1 {
			repo.BumpUser(1)
		}
		u.Status = models.STATUS_ACTIVE
		return true, nil
	})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 2, calls)
	assert.Equal(t, uint(3), u.Version)

	_, _, err = repo.MutateUser(context.Background(), 1, func(u *models.User) (bool, error) {
		repo.BumpUser(1)
		return true, nil
	})
	assert.ErrorIs(t, err, ErrConcurrentUpdate)
}
