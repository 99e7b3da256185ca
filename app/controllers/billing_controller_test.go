package controllers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/TaxDesk/app/models"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/billing"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/sequence"
)

const webhookSecret = "whsec_controller_test"

type billingFixture struct {
	app      *fiber.App
	repo     *billing.MemoryRepository
	counters *counter.MemoryCounter
}

func newBillingFixture(t *testing.T) *billingFixture {
	t.Helper()
	repo := billing.NewMemoryRepository()
	repo.AddUser(models.User{
		ID:                 7,
		Name:               "Mario Rossi",
		Email:              "mario@example.com",
		Status:             models.STATUS_INACTIVE,
		SubscriptionStatus: models.SubscriptionPendingPayment,
		StripeCustomerID:   "cus_7",
	})
	counters := counter.NewMemoryCounter()
	reconciler := billing.NewReconciler(repo, sequence.NewNumberer(sequence.NewMemoryStore()), nil)
	bc := NewBillingController(billing.NewService(repo), reconciler, counters, webhookSecret)

	app := fiber.New()
	app.Post("/webhooks/stripe", bc.HandleStripeWebhook)
	app.Get("/api/v1/account/billing", asUser(7, false), bc.HandleGetBillingState)
	app.Get("/api/v1/billing/invoices", asUser(7, false), bc.HandleListBillingInvoices)
	app.Patch("/api/v1/billing/invoices/:id/note", asUser(1, true), bc.HandleSetAdminNote)

	return &billingFixture{app: app, repo: repo, counters: counters}
}

func stripeSignature(payload []byte, secret string) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.", ts)))
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func stripePayload(t *testing.T, id, typ string, object map[string]interface{}) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"id":          id,
		"object":      "event",
		"type":        typ,
		"created":     1714557600,
		"api_version": "2020-08-27",
		"data":        map[string]interface{}{"object": object},
	})
	require.NoError(t, err)
	return body
}

func paymentPayload(t *testing.T, eventID, invoiceID string) []byte {
	return stripePayload(t, eventID, billing.EventPaymentSucceeded, map[string]interface{}{
		"id":             invoiceID,
		"object":         "invoice",
		"customer":       "cus_7",
		"subscription":   "sub_7",
		"payment_intent": "pi_" + invoiceID,
		"currency":       "eur",
		"subtotal":       1000,
		"total":          1220,
		"created":        1714557600,
	})
}

func (f *billingFixture) deliver(t *testing.T, payload []byte, signature string) (int, map[string]interface{}) {
	t.Helper()
	headers := map[string]string{}
	if signature != "" {
		headers["Stripe-Signature"] = signature
	}
	resp, body := doJSON(t, f.app, fiber.MethodPost, "/webhooks/stripe", payload, headers)
	return resp.StatusCode, body
}

func TestStripeWebhook_Signature(t *testing.T) {
	f := newBillingFixture(t)
	payload := paymentPayload(t, "evt_1", "in_1")

	status, _ := f.deliver(t, payload, "")
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, body := f.deliver(t, payload, stripeSignature(payload, "whsec_wrong"))
	assert.Equal(t, fiber.StatusUnauthorized, status)
	assert.Equal(t, "invalid_signature", body["error"])
	assert.Equal(t, int64(1), f.counters.Get("webhook:invalid_signature"))

	_, logged := f.repo.WebhookEvent("evt_1")
	assert.False(t, logged)
	u, err := f.repo.FindUserByID(t.Context(), 7)
	require.NoError(t, err)
	assert.Equal(t, models.STATUS_INACTIVE, u.Status)
}

func TestStripeWebhook_PaymentActivatesAndDeduplicates(t *testing.T) {
	f := newBillingFixture(t)
	payload := paymentPayload(t, "evt_pay", "in_1")

	status, body := f.deliver(t, payload, stripeSignature(payload, webhookSecret))
	require.Equal(t, fiber.StatusOK, status, body)
	assert.Equal(t, string(billing.OutcomeApplied), body["outcome"])
	assert.Equal(t, true, body["received"])

	u, err := f.repo.FindUserByID(t.Context(), 7)
	require.NoError(t, err)
	assert.Equal(t, models.STATUS_ACTIVE, u.Status)
	assert.Equal(t, models.SubscriptionActive, u.SubscriptionStatus)

	row, ok := f.repo.WebhookEvent("evt_pay")
	require.True(t, ok)
	assert.True(t, row.Processed())
	assert.Equal(t, string(billing.OutcomeApplied), row.Outcome)

	status, body = f.deliver(t, payload, stripeSignature(payload, webhookSecret))
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["duplicate"])
	assert.Equal(t, int64(1), f.counters.Get("webhook:applied"))

	resp, list := doJSON(t, f.app, fiber.MethodGet, "/api/v1/billing/invoices", nil, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	invoices := list["invoices"].([]interface{})
	require.Len(t, invoices, 1)
	assert.Equal(t, "INV-2024-0001", invoices[0].(map[string]interface{})["number"])
}

func TestStripeWebhook_AcknowledgesWhatItCannotApply(t *testing.T) {
	f := newBillingFixture(t)

	unknown := stripePayload(t, "evt_cust", "customer.created", map[string]interface{}{"id": "cus_1", "object": "customer"})
	status, body := f.deliver(t, unknown, stripeSignature(unknown, webhookSecret))
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, string(billing.OutcomeIgnored), body["outcome"])

	orphan := stripePayload(t, "evt_orphan", billing.EventSubscriptionUpdated, map[string]interface{}{
		"id": "sub_x", "object": "subscription", "customer": "cus_unknown", "status": "active",
	})
	status, body = f.deliver(t, orphan, stripeSignature(orphan, webhookSecret))
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, string(billing.OutcomeIncomplete), body["outcome"])
	assert.Equal(t, int64(1), f.counters.Get("webhook:incomplete"))
}

func TestStripeWebhook_EventLogUnavailable(t *testing.T) {
	f := newBillingFixture(t)
	f.repo.FailEvents = errors.New("db down")
	payload := paymentPayload(t, "evt_down", "in_9")

	status, _ := f.deliver(t, payload, stripeSignature(payload, webhookSecret))
	assert.Equal(t, fiber.StatusInternalServerError, status)

	u, err := f.repo.FindUserByID(t.Context(), 7)
	require.NoError(t, err)
	assert.Equal(t, models.STATUS_INACTIVE, u.Status)
}

func TestStripeWebhook_UndecodableEventIsAcknowledgedAsFailed(t *testing.T) {
	f := newBillingFixture(t)
	payload := stripePayload(t, "evt_bad", billing.EventSubscriptionUpdated, map[string]interface{}{
		"id": "sub_7", "object": "subscription", "customer": "cus_7", "status": 42,
	})

	status, body := f.deliver(t, payload, stripeSignature(payload, webhookSecret))
	require.Equal(t, fiber.StatusOK, status, body)
	assert.Equal(t, true, body["received"])
	assert.Equal(t, string(billing.OutcomeFailed), body["outcome"])
	assert.Equal(t, int64(1), f.counters.Get("webhook:failed"))

	row, ok := f.repo.WebhookEvent("evt_bad")
	require.True(t, ok)
	assert.True(t, row.Handled())
	assert.False(t, row.Processed())
	assert.Equal(t, string(billing.OutcomeFailed), row.Outcome)
	assert.Contains(t, row.ProcessingError, "decode subscription")

	u, err := f.repo.FindUserByID(t.Context(), 7)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionPendingPayment, u.SubscriptionStatus)
}

func TestStripeWebhook_ApplyErrorIsAcknowledgedAsFailed(t *testing.T) {
	f := newBillingFixture(t)
	f.repo.FailMutations = errors.New("deadlock found")
	payload := paymentPayload(t, "evt_fail", "in_5")

	status, body := f.deliver(t, payload, stripeSignature(payload, webhookSecret))
	require.Equal(t, fiber.StatusOK, status, body)
	assert.Equal(t, true, body["received"])
	assert.Equal(t, string(billing.OutcomeFailed), body["outcome"])

	row, ok := f.repo.WebhookEvent("evt_fail")
	require.True(t, ok)
	assert.Equal(t, string(billing.OutcomeFailed), row.Outcome)
	assert.Contains(t, row.ProcessingError, "deadlock found")

	// a redelivery is not reconciled again once the failure is recorded
	f.repo.FailMutations = nil
	status, body = f.deliver(t, payload, stripeSignature(payload, webhookSecret))
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["duplicate"])
	assert.Equal(t, int64(1), f.counters.Get("webhook:failed"))

	u, err := f.repo.FindUserByID(t.Context(), 7)
	require.NoError(t, err)
	assert.Equal(t, models.STATUS_INACTIVE, u.Status)
}

func TestBillingController_StateAndAdminNote(t *testing.T) {
	f := newBillingFixture(t)
	payload := paymentPayload(t, "evt_pay", "in_1")
	status, _ := f.deliver(t, payload, stripeSignature(payload, webhookSecret))
	require.Equal(t, fiber.StatusOK, status)

	resp, state := doJSON(t, f.app, fiber.MethodGet, "/api/v1/account/billing", nil, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, models.STATUS_ACTIVE, state["status"])
	assert.Equal(t, models.SubscriptionActive, state["subscription_status"])

	inv, err := f.repo.FindBillingInvoiceByStripeID(t.Context(), "in_1")
	require.NoError(t, err)
	path := fmt.Sprintf("/api/v1/billing/invoices/%d/note", inv.ID)

	resp, updated := doJSON(t, f.app, fiber.MethodPatch, path, map[string]string{"admin_note": "  refund requested  "}, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "refund requested", updated["admin_note"])

	resp, _ = doJSON(t, f.app, fiber.MethodPatch, "/api/v1/billing/invoices/999/note", map[string]string{"admin_note": "x"}, nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp, _ = doJSON(t, f.app, fiber.MethodPatch, "/api/v1/billing/invoices/abc/note", map[string]string{"admin_note": "x"}, nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}
