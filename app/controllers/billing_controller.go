package controllers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/TaxDesk/app/models"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/billing"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/usercontext"
)

const webhookTimeout = 15 * time.Second

// BillingController receives processor webhooks and serves billing reads.
type BillingController struct {
	billing       *billing.Service
	reconciler    *billing.Reconciler
	counters      counter.Recorder
	webhookSecret string
}

func NewBillingController(svc *billing.Service, reconciler *billing.Reconciler, counters counter.Recorder, webhookSecret string) *BillingController {
	if counters == nil {
		counters = counter.Nop{}
	}
	return &BillingController{billing: svc, reconciler: reconciler, counters: counters, webhookSecret: webhookSecret}
}

// HandleStripeWebhook verifies, logs and reconciles one Stripe delivery.
// Every verified delivery is acknowledged with 200 once it is logged,
// including ones that fail to decode or apply; only a missing or invalid
// signature or an unavailable event log answers non-2xx.
func (bc *BillingController) HandleStripeWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := strings.TrimSpace(c.Get("Stripe-Signature"))

	ctx, cancel := requestContext(c, webhookTimeout)
	defer cancel()

	stripeEvent, err := billing.VerifyStripeEvent(rawBody, signature, bc.webhookSecret)
	if err != nil {
		if errors.Is(err, billing.ErrMissingSignature) {
			return jsonError(c, fiber.StatusBadRequest, "missing_signature", "Stripe-Signature header is required")
		}
		log.Warnf("[Billing] Rejected webhook: %v", err)
		bc.counters.Incr(ctx, counter.Key("webhook", "invalid_signature"))
		return jsonError(c, fiber.StatusUnauthorized, "invalid_signature", "Webhook signature verification failed")
	}

	created, stored, err := bc.billing.RecordWebhookEvent(ctx, billing.WebhookEventInput{
		Provider:        models.WebhookProviderStripe,
		ProviderEventID: stripeEvent.ID,
		EventType:       string(stripeEvent.Type),
		PayloadJSON:     string(rawBody),
		SignatureValid:  true,
	})
	if err != nil {
		log.Errorf("[Billing] Could not log webhook %s: %v", stripeEvent.ID, err)
		return jsonError(c, fiber.StatusInternalServerError, "webhook_persist_failed", "Webhook could not be recorded")
	}
	if !created && stored.Handled() {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"received": true, "duplicate": true})
	}

	event, err := billing.ParseEvent(stripeEvent)
	if err != nil {
		return bc.acknowledgeFailure(ctx, c, stored.ID, stripeEvent.ID, string(stripeEvent.Type), err)
	}

	outcome, err := bc.reconciler.Apply(ctx, event)
	if err != nil {
		return bc.acknowledgeFailure(ctx, c, stored.ID, event.ID, event.Type, err)
	}

	bc.markProcessed(ctx, stored.ID, outcome.Kind, nil)
	bc.counters.Incr(ctx, counter.Key("webhook", string(outcome.Kind)))
	if outcome.Kind == billing.OutcomeIncomplete {
		log.Warnf("[Billing] Event %s (%s) left incomplete: %s", event.ID, event.Type, outcome.Reason)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"received": true, "outcome": outcome.Kind})
}

// acknowledgeFailure records a verified delivery that could not be decoded
// or applied. The row keeps the error for manual replay and Stripe gets a 2xx,
// since redelivering the same payload cannot succeed.
func (bc *BillingController) acknowledgeFailure(ctx context.Context, c *fiber.Ctx, rowID uint, eventID, eventType string, procErr error) error {
	log.Errorw("[Billing] Webhook processing failed", "event_id", eventID, "type", eventType, "error", procErr)
	bc.markProcessed(ctx, rowID, billing.OutcomeFailed, procErr)
	bc.counters.Incr(ctx, counter.Key("webhook", string(billing.OutcomeFailed)))
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"received": true, "outcome": billing.OutcomeFailed})
}

func (bc *BillingController) markProcessed(ctx context.Context, id uint, kind billing.OutcomeKind, procErr error) {
	if err := bc.billing.MarkWebhookProcessed(ctx, id, kind, procErr); err != nil {
		log.Warnf("[Billing] Could not mark webhook event %d processed: %v", id, err)
	}
}

// HandleGetBillingState returns the subscription view of the caller.
func (bc *BillingController) HandleGetBillingState(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c, webhookTimeout)
	defer cancel()

	state, err := bc.billing.State(ctx, usercontext.GetUserID(c))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return jsonError(c, fiber.StatusNotFound, "not_found", "User not found")
		}
		log.Errorf("[Billing] Loading billing state failed: %v", err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to load billing state")
	}
	return c.JSON(state)
}

// HandleListBillingInvoices lists the invoices issued to the caller.
func (bc *BillingController) HandleListBillingInvoices(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c, webhookTimeout)
	defer cancel()

	invoices, err := bc.billing.ListInvoices(ctx, usercontext.GetUserID(c))
	if err != nil {
		log.Errorf("[Billing] Listing invoices failed: %v", err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to load invoices")
	}
	if invoices == nil {
		invoices = []models.BillingInvoice{}
	}
	return c.JSON(fiber.Map{"invoices": invoices})
}

type adminNoteRequest struct {
	AdminNote string `json:"admin_note" validate:"max=2000"`
}

// HandleSetAdminNote edits the internal note of a billing invoice.
func (bc *BillingController) HandleSetAdminNote(c *fiber.Ctx) error {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return jsonError(c, fiber.StatusBadRequest, "invalid_id", "Invoice id must be a positive integer")
	}
	var req adminNoteRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_body", "Request body must be JSON")
	}
	if errs := validateRequest(req); len(errs) > 0 {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "validation_failed", "errors": errs})
	}

	ctx, cancel := requestContext(c, webhookTimeout)
	defer cancel()

	inv, err := bc.billing.SetAdminNote(ctx, id, req.AdminNote)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return jsonError(c, fiber.StatusNotFound, "not_found", "Invoice not found")
		}
		log.Errorf("[Billing] Setting note on invoice %d failed: %v", id, err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to save note")
	}
	return c.JSON(inv)
}
