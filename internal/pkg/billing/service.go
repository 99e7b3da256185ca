// Package billing keeps the subscription state of TaxDesk accounts in step
// with the payment processor and records the invoices issued to them.
package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/ManuelReschke/TaxDesk/app/models"
)

// Service exposes the webhook event log and the account-facing billing reads.
type Service struct {
	repo Repository
}

// NewService creates a billing service from an injected repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// RecordWebhookEvent persists webhook payloads idempotently. The bool is true
// when this delivery was seen for the first time.
func (s *Service) RecordWebhookEvent(ctx context.Context, in WebhookEventInput) (bool, *models.BillingWebhookEvent, error) {
	_ = ctx
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if provider == "" {
		return false, nil, errors.New("provider is required")
	}
	eventID := strings.TrimSpace(in.ProviderEventID)
	if eventID == "" {
		sum := sha256.Sum256([]byte(in.PayloadJSON))
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}

	event := &models.BillingWebhookEvent{
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       strings.TrimSpace(in.EventType),
		PayloadJSON:     in.PayloadJSON,
		SignatureValid:  in.SignatureValid,
	}
	return s.repo.CreateWebhookEventIfNotExists(event)
}

// MarkWebhookProcessed stores the outcome of an event and an optional error.
func (s *Service) MarkWebhookProcessed(ctx context.Context, webhookEventID uint, outcome OutcomeKind, processingErr error) error {
	_ = ctx
	if webhookEventID == 0 {
		return errors.New("webhook_event_id is required")
	}
	errMsg := ""
	if processingErr != nil {
		errMsg = processingErr.Error()
	}
	return s.repo.MarkWebhookProcessed(webhookEventID, string(outcome), errMsg)
}

// State returns the subscription view of one account.
func (s *Service) State(ctx context.Context, userID uint) (*BillingState, error) {
	u, err := s.repo.FindUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &BillingState{
		UserID:               u.ID,
		Status:               u.Status,
		SubscriptionStatus:   u.SubscriptionStatus,
		StripeCustomerID:     u.StripeCustomerID,
		StripeSubscriptionID: u.StripeSubscriptionID,
		CurrentPeriodStart:   u.CurrentPeriodStart,
		CurrentPeriodEnd:     u.CurrentPeriodEnd,
		CancelAtPeriodEnd:    u.CancelAtPeriodEnd,
	}, nil
}

func (s *Service) ListInvoices(ctx context.Context, userID uint) ([]models.BillingInvoice, error) {
	return s.repo.ListBillingInvoices(ctx, userID)
}

// SetAdminNote edits the note of a billing invoice. It is the only change a
// paid invoice accepts.
func (s *Service) SetAdminNote(ctx context.Context, invoiceID uint, note string) (*models.BillingInvoice, error) {
	if invoiceID == 0 {
		return nil, errors.New("invoice id is required")
	}
	return s.repo.SetAdminNote(ctx, invoiceID, strings.TrimSpace(note))
}
