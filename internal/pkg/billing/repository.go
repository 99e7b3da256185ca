package billing

import (
	"context"
	"errors"
	"time"

	"github.com/ManuelReschke/TaxDesk/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxMutateAttempts = 5

var (
	// ErrStaleRecord means a conditional update matched no row because the
	// version moved or the invoice was already paid.
	ErrStaleRecord = errors.New("billing record changed concurrently")
	// ErrDuplicateInvoice is returned when another writer created the billing
	// invoice for the same processor invoice first.
	ErrDuplicateInvoice = errors.New("billing invoice already exists")
	// ErrConcurrentUpdate is returned when MutateUser runs out of attempts.
	ErrConcurrentUpdate = errors.New("user changed concurrently, giving up")
)

// MutateFunc edits a freshly loaded user and reports whether anything changed.
// It may run more than once and must not have side effects.
type MutateFunc func(u *models.User) (bool, error)

// Repository provides DB operations used by the billing service.
type Repository interface {
	FindUserByID(ctx context.Context, id uint) (*models.User, error)
	FindUserByCustomerID(ctx context.Context, customerID string) (*models.User, error)
	// MutateUser applies fn with optimistic locking, reloading and retrying on
	// version conflicts.
	MutateUser(ctx context.Context, userID uint, fn MutateFunc) (*models.User, bool, error)

	FindBillingInvoice(ctx context.Context, id uint) (*models.BillingInvoice, error)
	FindBillingInvoiceByStripeID(ctx context.Context, stripeInvoiceID string) (*models.BillingInvoice, error)
	CreateBillingInvoice(ctx context.Context, inv *models.BillingInvoice) error
	// UpdateBillingInvoice writes status and amounts if inv.Version is still
	// current and the stored row is not paid.
	UpdateBillingInvoice(ctx context.Context, inv *models.BillingInvoice) error
	SetAdminNote(ctx context.Context, id uint, note string) (*models.BillingInvoice, error)
	ListBillingInvoices(ctx context.Context, userID uint) ([]models.BillingInvoice, error)

	CreateWebhookEventIfNotExists(event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error)
	MarkWebhookProcessed(id uint, outcome, processingError string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) FindUserByID(ctx context.Context, id uint) (*models.User, error) {
	var u models.User
	if err := r.db.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *gormRepository) FindUserByCustomerID(ctx context.Context, customerID string) (*models.User, error) {
	var u models.User
	if customerID == "" {
		return nil, gorm.ErrRecordNotFound
	}
	if err := r.db.WithContext(ctx).Where("stripe_customer_id = ?", customerID).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *gormRepository) MutateUser(ctx context.Context, userID uint, fn MutateFunc) (*models.User, bool, error) {
	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		var u models.User
		if err := r.db.WithContext(ctx).First(&u, userID).Error; err != nil {
			return nil, false, err
		}
		version := u.Version
		changed, err := fn(&u)
		if err != nil {
			return nil, false, err
		}
		if !changed {
			return &u, false, nil
		}

		tx := r.db.WithContext(ctx).Model(&models.User{}).
			Where("id = ? AND version = ?", u.ID, version).
			Updates(map[string]interface{}{
				"status":                 u.Status,
				"stripe_customer_id":     u.StripeCustomerID,
				"stripe_subscription_id": u.StripeSubscriptionID,
				"subscription_status":    u.SubscriptionStatus,
				"current_period_start":   u.CurrentPeriodStart,
				"current_period_end":     u.CurrentPeriodEnd,
				"cancel_at_period_end":   u.CancelAtPeriodEnd,
				"version":                gorm.Expr("version + 1"),
			})
		if tx.Error != nil {
			return nil, false, tx.Error
		}
		if tx.RowsAffected == 1 {
			u.Version = version + 1
			return &u, true, nil
		}
	}
	return nil, false, ErrConcurrentUpdate
}

func (r *gormRepository) FindBillingInvoice(ctx context.Context, id uint) (*models.BillingInvoice, error) {
	var inv models.BillingInvoice
	if err := r.db.WithContext(ctx).First(&inv, id).Error; err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *gormRepository) FindBillingInvoiceByStripeID(ctx context.Context, stripeInvoiceID string) (*models.BillingInvoice, error) {
	var inv models.BillingInvoice
	err := r.db.WithContext(ctx).Where("stripe_invoice_id = ?", stripeInvoiceID).First(&inv).Error
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *gormRepository) CreateBillingInvoice(ctx context.Context, inv *models.BillingInvoice) error {
	if inv.Version == 0 {
		inv.Version = 1
	}
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "stripe_invoice_id"}},
		DoNothing: true,
	}).Create(inv)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrDuplicateInvoice
	}
	return nil
}

func (r *gormRepository) UpdateBillingInvoice(ctx context.Context, inv *models.BillingInvoice) error {
	tx := r.db.WithContext(ctx).Model(&models.BillingInvoice{}).
		Where("id = ? AND version = ? AND status <> ?", inv.ID, inv.Version, models.BillingInvoicePaid).
		Updates(map[string]interface{}{
			"status":            inv.Status,
			"amount":            inv.Amount,
			"tax":               inv.Tax,
			"total":             inv.Total,
			"currency":          inv.Currency,
			"paid_at":           inv.PaidAt,
			"payment_intent_id": inv.PaymentIntentID,
			"version":           gorm.Expr("version + 1"),
		})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrStaleRecord
	}
	inv.Version++
	return nil
}

func (r *gormRepository) SetAdminNote(ctx context.Context, id uint, note string) (*models.BillingInvoice, error) {
	inv, err := r.FindBillingInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.db.WithContext(ctx).Model(inv).Update("admin_note", note).Error; err != nil {
		return nil, err
	}
	inv.AdminNote = note
	return inv, nil
}

func (r *gormRepository) ListBillingInvoices(ctx context.Context, userID uint) ([]models.BillingInvoice, error) {
	var invoices []models.BillingInvoice
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("issued_at DESC, id DESC").Find(&invoices).Error
	return invoices, err
}

func (r *gormRepository) CreateWebhookEventIfNotExists(event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.BillingWebhookEvent
	if err := r.db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(id uint, outcome, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"outcome":          outcome,
		"processing_error": processingError,
	}
	return r.db.Model(&models.BillingWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}
