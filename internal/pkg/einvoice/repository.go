package einvoice

import (
	"context"
	"errors"
	"time"

	"github.com/ManuelReschke/TaxDesk/app/models"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/sdistatus"
	"gorm.io/gorm"
)

// StatusUpdate is the outcome of a status sync.
type StatusUpdate struct {
	Status            sdistatus.Status
	NativeStatus      string
	NativeDescription string
	SDIIdentifier     string
	SyncedAt          time.Time
}

// Repository persists transmitted invoices. There is no delete.
type Repository interface {
	Create(ctx context.Context, inv *models.TransmittedInvoice) error
	FindByID(ctx context.Context, userID, id uint) (*models.TransmittedInvoice, error)
	FindByUUID(ctx context.Context, userID uint, uuid string) (*models.TransmittedInvoice, error)
	FindByProviderID(ctx context.Context, userID uint, providerInvoiceID string) (*models.TransmittedInvoice, error)
	FindByIdempotencyKey(ctx context.Context, userID uint, key string) (*models.TransmittedInvoice, error)
	// UpdateStatus applies the update only if inv.Version is still current
	// and bumps the version on success. ErrStaleRecord otherwise.
	UpdateStatus(ctx context.Context, inv *models.TransmittedInvoice, update StatusUpdate) error
	// ListPendingSync returns non-terminal records, least recently synced first.
	ListPendingSync(ctx context.Context, limit int) ([]models.TransmittedInvoice, error)
}

var pendingStatuses = []string{
	string(sdistatus.Submitted),
	string(sdistatus.AcceptedByBroker),
	string(sdistatus.PendingCheck),
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Create(ctx context.Context, inv *models.TransmittedInvoice) error {
	return r.db.WithContext(ctx).Create(inv).Error
}

func (r *gormRepository) first(ctx context.Context, query string, args ...interface{}) (*models.TransmittedInvoice, error) {
	var inv models.TransmittedInvoice
	err := r.db.WithContext(ctx).Where(query, args...).First(&inv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *gormRepository) FindByID(ctx context.Context, userID, id uint) (*models.TransmittedInvoice, error) {
	if userID == 0 {
		return r.first(ctx, "id = ?", id)
	}
	return r.first(ctx, "id = ? AND user_id = ?", id, userID)
}

func (r *gormRepository) FindByUUID(ctx context.Context, userID uint, uuid string) (*models.TransmittedInvoice, error) {
	return r.first(ctx, "uuid = ? AND user_id = ?", uuid, userID)
}

func (r *gormRepository) FindByProviderID(ctx context.Context, userID uint, providerInvoiceID string) (*models.TransmittedInvoice, error) {
	return r.first(ctx, "provider_invoice_id = ? AND user_id = ?", providerInvoiceID, userID)
}

func (r *gormRepository) FindByIdempotencyKey(ctx context.Context, userID uint, key string) (*models.TransmittedInvoice, error) {
	return r.first(ctx, "idempotency_key = ? AND user_id = ?", key, userID)
}

func (r *gormRepository) UpdateStatus(ctx context.Context, inv *models.TransmittedInvoice, update StatusUpdate) error {
	syncedAt := update.SyncedAt
	res := r.db.WithContext(ctx).
		Model(&models.TransmittedInvoice{}).
		Where("id = ? AND version = ?", inv.ID, inv.Version).
		Updates(map[string]interface{}{
			"status":             string(update.Status),
			"native_status":      update.NativeStatus,
			"native_description": update.NativeDescription,
			"sdi_identifier":     update.SDIIdentifier,
			"last_sync_at":       &syncedAt,
			"version":            gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleRecord
	}
	applyUpdate(inv, update)
	return nil
}

func (r *gormRepository) ListPendingSync(ctx context.Context, limit int) ([]models.TransmittedInvoice, error) {
	var out []models.TransmittedInvoice
	err := r.db.WithContext(ctx).
		Where("status IN ?", pendingStatuses).
		Order("last_sync_at IS NOT NULL, last_sync_at ASC, id ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func applyUpdate(inv *models.TransmittedInvoice, update StatusUpdate) {
	syncedAt := update.SyncedAt
	inv.Status = string(update.Status)
	inv.NativeStatus = update.NativeStatus
	inv.NativeDescription = update.NativeDescription
	inv.SDIIdentifier = update.SDIIdentifier
	inv.LastSyncAt = &syncedAt
	inv.Version++
}
