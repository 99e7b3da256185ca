package einvoice

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ManuelReschke/TaxDesk/app/models"
	"github.com/google/uuid"
)

// MemoryRepository is an in-process Repository with the same uniqueness
// rules as the database schema.
type MemoryRepository struct {
	mu     sync.Mutex
	nextID uint
	rows   map[uint]models.TransmittedInvoice
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rows: map[uint]models.TransmittedInvoice{}}
}

func (r *MemoryRepository) Create(_ context.Context, inv *models.TransmittedInvoice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.Provider == inv.Provider && row.ProviderInvoiceID == inv.ProviderInvoiceID {
			return fmt.Errorf("duplicate provider invoice id %s", inv.ProviderInvoiceID)
		}
		if row.UserID == inv.UserID && row.ProgressivoInvio == inv.ProgressivoInvio {
			return fmt.Errorf("duplicate progressivo %s", inv.ProgressivoInvio)
		}
		if row.UserID == inv.UserID && inv.IdempotencyKey != nil && row.IdempotencyKey != nil && *row.IdempotencyKey == *inv.IdempotencyKey {
			return fmt.Errorf("duplicate idempotency key")
		}
	}
	r.nextID++
	inv.ID = r.nextID
	if inv.UUID == "" {
		inv.UUID = uuid.NewString()
	}
	if inv.Version == 0 {
		inv.Version = 1
	}
	r.rows[inv.ID] = *inv
	return nil
}

func (r *MemoryRepository) find(match func(models.TransmittedInvoice) bool) (*models.TransmittedInvoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if match(row) {
			out := row
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepository) FindByID(_ context.Context, userID, id uint) (*models.TransmittedInvoice, error) {
	return r.find(func(row models.TransmittedInvoice) bool {
		return row.ID == id && (userID == 0 || row.UserID == userID)
	})
}

func (r *MemoryRepository) FindByUUID(_ context.Context, userID uint, id string) (*models.TransmittedInvoice, error) {
	return r.find(func(row models.TransmittedInvoice) bool { return row.UUID == id && row.UserID == userID })
}

func (r *MemoryRepository) FindByProviderID(_ context.Context, userID uint, providerInvoiceID string) (*models.TransmittedInvoice, error) {
	return r.find(func(row models.TransmittedInvoice) bool {
		return row.ProviderInvoiceID == providerInvoiceID && row.UserID == userID
	})
}

func (r *MemoryRepository) FindByIdempotencyKey(_ context.Context, userID uint, key string) (*models.TransmittedInvoice, error) {
	return r.find(func(row models.TransmittedInvoice) bool {
		return row.IdempotencyKey != nil && *row.IdempotencyKey == key && row.UserID == userID
	})
}

func (r *MemoryRepository) UpdateStatus(_ context.Context, inv *models.TransmittedInvoice, update StatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[inv.ID]
	if !ok {
		return ErrNotFound
	}
	if row.Version != inv.Version {
		return ErrStaleRecord
	}
	applyUpdate(&row, update)
	r.rows[inv.ID] = row
	applyUpdate(inv, update)
	return nil
}

func (r *MemoryRepository) ListPendingSync(_ context.Context, limit int) ([]models.TransmittedInvoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.TransmittedInvoice
	for _, row := range r.rows {
		for _, s := range pendingStatuses {
			if row.Status == s {
				out = append(out, row)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastSyncAt, out[j].LastSyncAt
		switch {
		case a == nil && b != nil:
			return true
		case a != nil && b == nil:
			return false
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len reports the number of stored records.
func (r *MemoryRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

// Bump simulates a concurrent writer by advancing a record's version.
func (r *MemoryRepository) Bump(id uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row := r.rows[id]
	row.Version++
	r.rows[id] = row
}
