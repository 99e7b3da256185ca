package billing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ManuelReschke/TaxDesk/app/models"
	"gorm.io/gorm"
)

// MemoryRepository is an in-process Repository with the same locking and
// uniqueness rules as the database schema.
type MemoryRepository struct {
	mu            sync.Mutex
	users         map[uint]models.User
	invoices      map[uint]models.BillingInvoice
	events        map[uint]models.BillingWebhookEvent
	nextInvoiceID uint
	nextEventID   uint
	// FailEvents makes the webhook log unavailable.
	FailEvents error
	// FailMutations makes every MutateUser call fail.
	FailMutations error
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:    map[uint]models.User{},
		invoices: map[uint]models.BillingInvoice{},
		events:   map[uint]models.BillingWebhookEvent{},
	}
}

// AddUser stores u as-is, defaulting Version to 1.
func (r *MemoryRepository) AddUser(u models.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u.Version == 0 {
		u.Version = 1
	}
	r.users[u.ID] = u
}

// BumpUser simulates a concurrent writer.
func (r *MemoryRepository) BumpUser(id uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := r.users[id]
	u.Version++
	r.users[id] = u
}

func (r *MemoryRepository) FindUserByID(_ context.Context, id uint) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &u, nil
}

func (r *MemoryRepository) FindUserByCustomerID(_ context.Context, customerID string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if customerID == "" {
		return nil, gorm.ErrRecordNotFound
	}
	for _, u := range r.users {
		if u.StripeCustomerID == customerID {
			out := u
			return &out, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *MemoryRepository) MutateUser(ctx context.Context, userID uint, fn MutateFunc) (*models.User, bool, error) {
	if r.FailMutations != nil {
		return nil, false, r.FailMutations
	}
	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		u, err := r.FindUserByID(ctx, userID)
		if err != nil {
			return nil, false, err
		}
		version := u.Version
		changed, err := fn(u)
		if err != nil {
			return nil, false, err
		}
		if !changed {
			return u, false, nil
		}

		r.mu.Lock()
		current := r.users[userID]
		if current.Version == version {
			u.Version = version + 1
			r.users[userID] = *u
			r.mu.Unlock()
			return u, true, nil
		}
		r.mu.Unlock()
	}
	return nil, false, ErrConcurrentUpdate
}

func (r *MemoryRepository) FindBillingInvoice(_ context.Context, id uint) (*models.BillingInvoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invoices[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &inv, nil
}

func (r *MemoryRepository) FindBillingInvoiceByStripeID(_ context.Context, stripeInvoiceID string) (*models.BillingInvoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inv := range r.invoices {
		if inv.StripeInvoiceID == stripeInvoiceID {
			out := inv
			return &out, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *MemoryRepository) CreateBillingInvoice(_ context.Context, inv *models.BillingInvoice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.invoices {
		if row.StripeInvoiceID == inv.StripeInvoiceID {
			return ErrDuplicateInvoice
		}
	}
	r.nextInvoiceID++
	inv.ID = r.nextInvoiceID
	if inv.Version == 0 {
		inv.Version = 1
	}
	r.invoices[inv.ID] = *inv
	return nil
}

func (r *MemoryRepository) UpdateBillingInvoice(_ context.Context, inv *models.BillingInvoice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.invoices[inv.ID]
	if !ok || row.Version != inv.Version || row.IsPaid() {
		return ErrStaleRecord
	}
	row.Status = inv.Status
	row.Amount = inv.Amount
	row.Tax = inv.Tax
	row.Total = inv.Total
	row.Currency = inv.Currency
	row.PaidAt = inv.PaidAt
	row.PaymentIntentID = inv.PaymentIntentID
	row.Version++
	r.invoices[inv.ID] = row
	inv.Version = row.Version
	return nil
}

func (r *MemoryRepository) SetAdminNote(_ context.Context, id uint, note string) (*models.BillingInvoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.invoices[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	row.AdminNote = note
	r.invoices[id] = row
	return &row, nil
}

func (r *MemoryRepository) ListBillingInvoices(_ context.Context, userID uint) ([]models.BillingInvoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.BillingInvoice
	for _, inv := range r.invoices {
		if inv.UserID == userID {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (r *MemoryRepository) CreateWebhookEventIfNotExists(event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailEvents != nil {
		return false, nil, r.FailEvents
	}
	for _, row := range r.events {
		if row.Provider == event.Provider && row.ProviderEventID == event.ProviderEventID {
			out := row
			return false, &out, nil
		}
	}
	r.nextEventID++
	event.ID = r.nextEventID
	event.CreatedAt = time.Now()
	r.events[event.ID] = *event
	out := *event
	return true, &out, nil
}

func (r *MemoryRepository) MarkWebhookProcessed(id uint, outcome, processingError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailEvents != nil {
		return r.FailEvents
	}
	row, ok := r.events[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	now := time.Now()
	row.ProcessedAt = &now
	row.Outcome = outcome
	row.ProcessingError = processingError
	r.events[id] = row
	return nil
}

// WebhookEvent returns a logged delivery by provider event id.
func (r *MemoryRepository) WebhookEvent(providerEventID string) (models.BillingWebhookEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.events {
		if row.ProviderEventID == providerEventID {
			return row, true
		}
	}
	return models.BillingWebhookEvent{}, false
}
