package repository

import (
	"time"

	"gorm.io/gorm"

	"github.com/ManuelReschke/TaxDesk/app/models"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/billing"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/einvoice"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/gateway"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/sequence"
)

// UserRepository covers accounts, seller profiles and API key lookups.
type UserRepository interface {
	Create(user *models.User) error
	GetByID(id uint) (*models.User, error)
	GetByEmail(email string) (*models.User, error)
	GetByAPIKeyHash(hash string) (*models.User, *models.UserSettings, error)
	GetSettings(userID uint) (*models.UserSettings, error)
	SaveSettings(us *models.UserSettings) error
	TouchAPIKeyUsage(settingsID uint, at time.Time) error
}

// Repositories groups every GORM-backed store of the service.
type Repositories struct {
	User      UserRepository
	Invoices  einvoice.Repository
	Billing   billing.Repository
	Sequences sequence.Store
	Tenants   gateway.TenantStore
}

func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		User:      NewUserRepository(db),
		Invoices:  einvoice.NewRepository(db),
		Billing:   billing.NewRepository(db),
		Sequences: sequence.NewGormStore(db),
		Tenants:   gateway.NewGormTenantStore(db),
	}
}
