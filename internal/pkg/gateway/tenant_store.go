package gateway

import (
	"context"
	"errors"
	"sync"

	"github.com/ManuelReschke/TaxDesk/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TenantStore remembers provider-side company IDs per seller VAT number.
type TenantStore interface {
	Get(ctx context.Context, provider, vatNumber string) (string, bool, error)
	Put(ctx context.Context, provider, vatNumber, externalID string) error
}

type memoryTenantStore struct {
	mu  sync.RWMutex
	ids map[string]string
}

func NewMemoryTenantStore() TenantStore {
	return &memoryTenantStore{ids: map[string]string{}}
}

func (s *memoryTenantStore) Get(_ context.Context, provider, vatNumber string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.ids[provider+"|"+vatNumber]
	return id, ok, nil
}

func (s *memoryTenantStore) Put(_ context.Context, provider, vatNumber, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[provider+"|"+vatNumber] = externalID
	return nil
}

type gormTenantStore struct {
	db *gorm.DB
}

func NewGormTenantStore(db *gorm.DB) TenantStore {
	return &gormTenantStore{db: db}
}

func (s *gormTenantStore) Get(ctx context.Context, provider, vatNumber string) (string, bool, error) {
	var acc models.GatewayAccount
	err := s.db.WithContext(ctx).
		Where("provider = ? AND vat_number = ?", provider, vatNumber).
		First(&acc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return acc.ExternalID, true, nil
}

func (s *gormTenantStore) Put(ctx context.Context, provider, vatNumber, externalID string) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}, {Name: "vat_number"}},
		DoUpdates: clause.AssignmentColumns([]string{"external_id", "updated_at"}),
	}).Create(&models.GatewayAccount{
		Provider:   provider,
		VATNumber:  vatNumber,
		ExternalID: externalID,
	}).Error
}
