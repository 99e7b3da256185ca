package sequence

import (
	"context"

	"github.com/ManuelReschke/TaxDesk/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type gormStore struct {
	db *gorm.DB
}

// NewGormStore keeps counters in the invoice_sequences table. The increment
// and the read happen in one transaction under a row lock.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) Next(ctx context.Context, scope string) (int64, error) {
	var value int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := &models.InvoiceSequence{Scope: scope, LastValue: 1}
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "scope"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"last_value": gorm.Expr("last_value + 1"),
			}),
		}).Create(row).Error; err != nil {
			return err
		}

		var stored models.InvoiceSequence
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("scope = ?", scope).
			First(&stored).Error; err != nil {
			return err
		}
		value = stored.LastValue
		return nil
	})
	return value, err
}
