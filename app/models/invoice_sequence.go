package models

import "time"

// InvoiceSequence holds the last issued value of a numbering scope
// (e.g. "invoice:2024" or a transmission attempt counter).
type InvoiceSequence struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Scope     string    `gorm:"type:varchar(191);not null;uniqueIndex" json:"scope"`
	LastValue int64     `gorm:"not null;default:0" json:"last_value"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
