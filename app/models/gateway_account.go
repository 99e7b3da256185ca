package models

import "time"

// GatewayAccount links a seller VAT number to the tenant/company record a
// gateway provider created for it.
type GatewayAccount struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Provider   string    `gorm:"index:ux_gateway_accounts_provider_vat,unique,priority:1;type:varchar(50)" json:"provider"`
	VATNumber  string    `gorm:"index:ux_gateway_accounts_provider_vat,unique,priority:2;type:varchar(32)" json:"vat_number"`
	ExternalID string    `gorm:"type:varchar(191);not null" json:"external_id"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
