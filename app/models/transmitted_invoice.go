package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	PayloadFormatXML  = "xml"
	PayloadFormatJSON = "json"
)

// TransmittedInvoice is the local record of an invoice handed to a gateway.
// Records are never deleted.
type TransmittedInvoice struct {
	ID                uint            `gorm:"primaryKey" json:"id"`
	UUID              string          `gorm:"type:char(36);uniqueIndex" json:"uuid"`
	UserID            uint            `gorm:"not null;index;index:ux_transmitted_invoices_user_progressive,unique,priority:1;index:ux_transmitted_invoices_user_idempotency,unique,priority:1" json:"user_id"`
	Provider          string          `gorm:"type:varchar(50);not null;index:ux_transmitted_invoices_provider_ref,unique,priority:1" json:"provider"`
	ProviderInvoiceID string          `gorm:"type:varchar(191);not null;index:ux_transmitted_invoices_provider_ref,unique,priority:2" json:"provider_invoice_id"`
	InvoiceNumber     string          `gorm:"type:varchar(50);not null;index" json:"invoice_number"`
	DocumentDate      time.Time       `gorm:"type:date;not null" json:"document_date"`
	ProgressivoInvio  string          `gorm:"type:varchar(32);not null;index:ux_transmitted_invoices_user_progressive,unique,priority:2" json:"progressivo_invio"`
	FileName          string          `gorm:"type:varchar(100)" json:"file_name"`
	IdempotencyKey    *string         `gorm:"type:varchar(191);index:ux_transmitted_invoices_user_idempotency,unique,priority:2" json:"-"`
	Payload           string          `gorm:"type:longtext;not null" json:"-"`
	PayloadFormat     string          `gorm:"type:varchar(10);not null;default:'xml'" json:"payload_format"`
	NetTotal          decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"net_total"`
	TaxTotal          decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"tax_total"`
	GrossTotal        decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"gross_total"`
	Status            string          `gorm:"type:varchar(30);not null;index" json:"status"`
	NativeStatus      string          `gorm:"type:varchar(100)" json:"native_status"`
	NativeDescription string          `gorm:"type:text" json:"native_description"`
	SDIIdentifier     string          `gorm:"type:varchar(50)" json:"sdi_identifier"`
	ArchiveKey        string          `gorm:"type:varchar(255)" json:"-"`
	LastSyncAt        *time.Time      `gorm:"type:timestamp;default:null" json:"last_sync_at"`
	Version           uint            `gorm:"not null;default:1" json:"-"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ti *TransmittedInvoice) BeforeCreate(tx *gorm.DB) error {
	if ti.UUID == "" {
		ti.UUID = uuid.NewString()
	}
	if ti.Version == 0 {
		ti.Version = 1
	}
	return nil
}
