package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	BillingInvoicePending  = "pending"
	BillingInvoicePaid     = "paid"
	BillingInvoiceFailed   = "failed"
	BillingInvoiceCanceled = "canceled"
)

// BillingInvoice is a subscription invoice the service issued to one of its
// own users. Once paid only AdminNote may change.
type BillingInvoice struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	UserID          uint            `gorm:"not null;index" json:"user_id"`
	Number          string          `gorm:"type:varchar(20);uniqueIndex" json:"number"`
	Amount          decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"amount"`
	Tax             decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"tax"`
	Total           decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"total"`
	Currency        string          `gorm:"type:varchar(3);not null;default:'EUR'" json:"currency"`
	Status          string          `gorm:"type:varchar(20);not null;index" json:"status"`
	IssuedAt        time.Time       `gorm:"not null" json:"issued_at"`
	PaidAt          *time.Time      `gorm:"type:timestamp;default:null" json:"paid_at"`
	PaymentIntentID string          `gorm:"type:varchar(191)" json:"payment_intent_id"`
	StripeInvoiceID string          `gorm:"type:varchar(191);uniqueIndex" json:"stripe_invoice_id"`
	AdminNote       string          `gorm:"type:text" json:"admin_note"`
	Version         uint            `gorm:"not null;default:1" json:"-"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (bi *BillingInvoice) IsPaid() bool {
	return bi.Status == BillingInvoicePaid
}
