package models

import "time"

const WebhookProviderStripe = "stripe"

// BillingWebhookEvent logs every verified payment processor delivery. The
// (provider, provider_event_id) pair is unique so redeliveries are detected.
type BillingWebhookEvent struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	Provider        string     `gorm:"type:varchar(20);not null;index:ux_billing_webhook_events_provider_event,unique,priority:1;index" json:"provider"`
	ProviderEventID string     `gorm:"type:varchar(191);not null;default:'';index:ux_billing_webhook_events_provider_event,unique,priority:2" json:"provider_event_id"`
	EventType       string     `gorm:"type:varchar(100);not null;index" json:"event_type"`
	PayloadJSON     string     `gorm:"type:longtext;not null" json:"-"`
	SignatureValid  bool       `gorm:"default:false;index" json:"signature_valid"`
	Outcome         string     `gorm:"type:varchar(20);not null;default:''" json:"outcome"`
	ProcessedAt     *time.Time `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	ProcessingError string     `gorm:"type:text" json:"processing_error"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// Processed reports whether a delivery was already applied successfully.
func (e *BillingWebhookEvent) Processed() bool {
	return e.ProcessedAt != nil && e.ProcessingError == ""
}

// Handled reports whether a delivery was already answered, either applied or
// recorded as failed. Handled deliveries are not reconciled again.
func (e *BillingWebhookEvent) Handled() bool {
	return e.ProcessedAt != nil
}
