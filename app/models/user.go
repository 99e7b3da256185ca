package models

import (
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

const (
	ROLE_USER       = "user"
	ROLE_ADMIN      = "admin"
	STATUS_ACTIVE   = "active"
	STATUS_INACTIVE = "inactive"
)

// Subscription statuses as reported by the payment processor, plus the local
// placeholder written when checkout completes.
const (
	SubscriptionPendingPayment    = "pending_payment"
	SubscriptionTrialing          = "trialing"
	SubscriptionActive            = "active"
	SubscriptionPastDue           = "past_due"
	SubscriptionCanceled          = "canceled"
	SubscriptionIncomplete        = "incomplete"
	SubscriptionIncompleteExpired = "incomplete_expired"
	SubscriptionUnpaid            = "unpaid"
)

type User struct {
	ID                   uint           `gorm:"primaryKey" json:"id"`
	Name                 string         `gorm:"type:varchar(150)" json:"name" validate:"required,min=3,max=150"`
	Email                string         `gorm:"uniqueIndex;type:varchar(200)" json:"email" validate:"required,email,max=200"`
	Role                 string         `gorm:"type:varchar(50);default:'user'" json:"role" validate:"oneof=user admin"`
	Status               string         `gorm:"type:varchar(50);default:'inactive'" json:"status" validate:"oneof=active inactive"`
	StripeCustomerID     string         `gorm:"type:varchar(191);index" json:"stripe_customer_id"`
	StripeSubscriptionID string         `gorm:"type:varchar(191);index" json:"stripe_subscription_id"`
	SubscriptionStatus   string         `gorm:"type:varchar(50);default:'pending_payment'" json:"subscription_status"`
	CurrentPeriodStart   *time.Time     `gorm:"type:timestamp;default:null" json:"current_period_start"`
	CurrentPeriodEnd     *time.Time     `gorm:"type:timestamp;default:null" json:"current_period_end"`
	CancelAtPeriodEnd    bool           `gorm:"default:false" json:"cancel_at_period_end"`
	Version              uint           `gorm:"not null;default:1" json:"-"`
	CreatedAt            time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt            gorm.DeletedAt `gorm:"index" json:"-"`
}

func (u *User) Validate() error {
	v := validator.New()

	return v.Struct(u)
}

func CreateUser(name, email string) (*User, error) {
	u := &User{
		Name:               name,
		Email:              email,
		Role:               ROLE_USER,
		Status:             STATUS_INACTIVE,
		SubscriptionStatus: SubscriptionPendingPayment,
		Version:            1,
	}
	if err := u.Validate(); err != nil {
		return nil, err
	}
	return u, nil
}

// IsActive reports whether the account may use the service.
func (u *User) IsActive() bool {
	return u.Status == STATUS_ACTIVE
}

func (u *User) IsAdmin() bool {
	return u.Role == ROLE_ADMIN
}
