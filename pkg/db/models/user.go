package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// User carries the donation preferences read by matching and batching.
type User struct {
	ID                 uuid.UUID           `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	Email              string              `gorm:"column:email;type:text;not null;uniqueIndex"`
	AutoDonateEnabled  bool                `gorm:"column:auto_donate_enabled;not null"`
	DonationMultiplier decimal.Decimal     `gorm:"column:donation_multiplier;type:numeric(4,2);not null"`
	MonthlyLimit       decimal.NullDecimal `gorm:"column:monthly_limit;type:numeric(10,2)"`
	CurrentMonthTotal  decimal.Decimal     `gorm:"column:current_month_total;type:numeric(10,2);not null"`
	StripeCustomerID   *string             `gorm:"column:stripe_customer_id"`
	ChangeCustomerID   *string             `gorm:"column:change_customer_id"`
	CreatedAt          time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

func (User) TableName() string { return "users" }

func (u *User) BeforeCreate(*gorm.DB) error {
	ensureID(&u.ID)
	return nil
}

// Multiplier returns the configured multiplier, defaulting to 1.0.
func (u User) Multiplier() decimal.Decimal {
	if u.DonationMultiplier.IsZero() {
		return decimal.NewFromInt(1)
	}
	return u.DonationMultiplier
}
