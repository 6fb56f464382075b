package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/countercart/countercart-backend/pkg/enums"
)

// DonationBatch aggregates one user's donations for a calendar week.
// TotalAmount is fixed once donations are attached; ConfirmedAmount grows as
// individual donations settle.
type DonationBatch struct {
	ID               uuid.UUID               `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	UserID           uuid.UUID               `gorm:"column:user_id;type:uuid;not null"`
	WeekOf           time.Time               `gorm:"column:week_of;not null"`
	TotalAmount      decimal.Decimal         `gorm:"column:total_amount;type:numeric(10,2);not null"`
	ConfirmedAmount  decimal.Decimal         `gorm:"column:confirmed_amount;type:numeric(10,2);not null"`
	Status           enums.BatchStatus       `gorm:"column:status;not null"`
	DisbursementFlow *enums.DisbursementFlow `gorm:"column:disbursement_flow"`
	PaymentIntentID  *string                 `gorm:"column:payment_intent_id;uniqueIndex"`
	PaymentStatus    *string                 `gorm:"column:payment_status"`
	PaymentError     *string                 `gorm:"column:payment_error"`
	ChargedAt        *time.Time              `gorm:"column:charged_at"`
	DisbursementID   *string                 `gorm:"column:disbursement_id;uniqueIndex"`
	GrantStatus      *enums.GrantStatus      `gorm:"column:grant_status"`
	GrantError       *string                 `gorm:"column:grant_error"`
	GrantedAt        *time.Time              `gorm:"column:granted_at"`
	ErrorMessage     *string                 `gorm:"column:error_message"`
	ProcessedAt      *time.Time              `gorm:"column:processed_at"`
	CreatedAt        time.Time               `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time               `gorm:"column:updated_at;autoUpdateTime"`
}

func (DonationBatch) TableName() string { return "donation_batches" }

func (b *DonationBatch) BeforeCreate(*gorm.DB) error {
	ensureID(&b.ID)
	return nil
}
