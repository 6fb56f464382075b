package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/countercart/countercart-backend/pkg/enums"
)

// Donation is the per-transaction amount owed to a single charity.
type Donation struct {
	ID                     uuid.UUID            `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	UserID                 uuid.UUID            `gorm:"column:user_id;type:uuid;not null"`
	BatchID                *uuid.UUID           `gorm:"column:batch_id;type:uuid"`
	TransactionID          *uuid.UUID           `gorm:"column:transaction_id;type:uuid;uniqueIndex"`
	CharityID              uuid.UUID            `gorm:"column:charity_id;type:uuid;not null"`
	CharitySlug            string               `gorm:"column:charity_slug;not null"`
	CharityName            string               `gorm:"column:charity_name;not null"`
	Amount                 decimal.Decimal      `gorm:"column:amount;type:numeric(10,2);not null"`
	Status                 enums.DonationStatus `gorm:"column:status;not null"`
	ExternalDisbursementID *string              `gorm:"column:external_disbursement_id;uniqueIndex"`
	EveryOrgID             *string              `gorm:"column:every_org_id;uniqueIndex"`
	GrantStatus            *enums.GrantStatus   `gorm:"column:grant_status"`
	ReceiptURL             *string              `gorm:"column:receipt_url"`
	ErrorMessage           *string              `gorm:"column:error_message"`
	CompletedAt            *time.Time           `gorm:"column:completed_at"`
	CreatedAt              time.Time            `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt              time.Time            `gorm:"column:updated_at;autoUpdateTime"`
}

func (Donation) TableName() string { return "donations" }

func (d *Donation) BeforeCreate(*gorm.DB) error {
	ensureID(&d.ID)
	return nil
}
