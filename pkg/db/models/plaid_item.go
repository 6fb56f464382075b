package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/countercart/countercart-backend/pkg/enums"
)

// PlaidItem is a linked bank login. AccessToken holds the encrypted token.
type PlaidItem struct {
	ID              uuid.UUID             `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	UserID          uuid.UUID             `gorm:"column:user_id;type:uuid;not null"`
	ItemID          string                `gorm:"column:item_id;not null;uniqueIndex"`
	AccessToken     string                `gorm:"column:access_token;not null"`
	InstitutionName *string               `gorm:"column:institution_name"`
	Cursor          *string               `gorm:"column:cursor"`
	Status          enums.PlaidItemStatus `gorm:"column:status;not null"`
	ErrorCode       *string               `gorm:"column:error_code"`
	LastSyncedAt    *time.Time            `gorm:"column:last_synced_at"`
	CreatedAt       time.Time             `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time             `gorm:"column:updated_at;autoUpdateTime"`
}

func (PlaidItem) TableName() string { return "plaid_items" }

func (p *PlaidItem) BeforeCreate(*gorm.DB) error {
	ensureID(&p.ID)
	return nil
}

type BankAccount struct {
	ID                    uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	UserID                uuid.UUID `gorm:"column:user_id;type:uuid;not null"`
	PlaidItemID           uuid.UUID `gorm:"column:plaid_item_id;type:uuid;not null"`
	PlaidAccountID        string    `gorm:"column:plaid_account_id;not null;uniqueIndex"`
	Name                  string    `gorm:"column:name;not null"`
	Mask                  *string   `gorm:"column:mask"`
	StripePaymentMethodID *string   `gorm:"column:stripe_payment_method_id"`
	ACHEnabled            bool      `gorm:"column:ach_enabled;not null"`
	IsActive              bool      `gorm:"column:is_active;not null"`
	CreatedAt             time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt             time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (BankAccount) TableName() string { return "bank_accounts" }

func (b *BankAccount) BeforeCreate(*gorm.DB) error {
	ensureID(&b.ID)
	return nil
}
