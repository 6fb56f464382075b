package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/countercart/countercart-backend/pkg/enums"
)

// Transaction is a settled bank purchase. Amount is the positive magnitude.
type Transaction struct {
	ID                 uuid.UUID               `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	UserID             uuid.UUID               `gorm:"column:user_id;type:uuid;not null"`
	BankAccountID      uuid.UUID               `gorm:"column:bank_account_id;type:uuid;not null"`
	PlaidTransactionID string                  `gorm:"column:plaid_transaction_id;not null;uniqueIndex"`
	MerchantName       string                  `gorm:"column:merchant_name;not null"`
	MerchantNameNorm   string                  `gorm:"column:merchant_name_norm;not null"`
	Amount             decimal.Decimal         `gorm:"column:amount;type:numeric(10,2);not null"`
	Date               time.Time               `gorm:"column:date;type:date;not null"`
	Category           pq.StringArray          `gorm:"column:category;type:text[]"`
	MatchedMappingID   *uuid.UUID              `gorm:"column:matched_mapping_id;type:uuid"`
	Status             enums.TransactionStatus `gorm:"column:status;not null"`
	CreatedAt          time.Time               `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time               `gorm:"column:updated_at;autoUpdateTime"`
}

func (Transaction) TableName() string { return "transactions" }

func (t *Transaction) BeforeCreate(*gorm.DB) error {
	ensureID(&t.ID)
	return nil
}
