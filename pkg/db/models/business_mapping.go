package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BusinessMapping associates a merchant name pattern with a cause.
type BusinessMapping struct {
	ID              uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	MerchantPattern string    `gorm:"column:merchant_pattern;not null" json:"merchantPattern"`
	MerchantName    string    `gorm:"column:merchant_name;not null" json:"merchantName"`
	CauseID         uuid.UUID `gorm:"column:cause_id;type:uuid;not null" json:"causeId"`
	CharitySlug     *string   `gorm:"column:charity_slug" json:"charitySlug,omitempty"`
	CharityName     *string   `gorm:"column:charity_name" json:"charityName,omitempty"`
	Reason          *string   `gorm:"column:reason" json:"reason,omitempty"`
	Confidence      float64   `gorm:"column:confidence;not null" json:"confidence"`
	Source          string    `gorm:"column:source;not null" json:"source"`
	IsActive        bool      `gorm:"column:is_active;not null" json:"isActive"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt       time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

func (BusinessMapping) TableName() string { return "business_mappings" }

func (b *BusinessMapping) BeforeCreate(*gorm.DB) error {
	ensureID(&b.ID)
	return nil
}
