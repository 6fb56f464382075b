package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Charity struct {
	ID                uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	CauseID           uuid.UUID `gorm:"column:cause_id;type:uuid;not null"`
	Name              string    `gorm:"column:name;not null"`
	EveryOrgSlug      string    `gorm:"column:every_org_slug;not null;uniqueIndex"`
	EIN               *string   `gorm:"column:ein"`
	ChangeNonprofitID *string   `gorm:"column:change_nonprofit_id"`
	IsDefault         bool      `gorm:"column:is_default;not null"`
	IsActive          bool      `gorm:"column:is_active;not null"`
	CreatedAt         time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Charity) TableName() string { return "charities" }

func (c *Charity) BeforeCreate(*gorm.DB) error {
	ensureID(&c.ID)
	return nil
}
