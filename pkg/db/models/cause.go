package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Cause is a donation theme users opt into.
type Cause struct {
	ID          uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	Name        string    `gorm:"column:name;not null"`
	Slug        string    `gorm:"column:slug;not null;uniqueIndex"`
	Description *string   `gorm:"column:description"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (Cause) TableName() string { return "causes" }

func (c *Cause) BeforeCreate(*gorm.DB) error {
	ensureID(&c.ID)
	return nil
}

// UserCause records a user's opt-in to a cause.
type UserCause struct {
	ID        uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	UserID    uuid.UUID `gorm:"column:user_id;type:uuid;not null"`
	CauseID   uuid.UUID `gorm:"column:cause_id;type:uuid;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (UserCause) TableName() string { return "user_causes" }

func (u *UserCause) BeforeCreate(*gorm.DB) error {
	ensureID(&u.ID)
	return nil
}
