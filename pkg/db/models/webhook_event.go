package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/countercart/countercart-backend/pkg/enums"
)

// WebhookEvent is the durable record of a provider notification.
type WebhookEvent struct {
	ID          uuid.UUID                `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	Source      enums.WebhookSource      `gorm:"column:source;not null" json:"source"`
	EventType   string                   `gorm:"column:event_type;not null" json:"eventType"`
	EventID     string                   `gorm:"column:event_id;not null" json:"eventId"`
	Payload     json.RawMessage          `gorm:"column:payload;type:jsonb;not null" json:"payload"`
	Signature   *string                  `gorm:"column:signature" json:"-"`
	Status      enums.WebhookEventStatus `gorm:"column:status;not null" json:"status"`
	RetryCount  int                      `gorm:"column:retry_count;not null" json:"retryCount"`
	Error       *string                  `gorm:"column:error" json:"error,omitempty"`
	ProcessedAt *time.Time               `gorm:"column:processed_at" json:"processedAt,omitempty"`
	CreatedAt   time.Time                `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt   time.Time                `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }

func (w *WebhookEvent) BeforeCreate(*gorm.DB) error {
	ensureID(&w.ID)
	return nil
}
