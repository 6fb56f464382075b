package enums

import "fmt"

// WebhookEventStatus is the processing state of a stored webhook event.
type WebhookEventStatus string

const (
	WebhookEventPending    WebhookEventStatus = "PENDING"
	WebhookEventProcessing WebhookEventStatus = "PROCESSING"
	WebhookEventCompleted  WebhookEventStatus = "COMPLETED"
	WebhookEventFailed     WebhookEventStatus = "FAILED"
)

var validWebhookEventStatuses = []WebhookEventStatus{
	WebhookEventPending,
	WebhookEventProcessing,
	WebhookEventCompleted,
	WebhookEventFailed,
}

// String implements fmt.Stringer.
func (w WebhookEventStatus) String() string {
	return string(w)
}

// IsValid reports whether the value is known.
func (w WebhookEventStatus) IsValid() bool {
	for _, candidate := range validWebhookEventStatuses {
		if candidate == w {
			return true
		}
	}
	return false
}

// ParseWebhookEventStatus converts raw input into a WebhookEventStatus.
func ParseWebhookEventStatus(value string) (WebhookEventStatus, error) {
	for _, candidate := range validWebhookEventStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid webhook event status %q", value)
}
