package enums

import "fmt"

// WebhookSource identifies the provider that delivered a webhook.
type WebhookSource string

const (
	WebhookSourcePlaid    WebhookSource = "plaid"
	WebhookSourceStripe   WebhookSource = "stripe"
	WebhookSourceChange   WebhookSource = "change"
	WebhookSourceEveryOrg WebhookSource = "every_org"
)

var validWebhookSources = []WebhookSource{
	WebhookSourcePlaid,
	WebhookSourceStripe,
	WebhookSourceChange,
	WebhookSourceEveryOrg,
}

// String implements fmt.Stringer.
func (w WebhookSource) String() string {
	return string(w)
}

// IsValid reports whether the value is known.
func (w WebhookSource) IsValid() bool {
	for _, candidate := range validWebhookSources {
		if candidate == w {
			return true
		}
	}
	return false
}

// ParseWebhookSource converts raw input into a WebhookSource.
func ParseWebhookSource(value string) (WebhookSource, error) {
	for _, candidate := range validWebhookSources {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid webhook source %q", value)
}
