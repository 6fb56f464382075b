package enums

import "fmt"

// GrantStatus tracks a consolidated grant disbursement.
type GrantStatus string

const (
	GrantStatusPending    GrantStatus = "pending"
	GrantStatusProcessing GrantStatus = "processing"
	GrantStatusCompleted  GrantStatus = "completed"
	GrantStatusFailed     GrantStatus = "failed"
)

var validGrantStatuses = []GrantStatus{
	GrantStatusPending,
	GrantStatusProcessing,
	GrantStatusCompleted,
	GrantStatusFailed,
}

// String implements fmt.Stringer.
func (g GrantStatus) String() string {
	return string(g)
}

// IsValid reports whether the value is known.
func (g GrantStatus) IsValid() bool {
	for _, candidate := range validGrantStatuses {
		if candidate == g {
			return true
		}
	}
	return false
}

// ParseGrantStatus converts raw input into a GrantStatus.
func ParseGrantStatus(value string) (GrantStatus, error) {
	for _, candidate := range validGrantStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid grant status %q", value)
}
