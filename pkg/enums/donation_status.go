package enums

import "fmt"

// DonationStatus mirrors the donation_status column.
type DonationStatus string

const (
	DonationStatusPending    DonationStatus = "PENDING"
	DonationStatusProcessing DonationStatus = "PROCESSING"
	DonationStatusCompleted  DonationStatus = "COMPLETED"
	DonationStatusFailed     DonationStatus = "FAILED"
	DonationStatusRefunded   DonationStatus = "REFUNDED"
)

var validDonationStatuses = []DonationStatus{
	DonationStatusPending,
	DonationStatusProcessing,
	DonationStatusCompleted,
	DonationStatusFailed,
	DonationStatusRefunded,
}

// String implements fmt.Stringer.
func (d DonationStatus) String() string {
	return string(d)
}

// IsValid reports whether the value is known.
func (d DonationStatus) IsValid() bool {
	for _, candidate := range validDonationStatuses {
		if candidate == d {
			return true
		}
	}
	return false
}

// ParseDonationStatus converts raw input into a DonationStatus.
func ParseDonationStatus(value string) (DonationStatus, error) {
	for _, candidate := range validDonationStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid donation status %q", value)
}

// IsFinal reports whether the donation can no longer change state.
func (d DonationStatus) IsFinal() bool {
	switch d {
	case DonationStatusCompleted, DonationStatusFailed, DonationStatusRefunded:
		return true
	default:
		return false
	}
}
