package enums

import "fmt"

// BatchStatus is the lifecycle of a weekly donation batch.
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "PENDING"
	BatchStatusReady      BatchStatus = "READY"
	BatchStatusProcessing BatchStatus = "PROCESSING"
	BatchStatusCompleted  BatchStatus = "COMPLETED"
	BatchStatusFailed     BatchStatus = "FAILED"
)

var validBatchStatuses = []BatchStatus{
	BatchStatusPending,
	BatchStatusReady,
	BatchStatusProcessing,
	BatchStatusCompleted,
	BatchStatusFailed,
}

// String implements fmt.Stringer.
func (b BatchStatus) String() string {
	return string(b)
}

// IsValid reports whether the value is known.
func (b BatchStatus) IsValid() bool {
	for _, candidate := range validBatchStatuses {
		if candidate == b {
			return true
		}
	}
	return false
}

// ParseBatchStatus converts raw input into a BatchStatus.
func ParseBatchStatus(value string) (BatchStatus, error) {
	for _, candidate := range validBatchStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid batch status %q", value)
}

// Chargeable reports whether a batch may still be moved into payment processing.
func (b BatchStatus) Chargeable() bool {
	return b == BatchStatusPending || b == BatchStatusReady
}
