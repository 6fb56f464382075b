package enums

import "fmt"

// TransactionStatus tracks a bank transaction through matching and settlement.
type TransactionStatus string

const (
	TransactionStatusPending TransactionStatus = "PENDING"
	TransactionStatusMatched TransactionStatus = "MATCHED"
	TransactionStatusBatched TransactionStatus = "BATCHED"
	TransactionStatusDonated TransactionStatus = "DONATED"
	TransactionStatusSkipped TransactionStatus = "SKIPPED"
	TransactionStatusFailed  TransactionStatus = "FAILED"
)

var validTransactionStatuses = []TransactionStatus{
	TransactionStatusPending,
	TransactionStatusMatched,
	TransactionStatusBatched,
	TransactionStatusDonated,
	TransactionStatusSkipped,
	TransactionStatusFailed,
}

// String implements fmt.Stringer.
func (t TransactionStatus) String() string {
	return string(t)
}

// IsValid reports whether the value is known.
func (t TransactionStatus) IsValid() bool {
	for _, candidate := range validTransactionStatuses {
		if candidate == t {
			return true
		}
	}
	return false
}

// ParseTransactionStatus converts raw input into a TransactionStatus.
func ParseTransactionStatus(value string) (TransactionStatus, error) {
	for _, candidate := range validTransactionStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid transaction status %q", value)
}
