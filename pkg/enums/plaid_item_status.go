package enums

import "fmt"

// PlaidItemStatus mirrors the plaid_items.status column.
type PlaidItemStatus string

const (
	PlaidItemActive        PlaidItemStatus = "ACTIVE"
	PlaidItemLoginRequired PlaidItemStatus = "LOGIN_REQUIRED"
	PlaidItemError         PlaidItemStatus = "ERROR"
	PlaidItemDisconnected  PlaidItemStatus = "DISCONNECTED"
)

var validPlaidItemStatuses = []PlaidItemStatus{
	PlaidItemActive,
	PlaidItemLoginRequired,
	PlaidItemError,
	PlaidItemDisconnected,
}

// String implements fmt.Stringer.
func (p PlaidItemStatus) String() string {
	return string(p)
}

// IsValid reports whether the value is known.
func (p PlaidItemStatus) IsValid() bool {
	for _, candidate := range validPlaidItemStatuses {
		if candidate == p {
			return true
		}
	}
	return false
}

// ParsePlaidItemStatus converts raw input into a PlaidItemStatus.
func ParsePlaidItemStatus(value string) (PlaidItemStatus, error) {
	for _, candidate := range validPlaidItemStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid plaid item status %q", value)
}
