package enums

import "fmt"

// DisbursementFlow selects how captured funds reach charities.
type DisbursementFlow string

const (
	DisbursementFlowRetail DisbursementFlow = "retail"
	DisbursementFlowGrant  DisbursementFlow = "grant"

	// DisbursementFlowDonateLink marks batches settled through hosted Every.org
	// donate links instead of an ACH charge.
	DisbursementFlowDonateLink DisbursementFlow = "donate_link"
)

var validDisbursementFlows = []DisbursementFlow{
	DisbursementFlowRetail,
	DisbursementFlowGrant,
	DisbursementFlowDonateLink,
}

// String implements fmt.Stringer.
func (d DisbursementFlow) String() string {
	return string(d)
}

// IsValid reports whether the value is known.
func (d DisbursementFlow) IsValid() bool {
	for _, candidate := range validDisbursementFlows {
		if candidate == d {
			return true
		}
	}
	return false
}

// Charged reports whether the flow pays charities out of an ACH charge.
func (d DisbursementFlow) Charged() bool {
	return d == DisbursementFlowRetail || d == DisbursementFlowGrant
}

// ParseDisbursementFlow converts raw input into a DisbursementFlow.
func ParseDisbursementFlow(value string) (DisbursementFlow, error) {
	for _, candidate := range validDisbursementFlows {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid disbursement flow %q", value)
}
