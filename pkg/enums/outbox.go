package enums

import "fmt"

// OutboxAggregateType maps to the aggregate_type column in outbox_events.
type OutboxAggregateType string

const (
	AggregateDonationBatch OutboxAggregateType = "donation_batch"
	AggregateDonation      OutboxAggregateType = "donation"
)

var validAggregateTypes = []OutboxAggregateType{
	AggregateDonationBatch,
	AggregateDonation,
}

// IsValid reports whether the value matches a known aggregate type.
func (a OutboxAggregateType) IsValid() bool {
	for _, candidate := range validAggregateTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseOutboxAggregateType converts raw input into OutboxAggregateType.
func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	for _, candidate := range validAggregateTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid aggregate type %q", value)
}

// OutboxEventType maps to the event_type column in outbox_events.
type OutboxEventType string

const (
	EventBatchCreated      OutboxEventType = "batch_created"
	EventBatchCharged      OutboxEventType = "batch_charged"
	EventBatchChargeFailed OutboxEventType = "batch_charge_failed"
	EventDonationDisbursed OutboxEventType = "donation_disbursed"
	EventDonationCompleted OutboxEventType = "donation_completed"
	EventGrantDisbursed    OutboxEventType = "grant_disbursed"
)

var validOutboxEventTypes = []OutboxEventType{
	EventBatchCreated,
	EventBatchCharged,
	EventBatchChargeFailed,
	EventDonationDisbursed,
	EventDonationCompleted,
	EventGrantDisbursed,
}

// IsValid reports whether the value matches a known event type.
func (e OutboxEventType) IsValid() bool {
	for _, candidate := range validOutboxEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseOutboxEventType converts raw input into OutboxEventType.
func ParseOutboxEventType(value string) (OutboxEventType, error) {
	for _, candidate := range validOutboxEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid event type %q", value)
}
