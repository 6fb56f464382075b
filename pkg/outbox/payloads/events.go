package payloads

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/countercart/countercart-backend/pkg/enums"
)

// BatchCreatedEvent is emitted when a weekly batch gathers a user's pending donations.
type BatchCreatedEvent struct {
	BatchID       uuid.UUID       `json:"batch_id"`
	UserID        uuid.UUID       `json:"user_id"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	DonationCount int             `json:"donation_count"`
}

// BatchChargedEvent reports that the ACH payment for a batch settled.
type BatchChargedEvent struct {
	BatchID         uuid.UUID       `json:"batch_id"`
	UserID          uuid.UUID       `json:"user_id"`
	PaymentIntentID string          `json:"payment_intent_id"`
	Amount          decimal.Decimal `json:"amount"`
	ChargedAt       time.Time       `json:"charged_at"`
}

// BatchChargeFailedEvent reports a failed ACH collection.
type BatchChargeFailedEvent struct {
	BatchID         uuid.UUID `json:"batch_id"`
	UserID          uuid.UUID `json:"user_id"`
	PaymentIntentID string    `json:"payment_intent_id,omitempty"`
	Reason          string    `json:"reason"`
}

// DonationDisbursedEvent is emitted when funds for a donation leave for a charity.
type DonationDisbursedEvent struct {
	DonationID uuid.UUID              `json:"donation_id"`
	BatchID    *uuid.UUID             `json:"batch_id,omitempty"`
	CharityID  uuid.UUID              `json:"charity_id"`
	Amount     decimal.Decimal        `json:"amount"`
	Flow       enums.DisbursementFlow `json:"flow"`
	ExternalID string                 `json:"external_id"`
}

// DonationCompletedEvent is emitted once a donation reaches its terminal success state.
type DonationCompletedEvent struct {
	DonationID  uuid.UUID       `json:"donation_id"`
	UserID      uuid.UUID       `json:"user_id"`
	CharityID   uuid.UUID       `json:"charity_id"`
	Amount      decimal.Decimal `json:"amount"`
	CompletedAt time.Time       `json:"completed_at"`
}

// GrantDisbursedEvent summarises a partner grant covering several donations.
type GrantDisbursedEvent struct {
	DisbursementID string          `json:"disbursement_id"`
	DonationIDs    []uuid.UUID     `json:"donation_ids"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
}
