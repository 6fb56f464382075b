package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/paymentintent"

	pkgerrors "github.com/countercart/countercart-backend/pkg/errors"
)

const (
	mandateIPAddress = "0.0.0.0"
	mandateUserAgent = "CounterCart/1.0"
	chargeTypeBatch  = "batch_donation"
)

// BatchChargeRequest describes a single ACH debit covering one weekly batch.
type BatchChargeRequest struct {
	BatchID         uuid.UUID
	UserID          uuid.UUID
	CustomerID      string
	PaymentMethodID string
	Amount          decimal.Decimal
}

// BatchChargeResult is the processor's view of the created intent.
type BatchChargeResult struct {
	PaymentIntentID string
	Status          string
}

// Accepted reports whether the debit cleared or is clearing.
func (r BatchChargeResult) Accepted() bool {
	return r.Status == string(stripe.PaymentIntentStatusSucceeded) ||
		r.Status == string(stripe.PaymentIntentStatusProcessing)
}

type intentCreator func(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)

// Charger creates confirmed us_bank_account PaymentIntents.
type Charger struct {
	create intentCreator
}

// NewCharger binds the charger to the initialized client. A nil client yields
// an unconfigured charger.
func NewCharger(client *Client) *Charger {
	if client == nil {
		return &Charger{}
	}
	return &Charger{create: paymentintent.New}
}

func (c *Charger) Configured() bool {
	return c != nil && c.create != nil
}

// IdempotencyKey is stable per batch so replays never double-charge.
func IdempotencyKey(batchID uuid.UUID) string {
	return "batch-charge-" + batchID.String()
}

// AmountToCents converts a dollar amount to the smallest currency unit.
func AmountToCents(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

func (c *Charger) ChargeBatch(ctx context.Context, req BatchChargeRequest) (*BatchChargeResult, error) {
	if !c.Configured() {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "payment processor not configured").Terminal()
	}
	cents := AmountToCents(req.Amount)
	if cents <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "charge amount must be positive")
	}

	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(cents),
		Currency:           stripe.String(string(stripe.CurrencyUSD)),
		Customer:           stripe.String(req.CustomerID),
		PaymentMethod:      stripe.String(req.PaymentMethodID),
		PaymentMethodTypes: stripe.StringSlice([]string{"us_bank_account"}),
		Confirm:            stripe.Bool(true),
		MandateData: &stripe.PaymentIntentMandateDataParams{
			CustomerAcceptance: &stripe.PaymentIntentMandateDataCustomerAcceptanceParams{
				Type: stripe.String("online"),
				Online: &stripe.PaymentIntentMandateDataCustomerAcceptanceOnlineParams{
					IPAddress: stripe.String(mandateIPAddress),
					UserAgent: stripe.String(mandateUserAgent),
				},
			},
		},
	}
	params.Context = ctx
	params.AddMetadata("batch_id", req.BatchID.String())
	params.AddMetadata("user_id", req.UserID.String())
	params.AddMetadata("type", chargeTypeBatch)
	params.SetIdempotencyKey(IdempotencyKey(req.BatchID))

	intent, err := c.create(params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	return &BatchChargeResult{PaymentIntentID: intent.ID, Status: string(intent.Status)}, nil
}

func classifyStripeError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		wrapped := pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("stripe: %s", stripeErr.Msg))
		if stripeErr.HTTPStatusCode == http.StatusTooManyRequests || stripeErr.HTTPStatusCode >= http.StatusInternalServerError {
			return wrapped
		}
		return wrapped.Terminal()
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "stripe request failed")
}
