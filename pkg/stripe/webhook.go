package stripe

import (
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"
)

// VerifyEvent checks the Stripe-Signature header and parses the event.
func VerifyEvent(payload []byte, signature, secret string) (stripe.Event, error) {
	return webhook.ConstructEvent(payload, signature, secret)
}

// PaymentIntentFromEvent decodes the intent carried by a payment_intent.* event.
func PaymentIntentFromEvent(event stripe.Event) (*stripe.PaymentIntent, error) {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, fmt.Errorf("event %s has no data", event.ID)
	}
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return nil, fmt.Errorf("decode payment intent: %w", err)
	}
	return &intent, nil
}

// FailureReason extracts the processor's last error message for a failed intent.
func FailureReason(intent *stripe.PaymentIntent) string {
	if intent == nil || intent.LastPaymentError == nil {
		return "payment failed"
	}
	if intent.LastPaymentError.Msg != "" {
		return intent.LastPaymentError.Msg
	}
	return "payment failed"
}

// IsBatchCharge reports whether the intent was created by ChargeBatch.
func IsBatchCharge(intent *stripe.PaymentIntent) bool {
	if intent == nil || intent.ID == "" {
		return false
	}
	return intent.Metadata["type"] == chargeTypeBatch || intent.Metadata["batch_id"] != ""
}
