package webhooks

import (
	"encoding/json"
	"strings"

	"github.com/countercart/countercart-backend/pkg/db/models"
	"github.com/countercart/countercart-backend/pkg/enums"
)

// Kind is the handled variant of a stored webhook event.
type Kind string

const (
	KindPlaidTransactionsSync      Kind = "plaid.transactions_sync"
	KindPlaidItemError             Kind = "plaid.item_error"
	KindPlaidItemLoginRepaired     Kind = "plaid.item_login_repaired"
	KindPlaidItemPendingExpiration Kind = "plaid.item_pending_expiration"
	KindPlaidItemPermissionRevoked Kind = "plaid.item_permission_revoked"
	KindPlaidItemWebhookAck        Kind = "plaid.item_webhook_acknowledged"

	KindStripePaymentSucceeded  Kind = "stripe.payment_succeeded"
	KindStripePaymentFailed     Kind = "stripe.payment_failed"
	KindStripePaymentProcessing Kind = "stripe.payment_processing"

	KindChangeDonationCompleted Kind = "change.donation_completed"
	KindChangeDonationFailed    Kind = "change.donation_failed"

	KindEveryOrgDonationCompleted     Kind = "every_org.donation_completed"
	KindEveryOrgDisbursementCompleted Kind = "every_org.disbursement_completed"
	KindEveryOrgDisbursementFailed    Kind = "every_org.disbursement_failed"

	KindUnrecognized Kind = "unrecognized"
)

// AllKinds lists every variant, fallback included.
func AllKinds() []Kind {
	return []Kind{
		KindPlaidTransactionsSync,
		KindPlaidItemError,
		KindPlaidItemLoginRepaired,
		KindPlaidItemPendingExpiration,
		KindPlaidItemPermissionRevoked,
		KindPlaidItemWebhookAck,
		KindStripePaymentSucceeded,
		KindStripePaymentFailed,
		KindStripePaymentProcessing,
		KindChangeDonationCompleted,
		KindChangeDonationFailed,
		KindEveryOrgDonationCompleted,
		KindEveryOrgDisbursementCompleted,
		KindEveryOrgDisbursementFailed,
		KindUnrecognized,
	}
}

type classKey struct {
	source    enums.WebhookSource
	eventType string
	code      string
}

var classification = map[classKey]Kind{
	{enums.WebhookSourcePlaid, "TRANSACTIONS", "INITIAL_UPDATE"}:         KindPlaidTransactionsSync,
	{enums.WebhookSourcePlaid, "TRANSACTIONS", "HISTORICAL_UPDATE"}:      KindPlaidTransactionsSync,
	{enums.WebhookSourcePlaid, "TRANSACTIONS", "DEFAULT_UPDATE"}:         KindPlaidTransactionsSync,
	{enums.WebhookSourcePlaid, "TRANSACTIONS", "TRANSACTIONS_REMOVED"}:   KindPlaidTransactionsSync,
	{enums.WebhookSourcePlaid, "TRANSACTIONS", "SYNC_UPDATES_AVAILABLE"}: KindPlaidTransactionsSync,
	{enums.WebhookSourcePlaid, "ITEM", "ERROR"}:                          KindPlaidItemError,
	{enums.WebhookSourcePlaid, "ITEM", "LOGIN_REPAIRED"}:                 KindPlaidItemLoginRepaired,
	{enums.WebhookSourcePlaid, "ITEM", "PENDING_EXPIRATION"}:             KindPlaidItemPendingExpiration,
	{enums.WebhookSourcePlaid, "ITEM", "USER_PERMISSION_REVOKED"}:        KindPlaidItemPermissionRevoked,
	{enums.WebhookSourcePlaid, "ITEM", "WEBHOOK_UPDATE_ACKNOWLEDGED"}:    KindPlaidItemWebhookAck,

	{enums.WebhookSourceStripe, "payment_intent.succeeded", ""}:      KindStripePaymentSucceeded,
	{enums.WebhookSourceStripe, "payment_intent.payment_failed", ""}: KindStripePaymentFailed,
	{enums.WebhookSourceStripe, "payment_intent.processing", ""}:     KindStripePaymentProcessing,

	{enums.WebhookSourceChange, "donation.completed", ""}: KindChangeDonationCompleted,
	{enums.WebhookSourceChange, "donation.failed", ""}:    KindChangeDonationFailed,

	{enums.WebhookSourceEveryOrg, "donation.completed", ""}:     KindEveryOrgDonationCompleted,
	{enums.WebhookSourceEveryOrg, "disbursement.completed", ""}: KindEveryOrgDisbursementCompleted,
	{enums.WebhookSourceEveryOrg, "disbursement.failed", ""}:    KindEveryOrgDisbursementFailed,
}

// Classify maps (source, type, code) to a Kind. Plaid splits the variant
// across webhook_type and webhook_code; other providers only use type.
func Classify(source enums.WebhookSource, eventType, code string) Kind {
	if kind, ok := classification[classKey{source, strings.TrimSpace(eventType), strings.TrimSpace(code)}]; ok {
		return kind
	}
	return KindUnrecognized
}

type plaidEnvelope struct {
	WebhookType string `json:"webhook_type"`
	WebhookCode string `json:"webhook_code"`
	ItemID      string `json:"item_id"`
	Error       *struct {
		ErrorCode    string `json:"error_code"`
		ErrorMessage string `json:"error_message"`
	} `json:"error"`
	NewTransactions *int `json:"new_transactions"`
}

// classifyEvent reads the type and code a stored event was delivered with.
func classifyEvent(event *models.WebhookEvent) Kind {
	if event.Source != enums.WebhookSourcePlaid {
		return Classify(event.Source, event.EventType, "")
	}
	var env plaidEnvelope
	if err := json.Unmarshal(event.Payload, &env); err != nil {
		return KindUnrecognized
	}
	return Classify(event.Source, env.WebhookType, env.WebhookCode)
}
