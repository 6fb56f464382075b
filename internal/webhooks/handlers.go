package webhooks

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	stripeapi "github.com/stripe/stripe-go/v84"

	"github.com/countercart/countercart-backend/internal/batching"
	"github.com/countercart/countercart-backend/pkg/db/models"
	"github.com/countercart/countercart-backend/pkg/enums"
	pkgerrors "github.com/countercart/countercart-backend/pkg/errors"
	"github.com/countercart/countercart-backend/pkg/everyorg"
	"github.com/countercart/countercart-backend/pkg/stripe"
)

type handlerFunc func(ctx context.Context, s *service, event *models.WebhookEvent) (any, error)

func handlerTable() map[Kind]handlerFunc {
	return map[Kind]handlerFunc{
		KindPlaidTransactionsSync:      handlePlaidSync,
		KindPlaidItemError:             handlePlaidItemError,
		KindPlaidItemLoginRepaired:     handlePlaidLoginRepaired,
		KindPlaidItemPendingExpiration: plaidItemStatus(enums.PlaidItemLoginRequired, "access token expiring soon"),
		KindPlaidItemPermissionRevoked: plaidItemStatus(enums.PlaidItemDisconnected, "user revoked permission"),
		KindPlaidItemWebhookAck:        handlePlaidAck,

		KindStripePaymentSucceeded:  handlePaymentSucceeded,
		KindStripePaymentFailed:     handlePaymentFailed,
		KindStripePaymentProcessing: acknowledge("payment processing"),

		KindChangeDonationCompleted: handleChangeCompleted,
		KindChangeDonationFailed:    handleChangeFailed,

		KindEveryOrgDonationCompleted:     handleEveryOrgDonation,
		KindEveryOrgDisbursementCompleted: handleGrantCompleted,
		KindEveryOrgDisbursementFailed:    handleGrantFailed,

		KindUnrecognized: handleUnrecognized,
	}
}

func decodePlaid(event *models.WebhookEvent) (plaidEnvelope, error) {
	var env plaidEnvelope
	if err := json.Unmarshal(event.Payload, &env); err != nil {
		return env, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode plaid payload").Terminal()
	}
	return env, nil
}

func (s *service) plaidItem(ctx context.Context, env plaidEnvelope) (*models.PlaidItem, error) {
	if env.ItemID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "plaid item_id missing")
	}
	item, err := s.repo.FindPlaidItem(ctx, env.ItemID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load plaid item")
	}
	if item == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "plaid item not found for item_id: "+env.ItemID)
	}
	return item, nil
}

func handlePlaidSync(ctx context.Context, s *service, event *models.WebhookEvent) (any, error) {
	env, err := decodePlaid(event)
	if err != nil {
		return nil, err
	}
	item, err := s.plaidItem(ctx, env)
	if err != nil {
		return nil, err
	}
	res, err := s.syncer.Sync(ctx, item.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"code":            env.WebhookCode,
		"newTransactions": env.NewTransactions,
		"syncResult":      res,
	}, nil
}

func handlePlaidItemError(ctx context.Context, s *service, event *models.WebhookEvent) (any, error) {
	env, err := decodePlaid(event)
	if err != nil {
		return nil, err
	}
	item, err := s.plaidItem(ctx, env)
	if err != nil {
		return nil, err
	}
	var code, message string
	if env.Error != nil {
		code = env.Error.ErrorCode
		message = env.Error.ErrorMessage
	}
	updates := map[string]any{"status": enums.PlaidItemError, "error_code": nil}
	if code != "" {
		updates["error_code"] = code
	}
	if err := s.repo.UpdatePlaidItem(ctx, item.ID, updates); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "mark plaid item errored")
	}
	return map[string]any{"code": env.WebhookCode, "errorCode": code, "errorMessage": message}, nil
}

func handlePlaidLoginRepaired(ctx context.Context, s *service, event *models.WebhookEvent) (any, error) {
	env, err := decodePlaid(event)
	if err != nil {
		return nil, err
	}
	item, err := s.plaidItem(ctx, env)
	if err != nil {
		return nil, err
	}
	if err := s.repo.UpdatePlaidItem(ctx, item.ID, map[string]any{
		"status":     enums.PlaidItemActive,
		"error_code": nil,
	}); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "reactivate plaid item")
	}
	res, err := s.syncer.Sync(ctx, item.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"code": env.WebhookCode, "syncResult": res}, nil
}

func plaidItemStatus(status enums.PlaidItemStatus, message string) handlerFunc {
	return func(ctx context.Context, s *service, event *models.WebhookEvent) (any, error) {
		env, err := decodePlaid(event)
		if err != nil {
			return nil, err
		}
		item, err := s.plaidItem(ctx, env)
		if err != nil {
			return nil, err
		}
		if err := s.repo.UpdatePlaidItem(ctx, item.ID, map[string]any{"status": status}); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "update plaid item status")
		}
		return map[string]any{"code": env.WebhookCode, "message": message}, nil
	}
}

func handlePlaidAck(ctx context.Context, s *service, event *models.WebhookEvent) (any, error) {
	env, err := decodePlaid(event)
	if err != nil {
		return nil, err
	}
	if _, err := s.plaidItem(ctx, env); err != nil {
		return nil, err
	}
	return map[string]any{"code": env.WebhookCode, "message": "webhook update acknowledged"}, nil
}

// batchIntent returns the intent carried by a Stripe event, or nil when the
// intent was not created for a donation batch.
func batchIntent(event *models.WebhookEvent) (*stripeapi.PaymentIntent, error) {
	var evt stripeapi.Event
	if err := json.Unmarshal(event.Payload, &evt); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode stripe event").Terminal()
	}
	intent, err := stripe.PaymentIntentFromEvent(evt)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode payment intent").Terminal()
	}
	if !stripe.IsBatchCharge(intent) {
		return nil, nil
	}
	return intent, nil
}

func handlePaymentSucceeded(ctx context.Context, s *service, event *models.WebhookEvent) (any, error) {
	intent, err := batchIntent(event)
	if err != nil {
		return nil, err
	}
	if intent == nil {
		return map[string]any{"handled": false, "reason": "not a batch charge"}, nil
	}
	return s.payments.HandlePaymentSucceeded(ctx, intent.ID)
}

func handlePaymentFailed(ctx context.Context, s *service, event *models.WebhookEvent) (any, error) {
	intent, err := batchIntent(event)
	if err != nil {
		return nil, err
	}
	if intent == nil {
		return map[string]any{"handled": false, "reason": "not a batch charge"}, nil
	}
	reason := stripe.FailureReason(intent)
	if err := s.payments.HandlePaymentFailed(ctx, intent.ID, reason); err != nil {
		return nil, err
	}
	return map[string]any{"paymentIntentId": intent.ID, "reason": reason}, nil
}

type providerEvent struct {
	Type string `json:"type"`
	Data struct {
		ID            string `json:"id"`
		Status        string `json:"status"`
		FailureReason string `json:"failure_reason"`
	} `json:"data"`
}

func decodeProviderEvent(event *models.WebhookEvent) (providerEvent, error) {
	var evt providerEvent
	if err := json.Unmarshal(event.Payload, &evt); err != nil {
		return evt, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode provider event").Terminal()
	}
	if strings.TrimSpace(evt.Data.ID) == "" {
		return evt, pkgerrors.New(pkgerrors.CodeValidation, "provider event data.id missing").Terminal()
	}
	return evt, nil
}

func handleChangeCompleted(ctx context.Context, s *service, event *models.WebhookEvent) (any, error) {
	evt, err := decodeProviderEvent(event)
	if err != nil {
		return nil, err
	}
	return s.payments.HandleDisbursementCompleted(ctx, evt.Data.ID)
}

func handleChangeFailed(ctx context.Context, s *service, event *models.WebhookEvent) (any, error) {
	evt, err := decodeProviderEvent(event)
	if err != nil {
		return nil, err
	}
	return s.payments.HandleDisbursementFailed(ctx, evt.Data.ID, evt.Data.FailureReason)
}

func handleGrantCompleted(ctx context.Context, s *service, event *models.WebhookEvent) (any, error) {
	evt, err := decodeProviderEvent(event)
	if err != nil {
		return nil, err
	}
	if err := s.payments.HandleGrantCompleted(ctx, evt.Data.ID); err != nil {
		return nil, err
	}
	return map[string]any{"disbursementId": evt.Data.ID, "grantStatus": enums.GrantStatusCompleted}, nil
}

func handleGrantFailed(ctx context.Context, s *service, event *models.WebhookEvent) (any, error) {
	evt, err := decodeProviderEvent(event)
	if err != nil {
		return nil, err
	}
	if err := s.payments.HandleGrantFailed(ctx, evt.Data.ID, evt.Data.FailureReason); err != nil {
		return nil, err
	}
	return map[string]any{"disbursementId": evt.Data.ID, "grantStatus": enums.GrantStatusFailed}, nil
}

// everyOrgDonation is the hosted donate-link notification. partnerMetadata
// arrives either as the base64 string we sent or already decoded.
type everyOrgDonation struct {
	ChargeID        string          `json:"chargeId"`
	PartnerMetadata json.RawMessage `json:"partnerMetadata"`
	Data            *struct {
		ChargeID        string          `json:"chargeId"`
		PartnerMetadata json.RawMessage `json:"partnerMetadata"`
	} `json:"data"`
}

func (d everyOrgDonation) fields() (string, json.RawMessage) {
	if d.ChargeID == "" && d.Data != nil {
		return d.Data.ChargeID, d.Data.PartnerMetadata
	}
	return d.ChargeID, d.PartnerMetadata
}

func decodeMetadata(raw json.RawMessage) (*everyorg.PartnerMetadata, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "partner metadata missing").Terminal()
	}
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err == nil {
		meta, err := everyorg.DecodePartnerMetadata(encoded)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode partner metadata").Terminal()
		}
		return meta, nil
	}
	var meta everyorg.PartnerMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "parse partner metadata").Terminal()
	}
	return &meta, nil
}

func handleEveryOrgDonation(ctx context.Context, s *service, event *models.WebhookEvent) (any, error) {
	var payload everyOrgDonation
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode every.org donation").Terminal()
	}
	chargeID, rawMeta := payload.fields()
	if strings.TrimSpace(chargeID) == "" {
		chargeID = event.EventID
	}
	meta, err := decodeMetadata(rawMeta)
	if err != nil {
		return nil, err
	}
	userID, err := uuid.Parse(meta.UserID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "partner metadata user id").Terminal()
	}
	batchID, err := uuid.Parse(meta.BatchID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "partner metadata batch id").Terminal()
	}
	return s.settler.CompleteDonation(ctx, batching.CompleteDonationInput{
		BatchID:    &batchID,
		UserID:     &userID,
		EveryOrgID: chargeID,
	})
}

func acknowledge(message string) handlerFunc {
	return func(context.Context, *service, *models.WebhookEvent) (any, error) {
		return map[string]any{"acknowledged": true, "message": message}, nil
	}
}

func handleUnrecognized(ctx context.Context, s *service, event *models.WebhookEvent) (any, error) {
	if s.logg != nil {
		s.logg.Info(s.logg.WithField(ctx, "event_type", event.EventType), "unhandled webhook event")
	}
	return map[string]any{"handled": false, "reason": "unhandled"}, nil
}
