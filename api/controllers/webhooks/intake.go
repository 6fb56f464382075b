package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	stripeapi "github.com/stripe/stripe-go/v84"

	"github.com/countercart/countercart-backend/api/responses"
	webhooksvc "github.com/countercart/countercart-backend/internal/webhooks"
	"github.com/countercart/countercart-backend/pkg/db/models"
	"github.com/countercart/countercart-backend/pkg/enums"
	pkgerrors "github.com/countercart/countercart-backend/pkg/errors"
	"github.com/countercart/countercart-backend/pkg/logger"
)

const (
	maxBodyBytes = 1 << 20

	PlaidVerificationHeader = "Plaid-Verification"
	StripeSignatureHeader   = "Stripe-Signature"
	ChangeSignatureHeader   = "X-Change-Signature"
)

// IntakeService stores a delivery and runs it.
type IntakeService interface {
	Ingest(ctx context.Context, in webhooksvc.IngestInput) (*models.WebhookEvent, bool, error)
	Handle(ctx context.Context, eventID uuid.UUID) (webhooksvc.HandleResult, error)
}

type PlaidVerifier interface {
	Verify(ctx context.Context, token string, body []byte) error
}

// StripeVerifier checks a Stripe-Signature header and parses the event.
type StripeVerifier func(payload []byte, signature, secret string) (stripeapi.Event, error)

// StripeSigner supplies the webhook signing secret. *stripe.Client satisfies
// it and reports an empty secret when nil.
type StripeSigner interface {
	SigningSecret() string
}

type intakeResponse struct {
	Received  bool                     `json:"received"`
	EventID   uuid.UUID                `json:"eventId"`
	Duplicate bool                     `json:"duplicate,omitempty"`
	Status    enums.WebhookEventStatus `json:"status"`
}

// Plaid verifies the Plaid-Verification JWT when a verifier is configured.
func Plaid(svc IntakeService, verifier PlaidVerifier, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		body, ok := readBody(w, r, logg)
		if !ok {
			return
		}
		token := r.Header.Get(PlaidVerificationHeader)
		if verifier != nil {
			if err := verifier.Verify(ctx, token, body); err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid plaid webhook signature"))
				return
			}
		}
		intake(ctx, w, svc, webhooksvc.IngestInput{
			Source:    enums.WebhookSourcePlaid,
			Payload:   body,
			Signature: token,
		}, logg)
	}
}

func Stripe(svc IntakeService, signer StripeSigner, verify StripeVerifier, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		body, ok := readBody(w, r, logg)
		if !ok {
			return
		}
		sig := r.Header.Get(StripeSignatureHeader)
		if sig == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "stripe signature missing"))
			return
		}
		var secret string
		if signer != nil {
			secret = signer.SigningSecret()
		}
		if strings.TrimSpace(secret) == "" || verify == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeDependency, "stripe webhook secret not configured"))
			return
		}
		event, err := verify(body, sig, secret)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid stripe signature"))
			return
		}
		intake(ctx, w, svc, webhooksvc.IngestInput{
			Source:    enums.WebhookSourceStripe,
			EventType: string(event.Type),
			EventID:   event.ID,
			Payload:   body,
			Signature: sig,
		}, logg)
	}
}

// Change checks an HMAC-SHA256 of the raw body keyed by the shared secret.
func Change(svc IntakeService, secret string, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		body, ok := readBody(w, r, logg)
		if !ok {
			return
		}
		sig := r.Header.Get(ChangeSignatureHeader)
		if !validHMAC(body, sig, secret) {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid change signature"))
			return
		}
		in, err := providerInput(enums.WebhookSourceChange, body)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		in.Signature = sig
		intake(ctx, w, svc, in, logg)
	}
}

// EveryOrg checks the webhook_token echoed back in the notification body.
func EveryOrg(svc IntakeService, token string, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		body, ok := readBody(w, r, logg)
		if !ok {
			return
		}
		var envelope struct {
			WebhookToken string `json:"webhook_token"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid webhook body"))
			return
		}
		provided := envelope.WebhookToken
		if provided == "" {
			provided = r.URL.Query().Get("webhook_token")
		}
		if !equalSecret(provided, token) {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid every.org webhook token"))
			return
		}
		in, err := providerInput(enums.WebhookSourceEveryOrg, body)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		intake(ctx, w, svc, in, logg)
	}
}

// intake stores the delivery and runs it inline. Handling failures stay on
// the stored event for the retry job and are not reported to the provider.
func intake(ctx context.Context, w http.ResponseWriter, svc IntakeService, in webhooksvc.IngestInput, logg *logger.Logger) {
	event, created, err := svc.Ingest(ctx, in)
	if err != nil {
		responses.WriteError(ctx, logg, w, err)
		return
	}
	resp := intakeResponse{Received: true, EventID: event.ID, Duplicate: !created, Status: event.Status}
	if created {
		res, err := svc.Handle(ctx, event.ID)
		if err != nil && logg != nil {
			logg.Warn(logg.WithFields(ctx, map[string]any{
				"webhook_event_id": event.ID.String(),
				"error":            err.Error(),
			}), "webhook stored for retry")
		}
		if res.Status != "" {
			resp.Status = res.Status
		}
	}
	responses.WriteSuccess(w, resp)
}

// providerInput reads the event type and id from a Change or Every.org body.
// Every.org donation notifications carry neither and are keyed by charge id.
func providerInput(source enums.WebhookSource, body []byte) (webhooksvc.IngestInput, error) {
	var envelope struct {
		ID       string `json:"id"`
		Type     string `json:"type"`
		ChargeID string `json:"chargeId"`
		Data     *struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return webhooksvc.IngestInput{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid webhook body")
	}
	in := webhooksvc.IngestInput{Source: source, EventType: envelope.Type, EventID: envelope.ID, Payload: body}
	if in.EventType == "" && envelope.ChargeID != "" {
		in.EventType = "donation.completed"
	}
	if in.EventID == "" && envelope.ChargeID != "" {
		in.EventID = envelope.ChargeID
	}
	if in.EventID == "" {
		id, err := webhooksvc.DeterministicEventID(body)
		if err != nil {
			return webhooksvc.IngestInput{}, err
		}
		in.EventID = id
	}
	return in, nil
}

func readBody(w http.ResponseWriter, r *http.Request, logg *logger.Logger) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
		return nil, false
	}
	if len(bytes.TrimSpace(body)) == 0 {
		responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "empty webhook body"))
		return nil, false
	}
	return body, true
}

func validHMAC(body []byte, signature, secret string) bool {
	if strings.TrimSpace(secret) == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")))
}

func equalSecret(provided, expected string) bool {
	if strings.TrimSpace(expected) == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}
