package webhooks

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/countercart/countercart-backend/internal/batching"
	"github.com/countercart/countercart-backend/internal/ingestion"
	"github.com/countercart/countercart-backend/internal/payments"
	"github.com/countercart/countercart-backend/pkg/db/models"
	"github.com/countercart/countercart-backend/pkg/enums"
	pkgerrors "github.com/countercart/countercart-backend/pkg/errors"
	"github.com/countercart/countercart-backend/pkg/logger"
	"github.com/countercart/countercart-backend/pkg/metrics"
)

const (
	DefaultMaxAttempts = 3
	retryBatchSize     = 50
	defaultRecentLimit = 50
	maxRecentLimit     = 200
)

type syncer interface {
	Sync(ctx context.Context, itemID uuid.UUID) (ingestion.SyncResult, error)
}

type paymentEvents interface {
	HandlePaymentSucceeded(ctx context.Context, paymentIntentID string) (payments.DistributeResult, error)
	HandlePaymentFailed(ctx context.Context, paymentIntentID, reason string) error
	HandleDisbursementCompleted(ctx context.Context, externalID string) (batching.CompleteResult, error)
	HandleDisbursementFailed(ctx context.Context, externalID, reason string) (batching.CompleteResult, error)
	HandleGrantCompleted(ctx context.Context, disbursementID string) error
	HandleGrantFailed(ctx context.Context, disbursementID, reason string) error
}

type donationSettler interface {
	CompleteDonation(ctx context.Context, in batching.CompleteDonationInput) (batching.CompleteResult, error)
}

type claimer interface {
	Claim(ctx context.Context, scope, id string) (bool, error)
	Release(ctx context.Context, scope, id string) error
}

// Service stores provider notifications once and drives them to completion.
type Service interface {
	Ingest(ctx context.Context, in IngestInput) (*models.WebhookEvent, bool, error)
	Handle(ctx context.Context, eventID uuid.UUID) (HandleResult, error)
	Retry(ctx context.Context, maxAttempts int) (RetryResult, error)
	ListRecent(ctx context.Context, limit int) ([]models.WebhookEvent, error)
}

type ServiceParams struct {
	Repo     Repository
	Syncer   syncer
	Payments paymentEvents
	Settler  donationSettler
	// Claims is an optional fast-path duplicate filter in front of the
	// (source, event_id) constraint.
	Claims  claimer
	Logger  *logger.Logger
	Metrics *metrics.PipelineMetrics
}

type service struct {
	repo     Repository
	syncer   syncer
	payments paymentEvents
	settler  donationSettler
	claims   claimer
	logg     *logger.Logger
	metrics  *metrics.PipelineMetrics
	handlers map[Kind]handlerFunc
	now      func() time.Time
}

func NewService(p ServiceParams) (Service, error) {
	switch {
	case p.Repo == nil:
		return nil, fmt.Errorf("webhook repository required")
	case p.Syncer == nil:
		return nil, fmt.Errorf("transaction syncer required")
	case p.Payments == nil:
		return nil, fmt.Errorf("payment orchestrator required")
	case p.Settler == nil:
		return nil, fmt.Errorf("donation settler required")
	}
	return &service{
		repo:     p.Repo,
		syncer:   p.Syncer,
		payments: p.Payments,
		settler:  p.Settler,
		claims:   p.Claims,
		logg:     p.Logger,
		metrics:  p.Metrics,
		handlers: handlerTable(),
		now:      time.Now,
	}, nil
}

type IngestInput struct {
	Source    enums.WebhookSource
	EventType string
	EventID   string
	Payload   json.RawMessage
	Signature string
}

type HandleResult struct {
	EventID uuid.UUID                `json:"eventId"`
	Kind    Kind                     `json:"kind,omitempty"`
	Status  enums.WebhookEventStatus `json:"status"`
	Result  any                      `json:"result,omitempty"`
	Error   string                   `json:"error,omitempty"`
	Skipped bool                     `json:"skipped,omitempty"`
	Reason  string                   `json:"reason,omitempty"`
}

type RetryOutcome struct {
	EventID uuid.UUID    `json:"eventId"`
	Success bool         `json:"success"`
	Error   string       `json:"error,omitempty"`
	Result  HandleResult `json:"result"`
}

type RetryResult struct {
	TotalRetried int            `json:"totalRetried"`
	Succeeded    int            `json:"succeeded"`
	Failed       int            `json:"failed"`
	Results      []RetryOutcome `json:"results"`
}

// Ingest records a delivery. A duplicate returns the stored row and false.
func (s *service) Ingest(ctx context.Context, in IngestInput) (*models.WebhookEvent, bool, error) {
	if !in.Source.IsValid() {
		return nil, false, pkgerrors.New(pkgerrors.CodeValidation, "unknown webhook source")
	}
	if len(bytes.TrimSpace(in.Payload)) == 0 {
		return nil, false, pkgerrors.New(pkgerrors.CodeValidation, "webhook payload required")
	}
	eventType := strings.TrimSpace(in.EventType)
	eventID := strings.TrimSpace(in.EventID)
	if in.Source == enums.WebhookSourcePlaid {
		var env plaidEnvelope
		if err := json.Unmarshal(in.Payload, &env); err != nil {
			return nil, false, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode plaid payload")
		}
		if eventType == "" {
			eventType = env.WebhookType + "." + env.WebhookCode
		}
		if eventID == "" {
			id, err := DeterministicEventID(in.Payload)
			if err != nil {
				return nil, false, err
			}
			eventID = id
		}
	}
	if eventID == "" {
		return nil, false, pkgerrors.New(pkgerrors.CodeValidation, "event id required")
	}
	if eventType == "" {
		return nil, false, pkgerrors.New(pkgerrors.CodeValidation, "event type required")
	}
	ctx = s.eventContext(ctx, in.Source, eventID)

	claimed := false
	if s.claims != nil {
		first, err := s.claims.Claim(ctx, string(in.Source), eventID)
		switch {
		case err != nil:
			if s.logg != nil {
				s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "webhook idempotency claim unavailable")
			}
		case !first:
			existing, err := s.repo.FindBySourceEventID(ctx, in.Source, eventID)
			if err != nil {
				return nil, false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load webhook event")
			}
			if existing != nil {
				s.metrics.IncWebhook(string(in.Source), "duplicate")
				return existing, false, nil
			}
		default:
			claimed = true
		}
	}

	event := &models.WebhookEvent{
		Source:    in.Source,
		EventType: eventType,
		EventID:   eventID,
		Payload:   in.Payload,
		Status:    enums.WebhookEventPending,
	}
	if sig := strings.TrimSpace(in.Signature); sig != "" {
		event.Signature = &sig
	}
	created, err := s.repo.Insert(ctx, event)
	if err != nil {
		if claimed {
			_ = s.claims.Release(ctx, string(in.Source), eventID)
		}
		return nil, false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "store webhook event")
	}
	if !created {
		existing, err := s.repo.FindBySourceEventID(ctx, in.Source, eventID)
		if err != nil {
			return nil, false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load webhook event")
		}
		if existing == nil {
			return nil, false, pkgerrors.New(pkgerrors.CodeConflict, "webhook event vanished after conflict")
		}
		s.metrics.IncWebhook(string(in.Source), "duplicate")
		return existing, false, nil
	}
	s.metrics.IncWebhook(string(in.Source), "received")
	if s.logg != nil {
		s.logg.Info(s.logg.WithField(ctx, "event_type", eventType), "webhook event stored")
	}
	return event, true, nil
}

// Handle runs a PENDING event. Concurrent callers race on the
// PENDING to PROCESSING update and only the winner dispatches.
func (s *service) Handle(ctx context.Context, eventID uuid.UUID) (HandleResult, error) {
	result := HandleResult{EventID: eventID}
	event, err := s.repo.Find(ctx, eventID)
	if err != nil {
		return result, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load webhook event")
	}
	if event == nil {
		return result, pkgerrors.New(pkgerrors.CodeNotFound, "webhook event not found")
	}
	result.Status = event.Status
	if event.Status != enums.WebhookEventPending {
		result.Skipped = true
		result.Reason = fmt.Sprintf("event status is %s", event.Status)
		return result, nil
	}
	claimed, err := s.repo.Claim(ctx, event.ID)
	if err != nil {
		return result, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "claim webhook event")
	}
	if !claimed {
		result.Skipped = true
		result.Reason = "event already claimed"
		return result, nil
	}

	ctx = s.eventContext(ctx, event.Source, event.EventID)
	kind := classifyEvent(event)
	result.Kind = kind
	if s.logg != nil {
		ctx = s.logg.WithField(ctx, "webhook_kind", string(kind))
	}
	out, handleErr := s.dispatch(ctx, kind, event)
	result.Result = out

	if handleErr != nil {
		if err := s.repo.Fail(ctx, event.ID, handleErr.Error()); err != nil {
			return result, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "record webhook failure")
		}
		result.Status = enums.WebhookEventFailed
		result.Error = handleErr.Error()
		s.metrics.IncWebhook(string(event.Source), "failed")
		if s.logg != nil {
			s.logg.Error(ctx, "webhook handling failed", handleErr)
		}
		return result, handleErr
	}

	if err := s.repo.Complete(ctx, event.ID, s.now().UTC()); err != nil {
		return result, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "complete webhook event")
	}
	result.Status = enums.WebhookEventCompleted
	s.metrics.IncWebhook(string(event.Source), "completed")
	if s.logg != nil {
		s.logg.Info(ctx, "webhook handled")
	}
	return result, nil
}

func (s *service) dispatch(ctx context.Context, kind Kind, event *models.WebhookEvent) (out any, err error) {
	handler, ok := s.handlers[kind]
	if !ok {
		handler = s.handlers[KindUnrecognized]
	}
	defer func() {
		if r := recover(); r != nil {
			err = pkgerrors.New(pkgerrors.CodeInternal, fmt.Sprintf("webhook handler panic: %v", r))
		}
	}()
	return handler(ctx, s, event)
}

// Retry re-runs FAILED events still under maxAttempts, oldest first. One
// event failing never stops the rest.
func (s *service) Retry(ctx context.Context, maxAttempts int) (RetryResult, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	rows, err := s.repo.ListRetryable(ctx, maxAttempts, retryBatchSize)
	if err != nil {
		return RetryResult{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list failed webhook events")
	}
	summary := RetryResult{TotalRetried: len(rows), Results: make([]RetryOutcome, 0, len(rows))}
	for _, row := range rows {
		outcome := RetryOutcome{EventID: row.ID}
		requeued, err := s.repo.Requeue(ctx, row.ID)
		if err != nil || !requeued {
			outcome.Error = "event could not be requeued"
			if err != nil {
				outcome.Error = err.Error()
			}
			summary.Failed++
			summary.Results = append(summary.Results, outcome)
			continue
		}
		res, err := s.Handle(ctx, row.ID)
		outcome.Result = res
		if err != nil {
			outcome.Error = err.Error()
			summary.Failed++
		} else {
			outcome.Success = true
			summary.Succeeded++
		}
		summary.Results = append(summary.Results, outcome)
	}
	if s.logg != nil {
		s.logg.Info(s.logg.WithFields(ctx, map[string]any{
			"total_retried": summary.TotalRetried,
			"succeeded":     summary.Succeeded,
			"failed":        summary.Failed,
		}), "webhook retry completed")
	}
	return summary, nil
}

func (s *service) ListRecent(ctx context.Context, limit int) ([]models.WebhookEvent, error) {
	switch {
	case limit <= 0:
		limit = defaultRecentLimit
	case limit > maxRecentLimit:
		limit = maxRecentLimit
	}
	rows, err := s.repo.ListRecent(ctx, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list webhook events")
	}
	return rows, nil
}

func (s *service) eventContext(ctx context.Context, source enums.WebhookSource, eventID string) context.Context {
	if s.logg == nil {
		return ctx
	}
	return s.logg.WithFields(ctx, map[string]any{
		"webhook_source": string(source),
		"event_id":       eventID,
	})
}

// DeterministicEventID hashes the canonical form of a JSON body so that
// re-deliveries of an id-less payload collapse to one event.
func DeterministicEventID(payload []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode webhook payload")
	}
	canonical, err := json.Marshal(v)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "canonicalize webhook payload")
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
