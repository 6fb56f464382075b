package webhooks

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	stripeapi "github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/countercart/countercart-backend/internal/batching"
	"github.com/countercart/countercart-backend/internal/ingestion"
	"github.com/countercart/countercart-backend/internal/payments"
	"github.com/countercart/countercart-backend/pkg/db/dbtest"
	"github.com/countercart/countercart-backend/pkg/db/models"
	"github.com/countercart/countercart-backend/pkg/enums"
	pkgerrors "github.com/countercart/countercart-backend/pkg/errors"
	"github.com/countercart/countercart-backend/pkg/logger"
)

type fakeSyncer struct {
	calls []uuid.UUID
	err   error
}

func (f *fakeSyncer) Sync(_ context.Context, itemID uuid.UUID) (ingestion.SyncResult, error) {
	f.calls = append(f.calls, itemID)
	if f.err != nil {
		return ingestion.SyncResult{}, f.err
	}
	return ingestion.SyncResult{ItemID: itemID, Added: 2}, nil
}

type fakePayments struct {
	succeeded     []string
	failed        map[string]string
	disbursed     []string
	disburseFails map[string]string
	grants        map[string]string
	err           error
}

func newFakePayments() *fakePayments {
	return &fakePayments{failed: map[string]string{}, disburseFails: map[string]string{}, grants: map[string]string{}}
}

func (f *fakePayments) HandlePaymentSucceeded(_ context.Context, id string) (payments.DistributeResult, error) {
	f.succeeded = append(f.succeeded, id)
	return payments.DistributeResult{Disbursed: 1}, f.err
}

func (f *fakePayments) HandlePaymentFailed(_ context.Context, id, reason string) error {
	f.failed[id] = reason
	return f.err
}

func (f *fakePayments) HandleDisbursementCompleted(_ context.Context, id string) (batching.CompleteResult, error) {
	f.disbursed = append(f.disbursed, id)
	return batching.CompleteResult{Status: enums.DonationStatusCompleted}, f.err
}

func (f *fakePayments) HandleDisbursementFailed(_ context.Context, id, reason string) (batching.CompleteResult, error) {
	f.disburseFails[id] = reason
	return batching.CompleteResult{Status: enums.DonationStatusFailed}, f.err
}

func (f *fakePayments) HandleGrantCompleted(_ context.Context, id string) error {
	f.grants[id] = "completed"
	return f.err
}

func (f *fakePayments) HandleGrantFailed(_ context.Context, id, reason string) error {
	f.grants[id] = "failed: " + reason
	return f.err
}

type fakeSettler struct {
	inputs []batching.CompleteDonationInput
}

func (f *fakeSettler) CompleteDonation(_ context.Context, in batching.CompleteDonationInput) (batching.CompleteResult, error) {
	f.inputs = append(f.inputs, in)
	return batching.CompleteResult{Status: enums.DonationStatusCompleted}, nil
}

type fakeClaims struct {
	seen     map[string]bool
	released []string
}

func (f *fakeClaims) Claim(_ context.Context, scope, id string) (bool, error) {
	key := scope + ":" + id
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}

func (f *fakeClaims) Release(_ context.Context, scope, id string) error {
	delete(f.seen, scope+":"+id)
	f.released = append(f.released, scope+":"+id)
	return nil
}

type fixture struct {
	svc      *service
	conn     *gorm.DB
	syncer   *fakeSyncer
	payments *fakePayments
	settler  *fakeSettler
	claims   *fakeClaims
}

var fixedNow = time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) fixture {
	t.Helper()
	conn := dbtest.New(t)
	f := fixture{
		conn:     conn,
		syncer:   &fakeSyncer{},
		payments: newFakePayments(),
		settler:  &fakeSettler{},
		claims:   &fakeClaims{seen: map[string]bool{}},
	}
	svc, err := NewService(ServiceParams{
		Repo:     NewRepository(conn),
		Syncer:   f.syncer,
		Payments: f.payments,
		Settler:  f.settler,
		Claims:   f.claims,
		Logger:   logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
	})
	require.NoError(t, err)
	f.svc = svc.(*service)
	f.svc.now = func() time.Time { return fixedNow }
	return f
}

func seedItem(t *testing.T, conn *gorm.DB) *models.PlaidItem {
	t.Helper()
	user := dbtest.SeedUser(t, conn)
	item, _ := dbtest.SeedBankAccount(t, conn, user, "token")
	return item
}

func plaidPayload(webhookType, code, itemID string) json.RawMessage {
	body, _ := json.Marshal(map[string]any{
		"webhook_type": webhookType,
		"webhook_code": code,
		"item_id":      itemID,
		"error":        map[string]any{"error_code": "ITEM_LOGIN_REQUIRED", "error_message": "login required"},
	})
	return body
}

func stripePayload(t *testing.T, eventType stripeapi.EventType, intent stripeapi.PaymentIntent) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(intent)
	require.NoError(t, err)
	body, err := json.Marshal(stripeapi.Event{
		ID:     "evt_" + uuid.NewString(),
		Type:   eventType,
		Object: "event",
		Data:   &stripeapi.EventData{Raw: raw},
	})
	require.NoError(t, err)
	return body
}

func ingest(t *testing.T, f fixture, in IngestInput) *models.WebhookEvent {
	t.Helper()
	event, created, err := f.svc.Ingest(context.Background(), in)
	require.NoError(t, err)
	require.True(t, created)
	return event
}

func reloadEvent(t *testing.T, conn *gorm.DB, id uuid.UUID) models.WebhookEvent {
	t.Helper()
	var event models.WebhookEvent
	require.NoError(t, conn.First(&event, "id = ?", id).Error)
	return event
}

func TestIngestDeduplicatesBySourceAndEventID(t *testing.T) {
	f := newFixture(t)
	in := IngestInput{
		Source:    enums.WebhookSourceStripe,
		EventType: "payment_intent.succeeded",
		EventID:   "evt_1",
		Payload:   json.RawMessage(`{"id":"evt_1"}`),
	}
	first := ingest(t, f, in)

	dup, created, err := f.svc.Ingest(context.Background(), in)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, dup.ID)

	// The claim cache lost its key; the unique constraint still holds.
	f.claims.seen = map[string]bool{}
	dup, created, err = f.svc.Ingest(context.Background(), in)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, dup.ID)

	var count int64
	require.NoError(t, f.conn.Model(&models.WebhookEvent{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestIngestPlaidDerivesDeterministicID(t *testing.T) {
	f := newFixture(t)
	a := json.RawMessage(`{"webhook_type":"TRANSACTIONS","webhook_code":"DEFAULT_UPDATE","item_id":"item-1","new_transactions":3}`)
	b := json.RawMessage(`{ "item_id": "item-1", "new_transactions": 3, "webhook_code": "DEFAULT_UPDATE", "webhook_type": "TRANSACTIONS" }`)

	idA, err := DeterministicEventID(a)
	require.NoError(t, err)
	idB, err := DeterministicEventID(b)
	require.NoError(t, err)
	require.Equal(t, idA, idB)
	require.Len(t, idA, 64)

	event := ingest(t, f, IngestInput{Source: enums.WebhookSourcePlaid, Payload: a})
	require.Equal(t, idA, event.EventID)
	require.Equal(t, "TRANSACTIONS.DEFAULT_UPDATE", event.EventType)

	_, created, err := f.svc.Ingest(context.Background(), IngestInput{Source: enums.WebhookSourcePlaid, Payload: b})
	require.NoError(t, err)
	require.False(t, created)
}

func TestIngestValidation(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.svc.Ingest(context.Background(), IngestInput{Source: "square", Payload: json.RawMessage(`{}`)})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, _, err = f.svc.Ingest(context.Background(), IngestInput{Source: enums.WebhookSourceStripe, EventType: "x", Payload: json.RawMessage(`{}`)})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, _, err = f.svc.Ingest(context.Background(), IngestInput{Source: enums.WebhookSourceChange, EventID: "1"})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestHandlePlaidSyncCompletesOnce(t *testing.T) {
	f := newFixture(t)
	item := seedItem(t, f.conn)
	event := ingest(t, f, IngestInput{Source: enums.WebhookSourcePlaid, Payload: plaidPayload("TRANSACTIONS", "SYNC_UPDATES_AVAILABLE", item.ItemID)})

	res, err := f.svc.Handle(context.Background(), event.ID)
	require.NoError(t, err)
	require.Equal(t, KindPlaidTransactionsSync, res.Kind)
	require.Equal(t, enums.WebhookEventCompleted, res.Status)
	require.Equal(t, []uuid.UUID{item.ID}, f.syncer.calls)

	stored := reloadEvent(t, f.conn, event.ID)
	require.Equal(t, enums.WebhookEventCompleted, stored.Status)
	require.NotNil(t, stored.ProcessedAt)

	again, err := f.svc.Handle(context.Background(), event.ID)
	require.NoError(t, err)
	require.True(t, again.Skipped)
	require.Len(t, f.syncer.calls, 1)
}

func TestHandleClaimIsExclusive(t *testing.T) {
	f := newFixture(t)
	item := seedItem(t, f.conn)
	event := ingest(t, f, IngestInput{Source: enums.WebhookSourcePlaid, Payload: plaidPayload("TRANSACTIONS", "DEFAULT_UPDATE", item.ItemID)})

	claimed, err := f.svc.repo.Claim(context.Background(), event.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	claimed, err = f.svc.repo.Claim(context.Background(), event.ID)
	require.NoError(t, err)
	require.False(t, claimed)

	res, err := f.svc.Handle(context.Background(), event.ID)
	require.NoError(t, err)
	require.True(t, res.Skipped)
	require.Empty(t, f.syncer.calls)
}

func TestHandleFailureIsRecorded(t *testing.T) {
	f := newFixture(t)
	item := seedItem(t, f.conn)
	f.syncer.err = pkgerrors.New(pkgerrors.CodeDependency, "plaid unavailable")
	event := ingest(t, f, IngestInput{Source: enums.WebhookSourcePlaid, Payload: plaidPayload("TRANSACTIONS", "DEFAULT_UPDATE", item.ItemID)})

	res, err := f.svc.Handle(context.Background(), event.ID)
	require.Error(t, err)
	require.Equal(t, enums.WebhookEventFailed, res.Status)

	stored := reloadEvent(t, f.conn, event.ID)
	require.Equal(t, enums.WebhookEventFailed, stored.Status)
	require.Equal(t, 1, stored.RetryCount)
	require.NotNil(t, stored.Error)
	require.Contains(t, *stored.Error, "plaid unavailable")
}

func TestHandleUnknownPlaidItemFails(t *testing.T) {
	f := newFixture(t)
	event := ingest(t, f, IngestInput{Source: enums.WebhookSourcePlaid, Payload: plaidPayload("TRANSACTIONS", "DEFAULT_UPDATE", "item-missing")})

	_, err := f.svc.Handle(context.Background(), event.ID)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
	require.Equal(t, enums.WebhookEventFailed, reloadEvent(t, f.conn, event.ID).Status)
}

func TestHandlePlaidItemCodes(t *testing.T) {
	cases := []struct {
		code      string
		status    enums.PlaidItemStatus
		errorCode *string
		synced    bool
	}{
		{code: "ERROR", status: enums.PlaidItemError, errorCode: strPtr("ITEM_LOGIN_REQUIRED")},
		{code: "LOGIN_REPAIRED", status: enums.PlaidItemActive, synced: true},
		{code: "PENDING_EXPIRATION", status: enums.PlaidItemLoginRequired},
		{code: "USER_PERMISSION_REVOKED", status: enums.PlaidItemDisconnected},
		{code: "WEBHOOK_UPDATE_ACKNOWLEDGED", status: enums.PlaidItemError, errorCode: strPtr("OLD")},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			f := newFixture(t)
			item := seedItem(t, f.conn)
			require.NoError(t, f.conn.Model(item).Updates(map[string]any{"status": enums.PlaidItemError, "error_code": "OLD"}).Error)
			event := ingest(t, f, IngestInput{Source: enums.WebhookSourcePlaid, Payload: plaidPayload("ITEM", tc.code, item.ItemID)})

			_, err := f.svc.Handle(context.Background(), event.ID)
			require.NoError(t, err)

			var stored models.PlaidItem
			require.NoError(t, f.conn.First(&stored, "id = ?", item.ID).Error)
			require.Equal(t, tc.status, stored.Status)
			if tc.errorCode != nil {
				require.NotNil(t, stored.ErrorCode)
				require.Equal(t, *tc.errorCode, *stored.ErrorCode)
			}
			if tc.code == "LOGIN_REPAIRED" {
				require.Nil(t, stored.ErrorCode)
			}
			require.Equal(t, tc.synced, len(f.syncer.calls) == 1)
		})
	}
}

func TestHandleStripeEvents(t *testing.T) {
	f := newFixture(t)
	batchMeta := map[string]string{"type": "batch_donation", "batch_id": uuid.NewString()}

	ok := ingest(t, f, IngestInput{
		Source: enums.WebhookSourceStripe, EventType: "payment_intent.succeeded", EventID: "evt_ok",
		Payload: stripePayload(t, stripeapi.EventTypePaymentIntentSucceeded, stripeapi.PaymentIntent{ID: "pi_ok", Metadata: batchMeta}),
	})
	failed := ingest(t, f, IngestInput{
		Source: enums.WebhookSourceStripe, EventType: "payment_intent.payment_failed", EventID: "evt_fail",
		Payload: stripePayload(t, stripeapi.EventTypePaymentIntentPaymentFailed, stripeapi.PaymentIntent{
			ID: "pi_fail", Metadata: batchMeta, LastPaymentError: &stripeapi.Error{Msg: "account closed"},
		}),
	})
	other := ingest(t, f, IngestInput{
		Source: enums.WebhookSourceStripe, EventType: "payment_intent.succeeded", EventID: "evt_other",
		Payload: stripePayload(t, stripeapi.EventTypePaymentIntentSucceeded, stripeapi.PaymentIntent{ID: "pi_other"}),
	})
	processing := ingest(t, f, IngestInput{
		Source: enums.WebhookSourceStripe, EventType: "payment_intent.processing", EventID: "evt_proc",
		Payload: stripePayload(t, stripeapi.EventTypePaymentIntentProcessing, stripeapi.PaymentIntent{ID: "pi_ok", Metadata: batchMeta}),
	})

	for _, e := range []*models.WebhookEvent{ok, failed, other, processing} {
		res, err := f.svc.Handle(context.Background(), e.ID)
		require.NoError(t, err)
		require.Equal(t, enums.WebhookEventCompleted, res.Status)
	}
	require.Equal(t, []string{"pi_ok"}, f.payments.succeeded)
	require.Equal(t, map[string]string{"pi_fail": "account closed"}, f.payments.failed)
}

func TestHandleDisbursementProviders(t *testing.T) {
	f := newFixture(t)
	events := []IngestInput{
		{Source: enums.WebhookSourceChange, EventType: "donation.completed", EventID: "c1", Payload: json.RawMessage(`{"type":"donation.completed","data":{"id":"chg_1"}}`)},
		{Source: enums.WebhookSourceChange, EventType: "donation.failed", EventID: "c2", Payload: json.RawMessage(`{"type":"donation.failed","data":{"id":"chg_2","failure_reason":"nonprofit closed"}}`)},
		{Source: enums.WebhookSourceEveryOrg, EventType: "disbursement.completed", EventID: "e1", Payload: json.RawMessage(`{"type":"disbursement.completed","data":{"id":"disb_1"}}`)},
		{Source: enums.WebhookSourceEveryOrg, EventType: "disbursement.failed", EventID: "e2", Payload: json.RawMessage(`{"type":"disbursement.failed","data":{"id":"disb_2","failure_reason":"bank rejected"}}`)},
	}
	for _, in := range events {
		event := ingest(t, f, in)
		_, err := f.svc.Handle(context.Background(), event.ID)
		require.NoError(t, err)
	}
	require.Equal(t, []string{"chg_1"}, f.payments.disbursed)
	require.Equal(t, "nonprofit closed", f.payments.disburseFails["chg_2"])
	require.Equal(t, "completed", f.payments.grants["disb_1"])
	require.Equal(t, "failed: bank rejected", f.payments.grants["disb_2"])
}

func TestHandleDisbursementMissingIDIsTerminal(t *testing.T) {
	f := newFixture(t)
	event := ingest(t, f, IngestInput{Source: enums.WebhookSourceChange, EventType: "donation.completed", EventID: "c1", Payload: json.RawMessage(`{"type":"donation.completed","data":{}}`)})
	_, err := f.svc.Handle(context.Background(), event.ID)
	require.Error(t, err)
	require.False(t, pkgerrors.IsRetryable(err))
}

func TestHandleEveryOrgDonationCompletesByMetadata(t *testing.T) {
	f := newFixture(t)
	userID, batchID := uuid.New(), uuid.New()
	meta, err := json.Marshal(map[string]string{"userId": userID.String(), "batchId": batchID.String()})
	require.NoError(t, err)

	encoded, err := json.Marshal(map[string]any{
		"chargeId":        "ch_1",
		"partnerMetadata": base64.StdEncoding.EncodeToString(meta),
	})
	require.NoError(t, err)
	decoded, err := json.Marshal(map[string]any{
		"data": map[string]any{"chargeId": "ch_2", "partnerMetadata": json.RawMessage(meta)},
	})
	require.NoError(t, err)

	for i, payload := range []json.RawMessage{encoded, decoded} {
		event := ingest(t, f, IngestInput{Source: enums.WebhookSourceEveryOrg, EventType: "donation.completed", EventID: uuid.NewString(), Payload: payload})
		_, err := f.svc.Handle(context.Background(), event.ID)
		require.NoError(t, err, "payload %d", i)
	}
	require.Len(t, f.settler.inputs, 2)
	require.Equal(t, "ch_1", f.settler.inputs[0].EveryOrgID)
	require.Equal(t, "ch_2", f.settler.inputs[1].EveryOrgID)
	require.Equal(t, userID, *f.settler.inputs[0].UserID)
	require.Equal(t, batchID, *f.settler.inputs[1].BatchID)
}

func TestHandleUnrecognizedCompletes(t *testing.T) {
	f := newFixture(t)
	event := ingest(t, f, IngestInput{Source: enums.WebhookSourceStripe, EventType: "charge.refunded", EventID: "evt_r", Payload: json.RawMessage(`{}`)})

	res, err := f.svc.Handle(context.Background(), event.ID)
	require.NoError(t, err)
	require.Equal(t, KindUnrecognized, res.Kind)
	require.Equal(t, enums.WebhookEventCompleted, res.Status)
}

func TestHandleNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Handle(context.Background(), uuid.New())
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestRetryRespectsAttemptBudget(t *testing.T) {
	f := newFixture(t)
	item := seedItem(t, f.conn)
	base := fixedNow.Add(-time.Hour)
	payload := plaidPayload("TRANSACTIONS", "DEFAULT_UPDATE", item.ItemID)
	retryable := models.WebhookEvent{Source: enums.WebhookSourcePlaid, EventType: "TRANSACTIONS.DEFAULT_UPDATE", EventID: "a", Payload: payload, Status: enums.WebhookEventFailed, RetryCount: 2, CreatedAt: base}
	exhausted := models.WebhookEvent{Source: enums.WebhookSourcePlaid, EventType: "TRANSACTIONS.DEFAULT_UPDATE", EventID: "b", Payload: payload, Status: enums.WebhookEventFailed, RetryCount: 3, CreatedAt: base}
	broken := models.WebhookEvent{Source: enums.WebhookSourcePlaid, EventType: "TRANSACTIONS.DEFAULT_UPDATE", EventID: "c", Payload: plaidPayload("TRANSACTIONS", "DEFAULT_UPDATE", "item-gone"), Status: enums.WebhookEventFailed, RetryCount: 0, CreatedAt: base.Add(time.Minute)}
	dbtest.Create(t, f.conn, &retryable, &exhausted, &broken)

	res, err := f.svc.Retry(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, 2, res.TotalRetried)
	require.Equal(t, 1, res.Succeeded)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, retryable.ID, res.Results[0].EventID)

	require.Equal(t, enums.WebhookEventCompleted, reloadEvent(t, f.conn, retryable.ID).Status)
	require.Equal(t, enums.WebhookEventFailed, reloadEvent(t, f.conn, exhausted.ID).Status)
	require.Equal(t, 3, reloadEvent(t, f.conn, exhausted.ID).RetryCount)
	require.Equal(t, 1, reloadEvent(t, f.conn, broken.ID).RetryCount)
}

func TestListRecent(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		ingest(t, f, IngestInput{Source: enums.WebhookSourceStripe, EventType: "x", EventID: uuid.NewString(), Payload: json.RawMessage(`{}`)})
	}
	rows, err := f.svc.ListRecent(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestHandlerTableCoversEveryKind(t *testing.T) {
	table := handlerTable()
	for _, kind := range AllKinds() {
		require.Contains(t, table, kind, "kind %s has no handler", kind)
	}
	require.Len(t, table, len(AllKinds()))
	for _, kind := range classification {
		require.Contains(t, AllKinds(), kind)
	}
}

func TestClassify(t *testing.T) {
	require.Equal(t, KindPlaidTransactionsSync, Classify(enums.WebhookSourcePlaid, "TRANSACTIONS", "INITIAL_UPDATE"))
	require.Equal(t, KindPlaidItemLoginRepaired, Classify(enums.WebhookSourcePlaid, "ITEM", "LOGIN_REPAIRED"))
	require.Equal(t, KindUnrecognized, Classify(enums.WebhookSourcePlaid, "AUTH", "DEFAULT_UPDATE"))
	require.Equal(t, KindStripePaymentFailed, Classify(enums.WebhookSourceStripe, "payment_intent.payment_failed", ""))
	require.Equal(t, KindUnrecognized, Classify(enums.WebhookSourceChange, "payment_intent.succeeded", ""))
	require.Equal(t, KindEveryOrgDonationCompleted, Classify(enums.WebhookSourceEveryOrg, "donation.completed", ""))
}

func TestNewServiceValidation(t *testing.T) {
	_, err := NewService(ServiceParams{})
	require.EqualError(t, err, "webhook repository required")

	_, err = NewService(ServiceParams{Repo: NewRepository(dbtest.New(t))})
	require.EqualError(t, err, "transaction syncer required")
}

func strPtr(v string) *string { return &v }
