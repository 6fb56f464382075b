package payments

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/countercart/countercart-backend/internal/batching"
	"github.com/countercart/countercart-backend/internal/payments/disbursement"
	"github.com/countercart/countercart-backend/pkg/db"
	"github.com/countercart/countercart-backend/pkg/db/dbtest"
	"github.com/countercart/countercart-backend/pkg/db/models"
	"github.com/countercart/countercart-backend/pkg/enums"
	pkgerrors "github.com/countercart/countercart-backend/pkg/errors"
	"github.com/countercart/countercart-backend/pkg/logger"
	"github.com/countercart/countercart-backend/pkg/outbox"
	"github.com/countercart/countercart-backend/pkg/retry"
	"github.com/countercart/countercart-backend/pkg/stripe"
)

var fixedNow = time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)

type fakeCharger struct {
	configured bool
	result     *stripe.BatchChargeResult
	err        error
	calls      []stripe.BatchChargeRequest
}

func (f *fakeCharger) Configured() bool { return f.configured }

func (f *fakeCharger) ChargeBatch(_ context.Context, req stripe.BatchChargeRequest) (*stripe.BatchChargeResult, error) {
	f.calls = append(f.calls, req)
	return f.result, f.err
}

// fakeProvider resolves charities by slug and records every payout request.
type fakeProvider struct {
	flow       enums.DisbursementFlow
	configured bool
	ids        map[string]string
	failFor    map[string]error
	errs       []error
	requests   []disbursement.Request
}

func (f *fakeProvider) Flow() enums.DisbursementFlow { return f.flow }

func (f *fakeProvider) Configured() bool { return f.configured }

func (f *fakeProvider) Resolve(_ context.Context, charity *models.Charity) (disbursement.Resolution, error) {
	if charity == nil {
		return disbursement.Resolution{}, nil
	}
	return disbursement.Resolution{ID: f.ids[charity.EveryOrgSlug]}, nil
}

func (f *fakeProvider) Disburse(_ context.Context, req disbursement.Request) (*disbursement.Receipt, error) {
	f.requests = append(f.requests, req)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	first := req.Recipients[0].ProviderID
	if err := f.failFor[first]; err != nil {
		return nil, err
	}
	return &disbursement.Receipt{ID: "disb_" + first + "_" + uuid.NewString()[:8], Status: "pending"}, nil
}

type fixture struct {
	orch    *orchestrator
	conn    *gorm.DB
	charger *fakeCharger
	retail  *fakeProvider
	grant   *fakeProvider
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	return newFlowFixture(t, enums.DisbursementFlowRetail)
}

func newFlowFixture(t *testing.T, flow enums.DisbursementFlow) fixture {
	t.Helper()
	conn := dbtest.New(t)
	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
	emitter := outbox.NewService(outbox.NewRepository(conn), logg)
	settler, err := batching.NewService(batching.ServiceParams{
		Repo:   batching.NewRepository(conn),
		TX:     db.FromGorm(conn),
		Outbox: emitter,
		Logger: logg,
	})
	require.NoError(t, err)

	charger := &fakeCharger{configured: true, result: &stripe.BatchChargeResult{PaymentIntentID: "pi_123", Status: "processing"}}
	retail := &fakeProvider{flow: enums.DisbursementFlowRetail, configured: true, ids: map[string]string{}}
	grant := &fakeProvider{flow: enums.DisbursementFlowGrant, configured: true, ids: map[string]string{}}

	orch, err := NewOrchestrator(Params{
		Repo:      NewRepository(conn),
		TX:        db.FromGorm(conn),
		Charger:   charger,
		Providers: disbursement.NewRegistry(retail, grant),
		Flow:      flow,
		Settler:   settler,
		Outbox:    emitter,
		Retry:     retry.NewExecutor(retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, logg),
		Logger:    logg,
	})
	require.NoError(t, err)
	impl := orch.(*orchestrator)
	impl.now = func() time.Time { return fixedNow }
	return fixture{orch: impl, conn: conn, charger: charger, retail: retail, grant: grant}
}

type chargeableUser struct {
	user    *models.User
	account *models.BankAccount
}

func seedChargeableUser(t *testing.T, conn *gorm.DB) chargeableUser {
	t.Helper()
	user := dbtest.SeedUser(t, conn)
	require.NoError(t, conn.Model(user).Update("stripe_customer_id", "cus_123").Error)
	user.StripeCustomerID = strPtr("cus_123")
	_, account := dbtest.SeedBankAccount(t, conn, user, "token")
	require.NoError(t, conn.Model(account).Updates(map[string]any{
		"ach_enabled":              true,
		"stripe_payment_method_id": "pm_123",
	}).Error)
	return chargeableUser{user: user, account: account}
}

func seedBatch(t *testing.T, conn *gorm.DB, userID uuid.UUID, status enums.BatchStatus, total string) *models.DonationBatch {
	t.Helper()
	batch := &models.DonationBatch{
		UserID:          userID,
		WeekOf:          batching.WeekOf(fixedNow),
		TotalAmount:     decimal.RequireFromString(total),
		ConfirmedAmount: decimal.Zero,
		Status:          status,
	}
	dbtest.Create(t, conn, batch)
	return batch
}

func seedBatchDonation(t *testing.T, conn *gorm.DB, cu chargeableUser, batch *models.DonationBatch, charity *models.Charity, amount string, status enums.DonationStatus) *models.Donation {
	t.Helper()
	txn := &models.Transaction{
		UserID:             cu.user.ID,
		BankAccountID:      cu.account.ID,
		PlaidTransactionID: "plaid-" + uuid.NewString(),
		MerchantName:       "SHELL",
		MerchantNameNorm:   "SHELL",
		Amount:             decimal.RequireFromString("10.25"),
		Date:               fixedNow,
		Status:             enums.TransactionStatusBatched,
	}
	dbtest.Create(t, conn, txn)
	txnID := txn.ID
	batchID := batch.ID
	donation := &models.Donation{
		UserID:        cu.user.ID,
		BatchID:       &batchID,
		TransactionID: &txnID,
		CharityID:     charity.ID,
		CharitySlug:   charity.EveryOrgSlug,
		CharityName:   charity.Name,
		Amount:        decimal.RequireFromString(amount),
		Status:        status,
	}
	dbtest.Create(t, conn, donation)
	return donation
}

func reloadBatch(t *testing.T, conn *gorm.DB, id uuid.UUID) models.DonationBatch {
	t.Helper()
	var batch models.DonationBatch
	require.NoError(t, conn.First(&batch, "id = ?", id).Error)
	return batch
}

func reloadDonation(t *testing.T, conn *gorm.DB, id uuid.UUID) models.Donation {
	t.Helper()
	var donation models.Donation
	require.NoError(t, conn.First(&donation, "id = ?", id).Error)
	return donation
}

func countEvents(t *testing.T, conn *gorm.DB, eventType enums.OutboxEventType) int64 {
	t.Helper()
	var n int64
	require.NoError(t, conn.Model(&models.OutboxEvent{}).Where("event_type = ?", eventType).Count(&n).Error)
	return n
}

func strPtr(v string) *string { return &v }

func TestChargeBatchRecordsIntent(t *testing.T) {
	f := newFixture(t)
	cu := seedChargeableUser(t, f.conn)
	batch := seedBatch(t, f.conn, cu.user.ID, enums.BatchStatusReady, "3.40")

	res, err := f.orch.ChargeBatch(context.Background(), batch.ID)
	require.NoError(t, err)
	require.True(t, res.Charged)
	require.Equal(t, "pi_123", res.PaymentIntentID)
	require.Equal(t, enums.BatchStatusProcessing, res.Status)
	require.Equal(t, enums.DisbursementFlowRetail, res.Flow)

	require.Len(t, f.charger.calls, 1)
	call := f.charger.calls[0]
	require.Equal(t, "cus_123", call.CustomerID)
	require.Equal(t, "pm_123", call.PaymentMethodID)
	require.True(t, call.Amount.Equal(decimal.RequireFromString("3.40")))

	stored := reloadBatch(t, f.conn, batch.ID)
	require.Equal(t, enums.BatchStatusProcessing, stored.Status)
	require.NotNil(t, stored.PaymentIntentID)
	require.Equal(t, "pi_123", *stored.PaymentIntentID)
	require.NotNil(t, stored.ChargedAt)
	require.NotNil(t, stored.DisbursementFlow)
	require.Equal(t, enums.DisbursementFlowRetail, *stored.DisbursementFlow)
	require.EqualValues(t, 1, countEvents(t, f.conn, enums.EventBatchCharged))

	again, err := f.orch.ChargeBatch(context.Background(), batch.ID)
	require.NoError(t, err)
	require.True(t, again.Skipped)
	require.Equal(t, ReasonAlreadyCharged, again.Reason)
	require.Len(t, f.charger.calls, 1)
}

func TestChargeBatchSkipReasons(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(t *testing.T, f fixture, cu chargeableUser, batch *models.DonationBatch)
		reason string
	}{
		{
			name: "auto donate disabled",
			mutate: func(t *testing.T, f fixture, cu chargeableUser, _ *models.DonationBatch) {
				require.NoError(t, f.conn.Model(cu.user).Update("auto_donate_enabled", false).Error)
			},
			reason: ReasonAutoDonateDisabled,
		},
		{
			name: "no ach account",
			mutate: func(t *testing.T, f fixture, cu chargeableUser, _ *models.DonationBatch) {
				require.NoError(t, f.conn.Model(cu.account).Update("ach_enabled", false).Error)
			},
			reason: ReasonNoACH,
		},
		{
			name: "no stripe customer",
			mutate: func(t *testing.T, f fixture, cu chargeableUser, _ *models.DonationBatch) {
				require.NoError(t, f.conn.Model(cu.user).Update("stripe_customer_id", nil).Error)
			},
			reason: ReasonNoStripeCustomer,
		},
		{
			name: "processor not configured",
			mutate: func(_ *testing.T, f fixture, _ chargeableUser, _ *models.DonationBatch) {
				f.charger.configured = false
			},
			reason: ReasonNotConfigured,
		},
		{
			name: "batch already completed",
			mutate: func(t *testing.T, f fixture, _ chargeableUser, batch *models.DonationBatch) {
				require.NoError(t, f.conn.Model(batch).Update("status", enums.BatchStatusCompleted).Error)
			},
			reason: string(enums.BatchStatusCompleted),
		},
		{
			name: "donate links issued",
			mutate: func(t *testing.T, f fixture, _ chargeableUser, batch *models.DonationBatch) {
				require.NoError(t, f.conn.Model(batch).Updates(map[string]any{
					"status":            enums.BatchStatusReady,
					"disbursement_flow": enums.DisbursementFlowDonateLink,
				}).Error)
			},
			reason: batching.ReasonDonateLinksIssued,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			cu := seedChargeableUser(t, f.conn)
			batch := seedBatch(t, f.conn, cu.user.ID, enums.BatchStatusPending, "2.00")
			tc.mutate(t, f, cu, batch)

			res, err := f.orch.ChargeBatch(context.Background(), batch.ID)
			require.NoError(t, err)
			require.True(t, res.Skipped)
			require.Equal(t, tc.reason, res.Reason)
			require.Empty(t, f.charger.calls)
		})
	}
}

func TestChargeBatchFailureIsRecordedAndReturned(t *testing.T) {
	f := newFixture(t)
	f.charger.result = &stripe.BatchChargeResult{PaymentIntentID: "pi_bad", Status: "requires_payment_method"}
	cu := seedChargeableUser(t, f.conn)
	batch := seedBatch(t, f.conn, cu.user.ID, enums.BatchStatusPending, "2.00")

	res, err := f.orch.ChargeBatch(context.Background(), batch.ID)
	require.Error(t, err)
	require.False(t, pkgerrors.IsRetryable(err))
	require.Equal(t, enums.BatchStatusFailed, res.Status)
	require.Equal(t, "pi_bad", res.PaymentIntentID)

	stored := reloadBatch(t, f.conn, batch.ID)
	require.Equal(t, enums.BatchStatusFailed, stored.Status)
	require.NotNil(t, stored.PaymentError)
	require.Contains(t, *stored.PaymentError, "requires_payment_method")
	require.EqualValues(t, 1, countEvents(t, f.conn, enums.EventBatchChargeFailed))
}

func TestChargeBatchProviderErrorFailsBatch(t *testing.T) {
	f := newFixture(t)
	f.charger.result = nil
	f.charger.err = pkgerrors.New(pkgerrors.CodeDependency, "stripe down")
	cu := seedChargeableUser(t, f.conn)
	batch := seedBatch(t, f.conn, cu.user.ID, enums.BatchStatusPending, "2.00")

	res, err := f.orch.ChargeBatch(context.Background(), batch.ID)
	require.Error(t, err)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDependency))
	require.Equal(t, enums.BatchStatusFailed, res.Status)
	require.Len(t, f.charger.calls, 2)
	require.Equal(t, enums.BatchStatusFailed, reloadBatch(t, f.conn, batch.ID).Status)
}

func TestChargeBatchNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.ChargeBatch(context.Background(), uuid.New())
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestDistributeFailsOnlyUnresolvableDonation(t *testing.T) {
	f := newFixture(t)
	cu := seedChargeableUser(t, f.conn)
	_, water := dbtest.SeedCause(t, f.conn, cu.user, "water")
	_, trees := dbtest.SeedCause(t, f.conn, cu.user, "trees")
	_, ghost := dbtest.SeedCause(t, f.conn, cu.user, "ghost")
	f.retail.ids[water.EveryOrgSlug] = "np_water"
	f.retail.ids[trees.EveryOrgSlug] = "np_trees"

	batch := seedBatch(t, f.conn, cu.user.ID, enums.BatchStatusProcessing, "2.10")
	d1 := seedBatchDonation(t, f.conn, cu, batch, water, "0.70", enums.DonationStatusPending)
	d2 := seedBatchDonation(t, f.conn, cu, batch, trees, "0.40", enums.DonationStatusPending)
	d3 := seedBatchDonation(t, f.conn, cu, batch, ghost, "1.00", enums.DonationStatusPending)

	res, err := f.orch.Distribute(context.Background(), batch.ID)
	require.NoError(t, err)
	require.Equal(t, 2, res.Disbursed)
	require.Equal(t, 1, res.Failed)

	require.Equal(t, enums.DonationStatusProcessing, reloadDonation(t, f.conn, d1.ID).Status)
	require.Equal(t, enums.DonationStatusProcessing, reloadDonation(t, f.conn, d2.ID).Status)
	failed := reloadDonation(t, f.conn, d3.ID)
	require.Equal(t, enums.DonationStatusFailed, failed.Status)
	require.NotNil(t, failed.ErrorMessage)
	require.Equal(t, "charity not resolvable with disbursement provider", *failed.ErrorMessage)

	var txn models.Transaction
	require.NoError(t, f.conn.First(&txn, "id = ?", *d3.TransactionID).Error)
	require.Equal(t, enums.TransactionStatusFailed, txn.Status)

	stored := reloadBatch(t, f.conn, batch.ID)
	require.Equal(t, enums.BatchStatusProcessing, stored.Status)
	require.True(t, stored.TotalAmount.Equal(decimal.RequireFromString("2.10")))
	require.EqualValues(t, 2, countEvents(t, f.conn, enums.EventDonationDisbursed))

	require.Len(t, f.retail.requests, 2)
	require.Equal(t, batch.ID, f.retail.requests[0].BatchID)
	require.Equal(t, []uuid.UUID{d1.ID}, f.retail.requests[0].Recipients[0].DonationIDs)
}

func TestDistributeIsReentrant(t *testing.T) {
	f := newFixture(t)
	cu := seedChargeableUser(t, f.conn)
	_, water := dbtest.SeedCause(t, f.conn, cu.user, "water")
	f.retail.ids[water.EveryOrgSlug] = "np_water"
	batch := seedBatch(t, f.conn, cu.user.ID, enums.BatchStatusProcessing, "1.00")
	seedBatchDonation(t, f.conn, cu, batch, water, "1.00", enums.DonationStatusPending)

	_, err := f.orch.Distribute(context.Background(), batch.ID)
	require.NoError(t, err)
	res, err := f.orch.Distribute(context.Background(), batch.ID)
	require.NoError(t, err)
	require.Zero(t, res.Disbursed)
	require.Len(t, f.retail.requests, 1)
}

func TestDistributeProviderErrorFailsDonationAndContinues(t *testing.T) {
	f := newFixture(t)
	cu := seedChargeableUser(t, f.conn)
	_, water := dbtest.SeedCause(t, f.conn, cu.user, "water")
	_, trees := dbtest.SeedCause(t, f.conn, cu.user, "trees")
	f.retail.ids[water.EveryOrgSlug] = "np_water"
	f.retail.ids[trees.EveryOrgSlug] = "np_trees"
	f.retail.failFor = map[string]error{"np_water": pkgerrors.New(pkgerrors.CodeValidation, "nonprofit suspended")}

	batch := seedBatch(t, f.conn, cu.user.ID, enums.BatchStatusProcessing, "1.50")
	d1 := seedBatchDonation(t, f.conn, cu, batch, water, "0.50", enums.DonationStatusPending)
	d2 := seedBatchDonation(t, f.conn, cu, batch, trees, "1.00", enums.DonationStatusPending)

	res, err := f.orch.Distribute(context.Background(), batch.ID)
	require.NoError(t, err)
	require.Equal(t, 1, res.Disbursed)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, enums.DonationStatusFailed, reloadDonation(t, f.conn, d1.ID).Status)
	require.Equal(t, enums.DonationStatusProcessing, reloadDonation(t, f.conn, d2.ID).Status)
	require.Equal(t, enums.BatchStatusProcessing, reloadBatch(t, f.conn, batch.ID).Status)
}

func TestDistributeSkipsUnchargedBatch(t *testing.T) {
	f := newFixture(t)
	cu := seedChargeableUser(t, f.conn)
	batch := seedBatch(t, f.conn, cu.user.ID, enums.BatchStatusReady, "1.00")

	res, err := f.orch.Distribute(context.Background(), batch.ID)
	require.NoError(t, err)
	require.True(t, res.Skipped)
	require.Equal(t, string(enums.BatchStatusReady), res.Reason)
}

func TestHandlePaymentSucceededDistributes(t *testing.T) {
	f := newFixture(t)
	cu := seedChargeableUser(t, f.conn)
	_, water := dbtest.SeedCause(t, f.conn, cu.user, "water")
	f.retail.ids[water.EveryOrgSlug] = "np_water"
	batch := seedBatch(t, f.conn, cu.user.ID, enums.BatchStatusReady, "1.00")
	seedBatchDonation(t, f.conn, cu, batch, water, "1.00", enums.DonationStatusPending)

	_, err := f.orch.ChargeBatch(context.Background(), batch.ID)
	require.NoError(t, err)

	res, err := f.orch.HandlePaymentSucceeded(context.Background(), "pi_123")
	require.NoError(t, err)
	require.Equal(t, 1, res.Disbursed)

	stored := reloadBatch(t, f.conn, batch.ID)
	require.NotNil(t, stored.PaymentStatus)
	require.Equal(t, "succeeded", *stored.PaymentStatus)

	_, err = f.orch.HandlePaymentSucceeded(context.Background(), "pi_unknown")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestHandlePaymentFailedFailsOpenDonations(t *testing.T) {
	f := newFixture(t)
	cu := seedChargeableUser(t, f.conn)
	_, water := dbtest.SeedCause(t, f.conn, cu.user, "water")
	batch := seedBatch(t, f.conn, cu.user.ID, enums.BatchStatusReady, "1.50")
	open := seedBatchDonation(t, f.conn, cu, batch, water, "1.00", enums.DonationStatusPending)
	done := seedBatchDonation(t, f.conn, cu, batch, water, "0.50", enums.DonationStatusCompleted)

	_, err := f.orch.ChargeBatch(context.Background(), batch.ID)
	require.NoError(t, err)
	require.NoError(t, f.orch.HandlePaymentFailed(context.Background(), "pi_123", "insufficient funds"))

	stored := reloadBatch(t, f.conn, batch.ID)
	require.Equal(t, enums.BatchStatusFailed, stored.Status)
	require.Equal(t, "insufficient funds", *stored.PaymentError)
	require.Equal(t, enums.DonationStatusFailed, reloadDonation(t, f.conn, open.ID).Status)
	require.Equal(t, enums.DonationStatusCompleted, reloadDonation(t, f.conn, done.ID).Status)

	var txn models.Transaction
	require.NoError(t, f.conn.First(&txn, "id = ?", *open.TransactionID).Error)
	require.Equal(t, enums.TransactionStatusFailed, txn.Status)
	require.Empty(t, f.retail.requests)
}

func TestHandleDisbursementCompletedSettlesBatch(t *testing.T) {
	f := newFixture(t)
	cu := seedChargeableUser(t, f.conn)
	_, water := dbtest.SeedCause(t, f.conn, cu.user, "water")
	f.retail.ids[water.EveryOrgSlug] = "np_water"
	batch := seedBatch(t, f.conn, cu.user.ID, enums.BatchStatusProcessing, "0.70")
	d := seedBatchDonation(t, f.conn, cu, batch, water, "0.70", enums.DonationStatusPending)

	res, err := f.orch.Distribute(context.Background(), batch.ID)
	require.NoError(t, err)
	externalID := res.Donations[0].ExternalID
	require.NotEmpty(t, externalID)

	done, err := f.orch.HandleDisbursementCompleted(context.Background(), externalID)
	require.NoError(t, err)
	require.True(t, done.BatchCompleted)
	require.Equal(t, enums.DonationStatusCompleted, reloadDonation(t, f.conn, d.ID).Status)

	stored := reloadBatch(t, f.conn, batch.ID)
	require.Equal(t, enums.BatchStatusCompleted, stored.Status)
	require.True(t, stored.ConfirmedAmount.Equal(decimal.RequireFromString("0.70")))

	_, err = f.orch.HandleDisbursementCompleted(context.Background(), "chg_missing")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestHandleDisbursementFailed(t *testing.T) {
	f := newFixture(t)
	cu := seedChargeableUser(t, f.conn)
	_, water := dbtest.SeedCause(t, f.conn, cu.user, "water")
	f.retail.ids[water.EveryOrgSlug] = "np_water"
	batch := seedBatch(t, f.conn, cu.user.ID, enums.BatchStatusProcessing, "0.70")
	d := seedBatchDonation(t, f.conn, cu, batch, water, "0.70", enums.DonationStatusPending)

	res, err := f.orch.Distribute(context.Background(), batch.ID)
	require.NoError(t, err)

	out, err := f.orch.HandleDisbursementFailed(context.Background(), res.Donations[0].ExternalID, "")
	require.NoError(t, err)
	require.Equal(t, enums.DonationStatusFailed, out.Status)

	require.Equal(t, enums.BatchStatusFailed, out.BatchStatus)

	stored := reloadDonation(t, f.conn, d.ID)
	require.Equal(t, "disbursement failed", *stored.ErrorMessage)
	closed := reloadBatch(t, f.conn, batch.ID)
	require.Equal(t, enums.BatchStatusFailed, closed.Status)
	require.True(t, closed.ConfirmedAmount.IsZero())
}

func TestPartiallyFailedBatchStillCompletes(t *testing.T) {
	f := newFixture(t)
	cu := seedChargeableUser(t, f.conn)
	_, water := dbtest.SeedCause(t, f.conn, cu.user, "water")
	_, trees := dbtest.SeedCause(t, f.conn, cu.user, "trees")
	f.retail.ids[water.EveryOrgSlug] = "np_water"
	f.retail.ids[trees.EveryOrgSlug] = "np_trees"
	batch := seedBatch(t, f.conn, cu.user.ID, enums.BatchStatusProcessing, "1.20")
	seedBatchDonation(t, f.conn, cu, batch, water, "0.70", enums.DonationStatusPending)
	seedBatchDonation(t, f.conn, cu, batch, trees, "0.50", enums.DonationStatusPending)

	res, err := f.orch.Distribute(context.Background(), batch.ID)
	require.NoError(t, err)
	require.Len(t, res.Donations, 2)

	_, err = f.orch.HandleDisbursementFailed(context.Background(), res.Donations[0].ExternalID, "nonprofit closed")
	require.NoError(t, err)
	done, err := f.orch.HandleDisbursementCompleted(context.Background(), res.Donations[1].ExternalID)
	require.NoError(t, err)
	require.True(t, done.BatchCompleted)

	stored := reloadBatch(t, f.conn, batch.ID)
	require.Equal(t, enums.BatchStatusCompleted, stored.Status)
	completed := reloadDonation(t, f.conn, res.Donations[1].DonationID)
	require.Equal(t, enums.DonationStatusCompleted, completed.Status)
	require.True(t, stored.ConfirmedAmount.Equal(completed.Amount))
}

func TestDistributeAllUnresolvableFailsBatch(t *testing.T) {
	f := newFixture(t)
	cu := seedChargeableUser(t, f.conn)
	_, ghost := dbtest.SeedCause(t, f.conn, cu.user, "ghost")
	batch := seedBatch(t, f.conn, cu.user.ID, enums.BatchStatusProcessing, "1.00")
	seedBatchDonation(t, f.conn, cu, batch, ghost, "1.00", enums.DonationStatusPending)

	res, err := f.orch.Distribute(context.Background(), batch.ID)
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)
	require.Empty(t, f.retail.requests)

	stored := reloadBatch(t, f.conn, batch.ID)
	require.Equal(t, enums.BatchStatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorMessage)
}

// markGrantCharged stamps a batch as charged through the grant flow.
func markGrantCharged(t *testing.T, conn *gorm.DB, batch *models.DonationBatch) {
	t.Helper()
	require.NoError(t, conn.Model(batch).Updates(map[string]any{
		"disbursement_flow": enums.DisbursementFlowGrant,
		"payment_status":    "succeeded",
	}).Error)
}

func seedGrantBatch(t *testing.T, f fixture) (*models.DonationBatch, []*models.Donation, *models.Charity, *models.Charity) {
	t.Helper()
	cu := seedChargeableUser(t, f.conn)
	_, water := dbtest.SeedCause(t, f.conn, cu.user, "water")
	_, trees := dbtest.SeedCause(t, f.conn, cu.user, "trees")
	f.grant.ids[water.EveryOrgSlug] = water.EveryOrgSlug
	f.grant.ids[trees.EveryOrgSlug] = trees.EveryOrgSlug
	batch := seedBatch(t, f.conn, cu.user.ID, enums.BatchStatusProcessing, "2.00")
	markGrantCharged(t, f.conn, batch)
	donations := []*models.Donation{
		seedBatchDonation(t, f.conn, cu, batch, water, "0.50", enums.DonationStatusPending),
		seedBatchDonation(t, f.conn, cu, batch, trees, "1.00", enums.DonationStatusPending),
		seedBatchDonation(t, f.conn, cu, batch, water, "0.50", enums.DonationStatusPending),
	}
	return batch, donations, water, trees
}

func TestDistributeGrantsSendsOneRequest(t *testing.T) {
	f := newFixture(t)
	batch, donations, water, trees := seedGrantBatch(t, f)

	res, err := f.orch.DistributeGrants(context.Background(), batch.ID)
	require.NoError(t, err)
	require.False(t, res.Skipped)
	require.Equal(t, 2, res.GrantsQueued)
	require.Equal(t, 3, res.DonationCount)
	require.True(t, res.TotalAmount.Equal(decimal.RequireFromString("2.00")))

	require.Len(t, f.grant.requests, 1)
	recipients := f.grant.requests[0].Recipients
	require.Len(t, recipients, 2)
	require.Equal(t, water.EveryOrgSlug, recipients[0].ProviderID)
	require.True(t, recipients[0].Amount.Equal(decimal.RequireFromString("1.00")))
	require.Equal(t, "CounterCart grant - water", recipients[0].Memo)
	require.Equal(t, "water", recipients[0].Metadata["designated_cause"])
	require.Equal(t, batch.ID.String(), recipients[0].Metadata["batch_id"])
	require.Equal(t, donations[0].ID.String()+","+donations[2].ID.String(), recipients[0].Metadata["donation_ids"])
	require.Equal(t, trees.EveryOrgSlug, recipients[1].ProviderID)

	stored := reloadBatch(t, f.conn, batch.ID)
	require.Equal(t, enums.GrantStatusProcessing, *stored.GrantStatus)
	require.Equal(t, res.DisbursementID, *stored.DisbursementID)
	for _, d := range donations {
		require.Equal(t, enums.GrantStatusPending, *reloadDonation(t, f.conn, d.ID).GrantStatus)
	}
	require.EqualValues(t, 1, countEvents(t, f.conn, enums.EventGrantDisbursed))

	again, err := f.orch.DistributeGrants(context.Background(), batch.ID)
	require.NoError(t, err)
	require.True(t, again.Skipped)
	require.Equal(t, ReasonGrantProcessing, again.Reason)

	require.NoError(t, f.orch.HandleGrantCompleted(context.Background(), res.DisbursementID))
	stored = reloadBatch(t, f.conn, batch.ID)
	require.Equal(t, enums.GrantStatusCompleted, *stored.GrantStatus)
	require.NotNil(t, stored.GrantedAt)
	require.Equal(t, enums.BatchStatusCompleted, stored.Status)
	require.True(t, stored.ConfirmedAmount.Equal(decimal.RequireFromString("2.00")))
	for _, d := range donations {
		settled := reloadDonation(t, f.conn, d.ID)
		require.Equal(t, enums.GrantStatusCompleted, *settled.GrantStatus)
		require.Equal(t, enums.DonationStatusCompleted, settled.Status)
	}

	require.NoError(t, f.orch.HandleGrantCompleted(context.Background(), res.DisbursementID))
	require.True(t, reloadBatch(t, f.conn, batch.ID).ConfirmedAmount.Equal(decimal.RequireFromString("2.00")))

	require.True(t, pkgerrors.IsCode(f.orch.HandleGrantCompleted(context.Background(), "disb_unknown"), pkgerrors.CodeNotFound))
}

func TestDistributeGrantsFallsBackToCauseDefault(t *testing.T) {
	f := newFixture(t)
	cu := seedChargeableUser(t, f.conn)
	cause, fallback := dbtest.SeedCause(t, f.conn, cu.user, "oceans")
	retired := &models.Charity{CauseID: cause.ID, Name: "Retired", EveryOrgSlug: "retired-org", IsActive: true}
	dbtest.Create(t, f.conn, retired)
	f.grant.ids[fallback.EveryOrgSlug] = fallback.EveryOrgSlug

	batch := seedBatch(t, f.conn, cu.user.ID, enums.BatchStatusProcessing, "1.00")
	markGrantCharged(t, f.conn, batch)
	seedBatchDonation(t, f.conn, cu, batch, retired, "1.00", enums.DonationStatusPending)

	_, err := f.orch.DistributeGrants(context.Background(), batch.ID)
	require.NoError(t, err)
	require.Len(t, f.grant.requests, 1)
	require.Equal(t, fallback.EveryOrgSlug, f.grant.requests[0].Recipients[0].ProviderID)
}

func TestDistributeGrantsFailureThenRetry(t *testing.T) {
	f := newFixture(t)
	batch, _, _, _ := seedGrantBatch(t, f)
	f.grant.errs = []error{
		pkgerrors.New(pkgerrors.CodeValidation, "partner rejected").Terminal(),
	}

	_, err := f.orch.DistributeGrants(context.Background(), batch.ID)
	require.Error(t, err)
	stored := reloadBatch(t, f.conn, batch.ID)
	require.Equal(t, enums.GrantStatusFailed, *stored.GrantStatus)
	require.NotNil(t, stored.GrantError)
	require.True(t, strings.Contains(*stored.GrantError, "partner rejected"))

	summary, err := f.orch.RetryFailedGrants(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Considered)
	require.Equal(t, 1, summary.Distributed)
	require.Equal(t, enums.GrantStatusProcessing, *reloadBatch(t, f.conn, batch.ID).GrantStatus)
}

func TestDistributeCompletedGrantsSweep(t *testing.T) {
	f := newFixture(t)
	batch, _, _, _ := seedGrantBatch(t, f)

	uncharged := seedChargeableUser(t, f.conn)
	seedBatch(t, f.conn, uncharged.user.ID, enums.BatchStatusProcessing, "1.00")

	retail := seedChargeableUser(t, f.conn)
	settled := seedBatch(t, f.conn, retail.user.ID, enums.BatchStatusCompleted, "1.00")
	require.NoError(t, f.conn.Model(settled).Updates(map[string]any{
		"disbursement_flow": enums.DisbursementFlowRetail,
		"payment_status":    "succeeded",
	}).Error)

	summary, err := f.orch.DistributeCompletedGrants(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Considered)
	require.Equal(t, batch.ID, summary.Results[0].BatchID)
}

func TestDistributeGrantsSkipsNonGrantOrUnpaidBatches(t *testing.T) {
	f := newFixture(t)
	cu := seedChargeableUser(t, f.conn)
	retail := seedBatch(t, f.conn, cu.user.ID, enums.BatchStatusCompleted, "1.00")

	res, err := f.orch.DistributeGrants(context.Background(), retail.ID)
	require.NoError(t, err)
	require.True(t, res.Skipped)
	require.Equal(t, ReasonNotGrantFlow, res.Reason)

	other := seedChargeableUser(t, f.conn)
	unpaid := seedBatch(t, f.conn, other.user.ID, enums.BatchStatusProcessing, "1.00")
	require.NoError(t, f.conn.Model(unpaid).Updates(map[string]any{
		"disbursement_flow": enums.DisbursementFlowGrant,
		"payment_status":    "processing",
	}).Error)
	res, err = f.orch.DistributeGrants(context.Background(), unpaid.ID)
	require.NoError(t, err)
	require.Equal(t, ReasonPaymentPending, res.Reason)
	require.Empty(t, f.grant.requests)
}

func TestDistributeGrantsEmptyAndUnconfigured(t *testing.T) {
	f := newFixture(t)
	other, _, _, _ := seedGrantBatch(t, f)
	cu := seedChargeableUser(t, f.conn)
	empty := seedBatch(t, f.conn, cu.user.ID, enums.BatchStatusProcessing, "0.00")
	markGrantCharged(t, f.conn, empty)

	res, err := f.orch.DistributeGrants(context.Background(), empty.ID)
	require.NoError(t, err)
	require.True(t, res.Skipped)
	require.Equal(t, ReasonNoGrants, res.Reason)
	require.Equal(t, enums.GrantStatusCompleted, *reloadBatch(t, f.conn, empty.ID).GrantStatus)

	f.grant.configured = false
	res, err = f.orch.DistributeGrants(context.Background(), other.ID)
	require.NoError(t, err)
	require.Equal(t, ReasonProviderNotConfigured, res.Reason)
	require.Nil(t, reloadBatch(t, f.conn, other.ID).GrantStatus)
}

func TestHandleGrantFailed(t *testing.T) {
	f := newFixture(t)
	batch, donations, _, _ := seedGrantBatch(t, f)
	res, err := f.orch.DistributeGrants(context.Background(), batch.ID)
	require.NoError(t, err)

	require.NoError(t, f.orch.HandleGrantFailed(context.Background(), res.DisbursementID, "bank rejected"))
	stored := reloadBatch(t, f.conn, batch.ID)
	require.Equal(t, enums.GrantStatusFailed, *stored.GrantStatus)
	require.Equal(t, "bank rejected", *stored.GrantError)
	require.Equal(t, enums.BatchStatusProcessing, stored.Status)
	failed := reloadDonation(t, f.conn, donations[0].ID)
	require.Equal(t, enums.GrantStatusFailed, *failed.GrantStatus)
	require.Equal(t, enums.DonationStatusPending, failed.Status)
}

func TestRetailSettledBatchIsNeverGranted(t *testing.T) {
	f := newFixture(t)
	cu := seedChargeableUser(t, f.conn)
	_, water := dbtest.SeedCause(t, f.conn, cu.user, "water")
	f.retail.ids[water.EveryOrgSlug] = "np_water"
	f.grant.ids[water.EveryOrgSlug] = water.EveryOrgSlug
	batch := seedBatch(t, f.conn, cu.user.ID, enums.BatchStatusReady, "1.00")
	seedBatchDonation(t, f.conn, cu, batch, water, "1.00", enums.DonationStatusPending)

	_, err := f.orch.ChargeBatch(context.Background(), batch.ID)
	require.NoError(t, err)
	paid, err := f.orch.HandlePaymentSucceeded(context.Background(), "pi_123")
	require.NoError(t, err)
	require.Equal(t, enums.DisbursementFlowRetail, paid.Flow)
	require.Len(t, paid.Donations, 1)
	_, err = f.orch.HandleDisbursementCompleted(context.Background(), paid.Donations[0].ExternalID)
	require.NoError(t, err)
	require.Equal(t, enums.BatchStatusCompleted, reloadBatch(t, f.conn, batch.ID).Status)

	summary, err := f.orch.DistributeCompletedGrants(context.Background())
	require.NoError(t, err)
	require.Zero(t, summary.Considered)

	direct, err := f.orch.DistributeGrants(context.Background(), batch.ID)
	require.NoError(t, err)
	require.Equal(t, ReasonNotGrantFlow, direct.Reason)

	require.Len(t, f.retail.requests, 1)
	require.Empty(t, f.grant.requests)
	require.Nil(t, reloadBatch(t, f.conn, batch.ID).GrantStatus)
}

func TestGrantFlowPaysOnlyThroughGrant(t *testing.T) {
	f := newFlowFixture(t, enums.DisbursementFlowGrant)
	cu := seedChargeableUser(t, f.conn)
	_, water := dbtest.SeedCause(t, f.conn, cu.user, "water")
	f.retail.ids[water.EveryOrgSlug] = "np_water"
	f.grant.ids[water.EveryOrgSlug] = water.EveryOrgSlug
	batch := seedBatch(t, f.conn, cu.user.ID, enums.BatchStatusReady, "1.00")
	d := seedBatchDonation(t, f.conn, cu, batch, water, "1.00", enums.DonationStatusPending)

	charged, err := f.orch.ChargeBatch(context.Background(), batch.ID)
	require.NoError(t, err)
	require.Equal(t, enums.DisbursementFlowGrant, charged.Flow)

	early, err := f.orch.DistributeCompletedGrants(context.Background())
	require.NoError(t, err)
	require.Zero(t, early.Considered)

	paid, err := f.orch.HandlePaymentSucceeded(context.Background(), "pi_123")
	require.NoError(t, err)
	require.Equal(t, enums.DisbursementFlowGrant, paid.Flow)
	require.NotNil(t, paid.Grant)
	require.Equal(t, 1, paid.Disbursed)
	require.Empty(t, f.retail.requests)
	require.Len(t, f.grant.requests, 1)

	require.NoError(t, f.orch.HandleGrantCompleted(context.Background(), paid.Grant.DisbursementID))
	require.Equal(t, enums.DonationStatusCompleted, reloadDonation(t, f.conn, d.ID).Status)
	require.Equal(t, enums.BatchStatusCompleted, reloadBatch(t, f.conn, batch.ID).Status)

	summary, err := f.orch.DistributeCompletedGrants(context.Background())
	require.NoError(t, err)
	require.Zero(t, summary.Considered)
	require.Len(t, f.grant.requests, 1)
}

// reentrantProvider runs hook inside its first payout, while the caller still
// holds the donation it claimed.
type reentrantProvider struct {
	*fakeProvider
	hook func()
}

func (p *reentrantProvider) Disburse(ctx context.Context, req disbursement.Request) (*disbursement.Receipt, error) {
	if hook := p.hook; hook != nil {
		p.hook = nil
		hook()
	}
	return p.fakeProvider.Disburse(ctx, req)
}

func TestOverlappingDistributeSendsOnePayoutPerDonation(t *testing.T) {
	f := newFixture(t)
	cu := seedChargeableUser(t, f.conn)
	_, water := dbtest.SeedCause(t, f.conn, cu.user, "water")
	f.retail.ids[water.EveryOrgSlug] = "np_water"
	batch := seedBatch(t, f.conn, cu.user.ID, enums.BatchStatusProcessing, "1.50")
	d1 := seedBatchDonation(t, f.conn, cu, batch, water, "1.00", enums.DonationStatusPending)
	d2 := seedBatchDonation(t, f.conn, cu, batch, water, "0.50", enums.DonationStatusPending)

	provider := &reentrantProvider{fakeProvider: f.retail}
	f.orch.providers = disbursement.NewRegistry(provider, f.grant)
	var nested DistributeResult
	provider.hook = func() {
		var err error
		nested, err = f.orch.Distribute(context.Background(), batch.ID)
		require.NoError(t, err)
	}

	outer, err := f.orch.Distribute(context.Background(), batch.ID)
	require.NoError(t, err)
	require.Equal(t, 1, outer.Disbursed)
	require.Equal(t, 1, nested.Disbursed)

	require.Len(t, f.retail.requests, 2)
	var paid []uuid.UUID
	keys := map[string]bool{}
	for _, req := range f.retail.requests {
		paid = append(paid, req.Recipients[0].DonationIDs...)
		keys[req.IdempotencyKey] = true
	}
	require.ElementsMatch(t, []uuid.UUID{d1.ID, d2.ID}, paid)
	require.True(t, keys[DonationIdempotencyKey(d1.ID)])
	require.True(t, keys[DonationIdempotencyKey(d2.ID)])

	for _, id := range []uuid.UUID{d1.ID, d2.ID} {
		stored := reloadDonation(t, f.conn, id)
		require.Equal(t, enums.DonationStatusProcessing, stored.Status)
		require.NotNil(t, stored.ExternalDisbursementID)
	}
}

func TestNewOrchestratorValidation(t *testing.T) {
	_, err := NewOrchestrator(Params{})
	require.EqualError(t, err, "payments repository required")

	conn := dbtest.New(t)
	_, err = NewOrchestrator(Params{
		Repo:    NewRepository(conn),
		TX:      db.FromGorm(conn),
		Charger: &fakeCharger{},
		Settler: &stubSettler{},
		Outbox:  outbox.NewService(outbox.NewRepository(conn), nil),
		Flow:    enums.DisbursementFlowDonateLink,
	})
	require.ErrorContains(t, err, "cannot be charged")
}

type stubSettler struct{}

func (stubSettler) CompleteDonation(context.Context, batching.CompleteDonationInput) (batching.CompleteResult, error) {
	return batching.CompleteResult{}, nil
}

func (stubSettler) FailDonation(context.Context, batching.FailDonationInput) (batching.CompleteResult, error) {
	return batching.CompleteResult{}, nil
}
