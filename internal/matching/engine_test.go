package matching

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/countercart/countercart-backend/pkg/db"
	"github.com/countercart/countercart-backend/pkg/db/dbtest"
	"github.com/countercart/countercart-backend/pkg/db/models"
	"github.com/countercart/countercart-backend/pkg/enums"
	pkgerrors "github.com/countercart/countercart-backend/pkg/errors"
	"github.com/countercart/countercart-backend/pkg/logger"
)

func newTestEngine(t *testing.T) (Engine, *gorm.DB) {
	t.Helper()
	conn := dbtest.New(t)
	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
	eng, err := NewEngine(NewRepository(conn), db.FromGorm(conn), NewMemoryMappingCache(time.Minute), logg, nil)
	require.NoError(t, err)
	return eng, conn
}

func seedMapping(t *testing.T, conn *gorm.DB, pattern string, causeID uuid.UUID, createdAt time.Time) *models.BusinessMapping {
	t.Helper()
	mapping := &models.BusinessMapping{
		MerchantPattern: pattern,
		MerchantName:    pattern,
		CauseID:         causeID,
		Confidence:      1,
		Source:          "manual",
		IsActive:        true,
		CreatedAt:       createdAt,
	}
	dbtest.Create(t, conn, mapping)
	return mapping
}

func seedTransaction(t *testing.T, conn *gorm.DB, user *models.User, merchant, amount string) *models.Transaction {
	t.Helper()
	_, account := dbtest.SeedBankAccount(t, conn, user, "token")
	txn := &models.Transaction{
		UserID:             user.ID,
		BankAccountID:      account.ID,
		PlaidTransactionID: "plaid-" + uuid.NewString(),
		MerchantName:       merchant,
		MerchantNameNorm:   Normalize(merchant),
		Amount:             decimal.RequireFromString(amount),
		Date:               time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC),
		Status:             enums.TransactionStatusPending,
	}
	dbtest.Create(t, conn, txn)
	return txn
}

func reloadTransaction(t *testing.T, conn *gorm.DB, id uuid.UUID) models.Transaction {
	t.Helper()
	var txn models.Transaction
	require.NoError(t, conn.Where("id = ?", id).First(&txn).Error)
	return txn
}

func reloadUser(t *testing.T, conn *gorm.DB, id uuid.UUID) models.User {
	t.Helper()
	var user models.User
	require.NoError(t, conn.Where("id = ?", id).First(&user).Error)
	return user
}

func TestProcessCreatesPendingDonation(t *testing.T) {
	eng, conn := newTestEngine(t)
	user := dbtest.SeedUser(t, conn)
	cause, charity := dbtest.SeedCause(t, conn, user, "climate")
	mapping := seedMapping(t, conn, "SHELL", cause.ID, time.Now().UTC())
	txn := seedTransaction(t, conn, user, "Shell Oil 5741", "43.27")

	res, err := eng.Process(context.Background(), user.ID, txn.ID)
	require.NoError(t, err)
	require.True(t, res.Matched)
	require.Equal(t, ReasonMatched, res.Reason)
	require.NotNil(t, res.DonationID)
	require.Equal(t, mapping.ID, *res.MappingID)

	var donation models.Donation
	require.NoError(t, conn.Where("id = ?", *res.DonationID).First(&donation).Error)
	require.Equal(t, enums.DonationStatusPending, donation.Status)
	require.Equal(t, charity.ID, donation.CharityID)
	require.Equal(t, charity.EveryOrgSlug, donation.CharitySlug)
	require.True(t, donation.Amount.Equal(decimal.RequireFromString("0.73")))

	stored := reloadTransaction(t, conn, txn.ID)
	require.Equal(t, enums.TransactionStatusMatched, stored.Status)
	require.Equal(t, mapping.ID, *stored.MatchedMappingID)

	require.True(t, reloadUser(t, conn, user.ID).CurrentMonthTotal.Equal(decimal.RequireFromString("0.73")))
}

func TestProcessSkipsWithoutMapping(t *testing.T) {
	eng, conn := newTestEngine(t)
	user := dbtest.SeedUser(t, conn)
	txn := seedTransaction(t, conn, user, "Corner Deli", "5.10")

	res, err := eng.Process(context.Background(), user.ID, txn.ID)
	require.NoError(t, err)
	require.False(t, res.Matched)
	require.Equal(t, ReasonNoMapping, res.Reason)
	require.Equal(t, enums.TransactionStatusSkipped, reloadTransaction(t, conn, txn.ID).Status)
}

func TestProcessRecordsMappingWhenCauseNotSelected(t *testing.T) {
	eng, conn := newTestEngine(t)
	user := dbtest.SeedUser(t, conn)
	cause, _ := dbtest.SeedCause(t, conn, nil, "animals")
	mapping := seedMapping(t, conn, "PETCO", cause.ID, time.Now().UTC())
	txn := seedTransaction(t, conn, user, "PETCO #991", "18.40")

	res, err := eng.Process(context.Background(), user.ID, txn.ID)
	require.NoError(t, err)
	require.False(t, res.Matched)
	require.Equal(t, ReasonCauseNotSelected, res.Reason)

	stored := reloadTransaction(t, conn, txn.ID)
	require.Equal(t, enums.TransactionStatusSkipped, stored.Status)
	require.Equal(t, mapping.ID, *stored.MatchedMappingID)
}

func TestProcessSkipsWhenMonthlyLimitWouldBeExceeded(t *testing.T) {
	eng, conn := newTestEngine(t)
	user := dbtest.SeedUser(t, conn)
	require.NoError(t, conn.Model(&models.User{}).Where("id = ?", user.ID).Updates(map[string]any{
		"monthly_limit":       decimal.RequireFromString("10.00"),
		"current_month_total": decimal.RequireFromString("9.80"),
	}).Error)
	cause, _ := dbtest.SeedCause(t, conn, user, "water")
	seedMapping(t, conn, "SHELL", cause.ID, time.Now().UTC())
	txn := seedTransaction(t, conn, user, "SHELL", "20.50")

	res, err := eng.Process(context.Background(), user.ID, txn.ID)
	require.NoError(t, err)
	require.False(t, res.Matched)
	require.Equal(t, ReasonMonthlyLimit, res.Reason)

	var count int64
	require.NoError(t, conn.Model(&models.Donation{}).Count(&count).Error)
	require.Zero(t, count)
	require.True(t, reloadUser(t, conn, user.ID).CurrentMonthTotal.Equal(decimal.RequireFromString("9.80")))
}

func TestProcessLeavesTransactionPendingWithoutDefaultCharity(t *testing.T) {
	eng, conn := newTestEngine(t)
	user := dbtest.SeedUser(t, conn)
	cause, charity := dbtest.SeedCause(t, conn, user, "education")
	require.NoError(t, conn.Model(&models.Charity{}).Where("id = ?", charity.ID).Update("is_default", false).Error)
	mapping := seedMapping(t, conn, "BARNES", cause.ID, time.Now().UTC())
	txn := seedTransaction(t, conn, user, "Barnes & Noble", "12.30")

	res, err := eng.Process(context.Background(), user.ID, txn.ID)
	require.NoError(t, err)
	require.False(t, res.Matched)
	require.Equal(t, ReasonNoDefaultCharity, res.Reason)

	stored := reloadTransaction(t, conn, txn.ID)
	require.Equal(t, enums.TransactionStatusPending, stored.Status)
	require.Equal(t, mapping.ID, *stored.MatchedMappingID)
}

func TestProcessFirstMappingWins(t *testing.T) {
	eng, conn := newTestEngine(t)
	user := dbtest.SeedUser(t, conn)
	older, _ := dbtest.SeedCause(t, conn, user, "hunger")
	newer, _ := dbtest.SeedCause(t, conn, user, "health")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seedMapping(t, conn, "WALGREENS", newer.ID, base.Add(time.Hour))
	first := seedMapping(t, conn, "WAL", older.ID, base)
	txn := seedTransaction(t, conn, user, "Walgreens 0042", "3.99")

	res, err := eng.Process(context.Background(), user.ID, txn.ID)
	require.NoError(t, err)
	require.True(t, res.Matched)
	require.Equal(t, first.ID, *res.MappingID)
}

func TestProcessIsNoOpForMatchedTransaction(t *testing.T) {
	eng, conn := newTestEngine(t)
	user := dbtest.SeedUser(t, conn)
	cause, _ := dbtest.SeedCause(t, conn, user, "arts")
	seedMapping(t, conn, "MUSEUM", cause.ID, time.Now().UTC())
	txn := seedTransaction(t, conn, user, "MUSEUM SHOP", "8.25")

	_, err := eng.Process(context.Background(), user.ID, txn.ID)
	require.NoError(t, err)
	res, err := eng.Process(context.Background(), user.ID, txn.ID)
	require.NoError(t, err)
	require.False(t, res.Matched)
	require.Equal(t, ReasonNotPending, res.Reason)

	var count int64
	require.NoError(t, conn.Model(&models.Donation{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestProcessMissingTransactionIsNotFound(t *testing.T) {
	eng, conn := newTestEngine(t)
	user := dbtest.SeedUser(t, conn)

	_, err := eng.Process(context.Background(), user.ID, uuid.New())
	require.Error(t, err)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestInvalidateMappingsPicksUpNewRules(t *testing.T) {
	eng, conn := newTestEngine(t)
	user := dbtest.SeedUser(t, conn)
	cause, _ := dbtest.SeedCause(t, conn, user, "oceans")

	first := seedTransaction(t, conn, user, "AQUARIUM", "4.10")
	res, err := eng.Process(context.Background(), user.ID, first.ID)
	require.NoError(t, err)
	require.Equal(t, ReasonNoMapping, res.Reason)

	seedMapping(t, conn, "AQUARIUM", cause.ID, time.Now().UTC())
	require.NoError(t, eng.InvalidateMappings(context.Background()))

	second := seedTransaction(t, conn, user, "AQUARIUM", "4.10")
	res, err = eng.Process(context.Background(), user.ID, second.ID)
	require.NoError(t, err)
	require.True(t, res.Matched)
}
