package dbtest

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/countercart/countercart-backend/pkg/db/models"
	"github.com/countercart/countercart-backend/pkg/enums"
)

// Create inserts rows and fails the test on error.
func Create(t *testing.T, db *gorm.DB, rows ...any) {
	t.Helper()
	for _, row := range rows {
		if err := db.Create(row).Error; err != nil {
			t.Fatalf("create %T: %v", row, err)
		}
	}
}

// SeedUser inserts an auto-donating user with a 1.0 multiplier.
func SeedUser(t *testing.T, db *gorm.DB) *models.User {
	t.Helper()
	user := &models.User{
		Email:              uuid.NewString() + "@example.com",
		AutoDonateEnabled:  true,
		DonationMultiplier: decimal.NewFromInt(1),
		CurrentMonthTotal:  decimal.Zero,
	}
	Create(t, db, user)
	return user
}

// SeedCause inserts a cause, opts the user into it and adds a default charity.
func SeedCause(t *testing.T, db *gorm.DB, user *models.User, slug string) (*models.Cause, *models.Charity) {
	t.Helper()
	cause := &models.Cause{Name: slug, Slug: slug}
	Create(t, db, cause)
	if user != nil {
		Create(t, db, &models.UserCause{UserID: user.ID, CauseID: cause.ID})
	}
	charity := &models.Charity{
		CauseID:      cause.ID,
		Name:         slug + " fund",
		EveryOrgSlug: slug + "-fund",
		IsDefault:    true,
		IsActive:     true,
	}
	Create(t, db, charity)
	return cause, charity
}

// SeedBankAccount inserts an active plaid item with one account.
func SeedBankAccount(t *testing.T, db *gorm.DB, user *models.User, accessToken string) (*models.PlaidItem, *models.BankAccount) {
	t.Helper()
	item := &models.PlaidItem{
		UserID:      user.ID,
		ItemID:      "item-" + uuid.NewString(),
		AccessToken: accessToken,
		Status:      enums.PlaidItemActive,
	}
	Create(t, db, item)
	account := &models.BankAccount{
		UserID:         user.ID,
		PlaidItemID:    item.ID,
		PlaidAccountID: "acct-" + uuid.NewString(),
		Name:           "Checking",
		IsActive:       true,
	}
	Create(t, db, account)
	return item, account
}
