// Package dbtest opens an isolated in-memory sqlite database carrying the
// pipeline schema. Money columns are TEXT so decimals round-trip exactly.
package dbtest

import (
	"fmt"
	"io"
	"log"
	"strings"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var schema = []string{
	`CREATE TABLE users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		auto_donate_enabled BOOLEAN NOT NULL DEFAULT 0,
		donation_multiplier TEXT NOT NULL DEFAULT '1',
		monthly_limit TEXT,
		current_month_total TEXT NOT NULL DEFAULT '0',
		stripe_customer_id TEXT,
		change_customer_id TEXT,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE TABLE causes (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		slug TEXT NOT NULL UNIQUE,
		description TEXT,
		created_at DATETIME
	)`,
	`CREATE TABLE user_causes (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		cause_id TEXT NOT NULL,
		created_at DATETIME,
		UNIQUE (user_id, cause_id)
	)`,
	`CREATE TABLE charities (
		id TEXT PRIMARY KEY,
		cause_id TEXT NOT NULL,
		name TEXT NOT NULL,
		every_org_slug TEXT NOT NULL UNIQUE,
		ein TEXT,
		change_nonprofit_id TEXT,
		is_default BOOLEAN NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT 1,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE TABLE plaid_items (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		item_id TEXT NOT NULL UNIQUE,
		access_token TEXT NOT NULL,
		institution_name TEXT,
		cursor TEXT,
		status TEXT NOT NULL,
		error_code TEXT,
		last_synced_at DATETIME,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE TABLE bank_accounts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		plaid_item_id TEXT NOT NULL,
		plaid_account_id TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		mask TEXT,
		stripe_payment_method_id TEXT,
		ach_enabled BOOLEAN NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT 1,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE TABLE business_mappings (
		id TEXT PRIMARY KEY,
		merchant_pattern TEXT NOT NULL,
		merchant_name TEXT NOT NULL,
		cause_id TEXT NOT NULL,
		charity_slug TEXT,
		charity_name TEXT,
		reason TEXT,
		confidence REAL NOT NULL DEFAULT 1,
		source TEXT NOT NULL DEFAULT 'manual',
		is_active BOOLEAN NOT NULL DEFAULT 1,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE TABLE transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		bank_account_id TEXT NOT NULL,
		plaid_transaction_id TEXT NOT NULL UNIQUE,
		merchant_name TEXT NOT NULL,
		merchant_name_norm TEXT NOT NULL,
		amount TEXT NOT NULL,
		date DATETIME NOT NULL,
		category TEXT,
		matched_mapping_id TEXT,
		status TEXT NOT NULL,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE TABLE donation_batches (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		week_of DATETIME NOT NULL,
		total_amount TEXT NOT NULL,
		confirmed_amount TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL,
		disbursement_flow TEXT,
		payment_intent_id TEXT UNIQUE,
		payment_status TEXT,
		payment_error TEXT,
		charged_at DATETIME,
		disbursement_id TEXT UNIQUE,
		grant_status TEXT,
		grant_error TEXT,
		granted_at DATETIME,
		error_message TEXT,
		processed_at DATETIME,
		created_at DATETIME,
		updated_at DATETIME,
		UNIQUE (user_id, week_of)
	)`,
	`CREATE TABLE donations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		batch_id TEXT,
		transaction_id TEXT UNIQUE,
		charity_id TEXT NOT NULL,
		charity_slug TEXT NOT NULL,
		charity_name TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		external_disbursement_id TEXT UNIQUE,
		every_org_id TEXT UNIQUE,
		grant_status TEXT,
		receipt_url TEXT,
		error_message TEXT,
		completed_at DATETIME,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE TABLE webhook_events (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		event_type TEXT NOT NULL,
		event_id TEXT NOT NULL,
		payload BLOB NOT NULL,
		signature TEXT,
		status TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		processed_at DATETIME,
		created_at DATETIME,
		updated_at DATETIME,
		UNIQUE (source, event_id)
	)`,
	`CREATE TABLE outbox_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		payload BLOB NOT NULL,
		created_at DATETIME,
		published_at DATETIME,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT
	)`,
	`CREATE TABLE outbox_dlq (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		payload_json BLOB NOT NULL,
		error_reason TEXT NOT NULL,
		error_message TEXT,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		failed_at DATETIME,
		created_at DATETIME
	)`,
}

// New returns a fresh database per test. A single connection is kept open so
// the in-memory database lives for the test's duration; callers must only
// use the tx handle inside transaction callbacks.
func New(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.ReplaceAll(uuid.NewString(), "-", "")
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger: gormlogger.New(
			log.New(io.Discard, "", log.LstdFlags),
			gormlogger.Config{LogLevel: gormlogger.Silent},
		),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range schema {
		if err := conn.Exec(stmt).Error; err != nil {
			t.Fatalf("apply schema: %v", err)
		}
	}
	return conn
}
