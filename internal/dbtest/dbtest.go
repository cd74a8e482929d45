// Package dbtest opens isolated in-memory databases carrying the production
// schema, for repository and service tests.
package dbtest

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var seq atomic.Int64

// schema mirrors internal/migration/migrations with sqlite column types.
// DATETIME columns are required for the driver to scan into time.Time.
var schema = []string{
	`CREATE TABLE plans (
		id INTEGER PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		tier INTEGER NOT NULL DEFAULT 0,
		price_cents INTEGER NOT NULL DEFAULT 0,
		currency TEXT NOT NULL DEFAULT 'USD',
		billing_interval TEXT NOT NULL DEFAULT 'month',
		credits_per_period INTEGER NOT NULL DEFAULT 0,
		max_operations_per_day INTEGER NOT NULL,
		requests_per_minute INTEGER NOT NULL DEFAULT 0,
		requests_per_hour INTEGER NOT NULL DEFAULT 0,
		features TEXT NOT NULL DEFAULT '{}',
		external_variant_id TEXT,
		is_default BOOLEAN NOT NULL DEFAULT FALSE,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE subscriptions (
		id INTEGER PRIMARY KEY,
		subscriber_id TEXT NOT NULL,
		plan_code TEXT NOT NULL,
		status TEXT NOT NULL,
		current_period_start DATETIME NOT NULL,
		current_period_end DATETIME NOT NULL,
		trial_start DATETIME,
		trial_end DATETIME,
		cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
		external_subscription_id TEXT,
		external_customer_id TEXT,
		superseded_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE INDEX ix_subscriptions_subscriber ON subscriptions (subscriber_id, created_at)`,
	`CREATE TABLE credit_ledgers (
		id INTEGER PRIMARY KEY,
		subscriber_id TEXT NOT NULL UNIQUE,
		subscription_id INTEGER NOT NULL DEFAULT 0,
		current_balance INTEGER NOT NULL DEFAULT 0 CHECK (current_balance >= 0),
		lifetime_purchased INTEGER NOT NULL DEFAULT 0,
		lifetime_used INTEGER NOT NULL DEFAULT 0,
		used_this_period INTEGER NOT NULL DEFAULT 0,
		period_start DATETIME NOT NULL,
		period_end DATETIME NOT NULL,
		last_refill_at DATETIME,
		next_refill_at DATETIME,
		version INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE credit_transactions (
		id INTEGER PRIMARY KEY,
		subscriber_id TEXT NOT NULL,
		direction TEXT NOT NULL,
		amount INTEGER NOT NULL CHECK (amount >= 0),
		balance_after INTEGER NOT NULL DEFAULT 0,
		source_type TEXT NOT NULL,
		source_id TEXT NOT NULL,
		correlation_id TEXT,
		transaction_id TEXT,
		created_at DATETIME NOT NULL,
		UNIQUE (subscriber_id, source_type, source_id)
	)`,
	`CREATE TABLE usage_records (
		id INTEGER PRIMARY KEY,
		subscriber_id TEXT NOT NULL,
		operation_type TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		cost INTEGER NOT NULL,
		correlation_id TEXT NOT NULL,
		batch_id TEXT,
		occurred_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX ix_usage_records_subscriber_time ON usage_records (subscriber_id, occurred_at)`,
	`CREATE TABLE billing_events (
		id INTEGER PRIMARY KEY,
		provider TEXT NOT NULL,
		event_id TEXT NOT NULL UNIQUE,
		event_type TEXT NOT NULL,
		subscriber_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		received_at DATETIME NOT NULL,
		processed_at DATETIME
	)`,
	`CREATE TABLE audit_logs (
		id INTEGER PRIMARY KEY,
		subscriber_id TEXT,
		actor_type TEXT NOT NULL,
		actor_id TEXT,
		action TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_id TEXT,
		severity TEXT NOT NULL,
		correlation_id TEXT,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE subscriber_api_keys (
		id INTEGER PRIMARY KEY,
		subscriber_id TEXT NOT NULL,
		email TEXT NOT NULL,
		name TEXT NOT NULL,
		key_hash TEXT NOT NULL UNIQUE,
		key_prefix TEXT NOT NULL,
		scopes TEXT NOT NULL DEFAULT '{}',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		expires_at DATETIME,
		last_used_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
}

// Open returns a fresh in-memory database with the full schema applied.
// A single connection serializes access so concurrent tests exercise the
// same row-level semantics as a real server without SQLITE_BUSY errors.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", seq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	_ = db.Exec("PRAGMA busy_timeout = 5000").Error

	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("apply schema: %v", err)
		}
	}

	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

// Node returns a snowflake node for test id generation.
func Node(t testing.TB) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return node
}
