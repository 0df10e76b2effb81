package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/bwmarrin/snowflake"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var dbCounter atomic.Int64

// OpenDB opens a fresh in-memory sqlite database with the full schema.
func OpenDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", dbCounter.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("bootstrap schema: %v", err)
		}
	}
	return db
}

// NewNode returns a snowflake node for test id generation.
func NewNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}

var schema = []string{
	`CREATE TABLE users (
		id INTEGER PRIMARY KEY,
		email TEXT NOT NULL,
		email_verified BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE payment_methods (
		id INTEGER PRIMARY KEY,
		user_id INTEGER NOT NULL,
		kind TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE orders (
		id INTEGER PRIMARY KEY,
		channel_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		order_number TEXT NOT NULL,
		status TEXT NOT NULL,
		total_cents INTEGER NOT NULL,
		currency TEXT NOT NULL,
		payment_method_id INTEGER,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_orders_channel_number ON orders (channel_id, order_number)`,
	`CREATE TABLE order_items (
		id INTEGER PRIMARY KEY,
		order_id INTEGER NOT NULL,
		product_id INTEGER NOT NULL,
		description TEXT,
		quantity INTEGER NOT NULL,
		unit_price_cents INTEGER NOT NULL
	)`,
	`CREATE TABLE shipments (
		id INTEGER PRIMARY KEY,
		order_id INTEGER NOT NULL,
		carrier TEXT,
		tracking_number TEXT,
		tracking_url TEXT,
		delivered_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE fraud_scores (
		id INTEGER PRIMARY KEY,
		channel_id INTEGER NOT NULL,
		order_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		risk_score INTEGER NOT NULL,
		risk_level TEXT NOT NULL,
		flags TEXT,
		reasons TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE idempotency_records (
		id INTEGER PRIMARY KEY,
		channel_id INTEGER NOT NULL,
		scope TEXT NOT NULL,
		idem_key TEXT NOT NULL,
		request_hash TEXT,
		result TEXT,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_idempotency_channel_scope_key ON idempotency_records (channel_id, scope, idem_key)`,
	`CREATE TABLE disputes (
		id INTEGER PRIMARY KEY,
		channel_id INTEGER NOT NULL,
		provider TEXT NOT NULL,
		provider_case_id TEXT NOT NULL,
		order_id INTEGER,
		status TEXT NOT NULL,
		reason TEXT,
		amount_cents INTEGER NOT NULL,
		currency TEXT NOT NULL,
		evidence_pack_id INTEGER,
		evidence_deadline TIMESTAMP,
		needs_manual BOOLEAN NOT NULL DEFAULT FALSE,
		last_error TEXT,
		last_provider_update_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_disputes_provider_case ON disputes (provider, provider_case_id)`,
	`CREATE TABLE dispute_timeline_entries (
		id INTEGER PRIMARY KEY,
		dispute_id INTEGER NOT NULL,
		kind TEXT NOT NULL,
		message TEXT,
		meta TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE evidence_packs (
		id INTEGER PRIMARY KEY,
		dispute_id INTEGER NOT NULL,
		status TEXT NOT NULL,
		tracking_number TEXT,
		tracking_url TEXT,
		carrier TEXT,
		delivered_at TIMESTAMP,
		delivery_proof TEXT,
		product_description TEXT,
		customer_comms TEXT,
		refund_policy TEXT,
		terms_of_service TEXT,
		attachments TEXT,
		submitted_at TIMESTAMP,
		submitted_by TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_evidence_packs_dispute ON evidence_packs (dispute_id)`,
	`CREATE TABLE provider_transactions (
		id INTEGER PRIMARY KEY,
		channel_id INTEGER NOT NULL,
		provider TEXT NOT NULL,
		provider_txn_id TEXT NOT NULL,
		type TEXT NOT NULL,
		amount_cents INTEGER NOT NULL,
		fee_cents INTEGER NOT NULL DEFAULT 0,
		net_cents INTEGER NOT NULL DEFAULT 0,
		currency TEXT NOT NULL,
		status TEXT,
		reference TEXT,
		match_status TEXT NOT NULL,
		order_id INTEGER,
		matched_at TIMESTAMP,
		matched_by TEXT,
		occurred_at TIMESTAMP NOT NULL,
		raw_payload TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_provider_txn ON provider_transactions (channel_id, provider, provider_txn_id)`,
	`CREATE TABLE reconciliation_discrepancies (
		id INTEGER PRIMARY KEY,
		channel_id INTEGER NOT NULL,
		provider_transaction_id INTEGER NOT NULL,
		order_id INTEGER,
		kind TEXT NOT NULL,
		expected_cents INTEGER NOT NULL,
		actual_cents INTEGER NOT NULL,
		difference_cents INTEGER NOT NULL,
		severity TEXT NOT NULL,
		status TEXT NOT NULL,
		description TEXT,
		resolution TEXT,
		resolved_by TEXT,
		resolved_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
}
