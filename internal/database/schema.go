package database

import (
	"context"
	"database/sql"
	"fmt"
)

// Tables
const (
	TableWallets      = "wallets"
	TableLedger       = "wallet_transactions"
	TableOrders       = "orders"
	TableFulfillments = "order_fulfillments"
	TableCanceled     = "order_canceled"
	TableExpired      = "order_expired"
	TableCycles       = "accounting_cycles"
	TableCycleTiers   = "account_cycle_tiers"
)

// Constraints the engine inspects on unique violations
const (
	ConstraintFulfillmentsPkey      = "order_fulfillments_pkey"
	ConstraintFulfillmentsOrderCode = "order_fulfillments_order_code_key"
	ConstraintOrdersPkey            = "orders_pkey"
	ConstraintLedgerPkey            = "wallet_transactions_pkey"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS wallets (
		account_id  VARCHAR(64) PRIMARY KEY,
		balance     BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS wallet_transactions (
		transaction_code VARCHAR(40) PRIMARY KEY,
		account_id       VARCHAR(64) NOT NULL,
		direction        VARCHAR(8) NOT NULL CHECK (direction IN ('CREDIT', 'DEBIT')),
		amount           BIGINT NOT NULL CHECK (amount > 0),
		balance_before   BIGINT NOT NULL,
		balance_after    BIGINT NOT NULL CHECK (balance_after >= 0),
		type             VARCHAR(20) NOT NULL,
		reference        VARCHAR(120) NOT NULL DEFAULT '',
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS wallet_transactions_account_idx ON wallet_transactions (account_id, created_at)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS wallet_transactions_reference_key ON wallet_transactions (reference) WHERE reference <> ''`,
	`CREATE TABLE IF NOT EXISTS orders (
		order_code        VARCHAR(40) PRIMARY KEY,
		account_id        VARCHAR(64) NOT NULL,
		status            VARCHAR(20) NOT NULL,
		payment_reference VARCHAR(40),
		product_reference VARCHAR(120) NOT NULL,
		price             BIGINT NOT NULL CHECK (price > 0),
		extra             JSONB,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		paid_at           TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS orders_payment_reference_idx ON orders (payment_reference)`,
	`CREATE INDEX IF NOT EXISTS orders_pending_idx ON orders (created_at) WHERE status = 'PENDING_PAYMENT'`,
	`CREATE TABLE IF NOT EXISTS order_fulfillments (
		id                BIGSERIAL PRIMARY KEY,
		order_code        VARCHAR(40) NOT NULL UNIQUE,
		account_id        VARCHAR(64) NOT NULL,
		product_reference VARCHAR(120) NOT NULL,
		price             BIGINT NOT NULL,
		status            VARCHAR(20) NOT NULL,
		slot              INTEGER NOT NULL DEFAULT 0,
		note              TEXT NOT NULL DEFAULT '',
		supply            VARCHAR(120) NOT NULL DEFAULT '',
		expiry            VARCHAR(60) NOT NULL DEFAULT '',
		extra             JSONB,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS order_canceled (
		id                BIGSERIAL PRIMARY KEY,
		order_code        VARCHAR(40) NOT NULL UNIQUE,
		account_id        VARCHAR(64) NOT NULL,
		product_reference VARCHAR(120) NOT NULL,
		price             BIGINT NOT NULL,
		status            VARCHAR(20) NOT NULL,
		slot              INTEGER NOT NULL DEFAULT 0,
		note              TEXT NOT NULL DEFAULT '',
		supply            VARCHAR(120) NOT NULL DEFAULT '',
		expiry            VARCHAR(60) NOT NULL DEFAULT '',
		extra             JSONB,
		refund            BIGINT NOT NULL DEFAULT 0,
		reason            TEXT NOT NULL DEFAULT '',
		created_at        TIMESTAMPTZ NOT NULL,
		canceled_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS order_expired (
		order_code        VARCHAR(40) PRIMARY KEY,
		account_id        VARCHAR(64) NOT NULL,
		product_reference VARCHAR(120) NOT NULL,
		price             BIGINT NOT NULL,
		payment_reference VARCHAR(40),
		created_at        TIMESTAMPTZ NOT NULL,
		expired_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS accounting_cycles (
		id           BIGSERIAL PRIMARY KEY,
		period_start TIMESTAMPTZ NOT NULL,
		period_end   TIMESTAMPTZ NOT NULL,
		status       VARCHAR(10) NOT NULL,
		closed_at    TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS accounting_cycles_open_key ON accounting_cycles (status) WHERE status = 'OPEN'`,
	`CREATE TABLE IF NOT EXISTS account_cycle_tiers (
		cycle_id   BIGINT NOT NULL REFERENCES accounting_cycles (id),
		account_id VARCHAR(64) NOT NULL,
		spent      BIGINT NOT NULL,
		tier       VARCHAR(20) NOT NULL,
		PRIMARY KEY (cycle_id, account_id)
	)`,
}

// Migrate applies the schema. Every statement is idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
