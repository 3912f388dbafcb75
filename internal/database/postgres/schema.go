package postgres

// Amounts are NUMERIC(20,0) because quote values reach 2^63 and
// counters are unsigned 64-bit.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS mint_quotes (
		id              UUID PRIMARY KEY,
		state           TEXT NOT NULL,
		amount          NUMERIC(20,0) NOT NULL,
		unit            TEXT NOT NULL,
		locking_pubkey  BYTEA NOT NULL,
		audit_reference BYTEA NOT NULL,
		keyset_id       TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_mint_quotes_pubkey ON mint_quotes (locking_pubkey, created_at)`,
	`CREATE TABLE IF NOT EXISTS keysets (
		id              TEXT PRIMARY KEY,
		state           TEXT NOT NULL,
		unit            TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL,
		conversion_rate NUMERIC,
		payout_amount   NUMERIC(20,0) NOT NULL DEFAULT 0,
		outstanding     NUMERIC(20,0) NOT NULL DEFAULT 0,
		payout_deadline TIMESTAMPTZ,
		expired_at      TIMESTAMPTZ,
		payout_source    TEXT NOT NULL DEFAULT '',
		payout_reference TEXT NOT NULL DEFAULT ''
	)`,
	`ALTER TABLE keysets ADD COLUMN IF NOT EXISTS payout_source TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE keysets ADD COLUMN IF NOT EXISTS payout_reference TEXT NOT NULL DEFAULT ''`,
	`CREATE TABLE IF NOT EXISTS pubkey_balances (
		pubkey      TEXT PRIMARY KEY,
		amount      NUMERIC(20,0) NOT NULL,
		last_update TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS channel_stats (
		channel_id    BIGINT PRIMARY KEY,
		share_count   NUMERIC(20,0) NOT NULL,
		total_tokens  NUMERIC(20,0) NOT NULL,
		last_activity TIMESTAMPTZ NOT NULL
	)`,
}
