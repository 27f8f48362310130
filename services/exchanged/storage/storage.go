package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"
)

// Storage wraps the exchanged persistence layer.
type Storage struct {
	db *sql.DB
}

var (
	// ErrPathRequired is returned when the backing store path is missing.
	ErrPathRequired = errors.New("exchanged storage path must be configured")
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("record not found")
)

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(dsn string) (*Storage, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite allows a single writer at a time.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases database resources.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS stablecoins (
    asset TEXT PRIMARY KEY,
    token TEXT NOT NULL DEFAULT '',
    decimals INTEGER NOT NULL,
    active INTEGER NOT NULL DEFAULT 0,
    min_amount TEXT NOT NULL,
    max_amount TEXT NOT NULL,
    daily_limit TEXT NOT NULL,
    rate TEXT NOT NULL,
    pool TEXT NOT NULL DEFAULT '0',
    funded TEXT NOT NULL DEFAULT '0',
    withdrawn TEXT NOT NULL DEFAULT '0',
    credited TEXT NOT NULL DEFAULT '0',
    debited TEXT NOT NULL DEFAULT '0',
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS conversions (
    payment_id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    direction TEXT NOT NULL,
    asset TEXT NOT NULL,
    pix_amount TEXT NOT NULL,
    stable_amount TEXT NOT NULL,
    fee TEXT NOT NULL,
    pix_key TEXT NOT NULL DEFAULT '',
    nonce INTEGER NOT NULL,
    status TEXT NOT NULL,
    bank_reference TEXT NOT NULL DEFAULT '',
    failure_reason TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversions_status_created ON conversions(status, created_at);
CREATE INDEX IF NOT EXISTS idx_conversions_user ON conversions(user_id, created_at);

CREATE TABLE IF NOT EXISTS user_accounts (
    user_id TEXT PRIMARY KEY,
    nonce INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS user_volumes (
    user_id TEXT NOT NULL,
    asset TEXT NOT NULL,
    daily_volume TEXT NOT NULL,
    window_start INTEGER NOT NULL,
    PRIMARY KEY (user_id, asset)
);

CREATE TABLE IF NOT EXISTS token_balances (
    asset TEXT NOT NULL,
    account TEXT NOT NULL,
    amount TEXT NOT NULL,
    PRIMARY KEY(asset, account)
);

CREATE TABLE IF NOT EXISTS token_allowances (
    asset TEXT NOT NULL,
    owner TEXT NOT NULL,
    spender TEXT NOT NULL,
    amount TEXT NOT NULL,
    PRIMARY KEY(asset, owner, spender)
);

CREATE TABLE IF NOT EXISTS oracle_reports (
    payment_id TEXT PRIMARY KEY,
    reporter TEXT NOT NULL,
    amount TEXT NOT NULL,
    bank_reference TEXT NOT NULL DEFAULT '',
    reported_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS conversion_events (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    type TEXT NOT NULL,
    payment_id TEXT NOT NULL,
    payload TEXT NOT NULL,
    occurred_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversion_events_payment ON conversion_events(payment_id, seq);

CREATE TABLE IF NOT EXISTS rate_snapshots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    asset TEXT NOT NULL,
    rate TEXT NOT NULL,
    sources TEXT NOT NULL,
    observed_at INTEGER NOT NULL,
    recorded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rate_snapshots_asset ON rate_snapshots(asset, id);
`

func bigText(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseBig(raw, field string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("parse %s: %q", field, raw)
	}
	return v, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromUnixNano(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v).UTC()
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
