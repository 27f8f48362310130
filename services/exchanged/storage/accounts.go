package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// UserAccountRecord captures the persisted nonce and the per-asset rolling
// volume windows for a user.
type UserAccountRecord struct {
	User    string
	Nonce   uint64
	Volumes []VolumeRecord
}

// VolumeRecord is a user's volume window for one asset, in that asset's base
// units.
type VolumeRecord struct {
	Asset       string
	DailyVolume *big.Int
	WindowStart time.Time
}

// SaveUserAccount upserts the nonce and the supplied volume windows for a user
// in one transaction. Windows for assets not listed are left untouched.
func (s *Storage) SaveUserAccount(ctx context.Context, rec UserAccountRecord) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	user := strings.TrimSpace(rec.User)
	if user == "" {
		return fmt.Errorf("user required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO user_accounts(user_id, nonce)
        VALUES(?, ?)
        ON CONFLICT(user_id) DO UPDATE SET nonce=excluded.nonce
    `, user, int64(rec.Nonce)); err != nil {
		return fmt.Errorf("save user account: %w", err)
	}
	for _, vol := range rec.Volumes {
		asset := strings.ToUpper(strings.TrimSpace(vol.Asset))
		if asset == "" {
			return fmt.Errorf("volume asset required")
		}
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO user_volumes(user_id, asset, daily_volume, window_start)
            VALUES(?, ?, ?, ?)
            ON CONFLICT(user_id, asset) DO UPDATE SET
                daily_volume=excluded.daily_volume,
                window_start=excluded.window_start
        `, user, asset, bigText(vol.DailyVolume), unixNano(vol.WindowStart)); err != nil {
			return fmt.Errorf("save user volume: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit user account: %w", err)
	}
	return nil
}

// LoadUserAccounts returns every persisted user account with its volume
// windows attached.
func (s *Storage) LoadUserAccounts(ctx context.Context) ([]UserAccountRecord, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, nonce FROM user_accounts`)
	if err != nil {
		return nil, fmt.Errorf("query user accounts: %w", err)
	}
	var records []UserAccountRecord
	index := make(map[string]int)
	for rows.Next() {
		var (
			rec   UserAccountRecord
			nonce int64
		)
		if err := rows.Scan(&rec.User, &nonce); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan user account: %w", err)
		}
		rec.Nonce = uint64(nonce)
		index[rec.User] = len(records)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate user accounts: %w", err)
	}
	rows.Close()

	vrows, err := s.db.QueryContext(ctx, `
        SELECT user_id, asset, daily_volume, window_start
        FROM user_volumes
    `)
	if err != nil {
		return nil, fmt.Errorf("query user volumes: %w", err)
	}
	defer vrows.Close()
	for vrows.Next() {
		var (
			user        string
			vol         VolumeRecord
			volumeRaw   string
			windowStart int64
		)
		if err := vrows.Scan(&user, &vol.Asset, &volumeRaw, &windowStart); err != nil {
			return nil, fmt.Errorf("scan user volume: %w", err)
		}
		if vol.DailyVolume, err = parseBig(volumeRaw, "daily_volume"); err != nil {
			return nil, err
		}
		vol.WindowStart = fromUnixNano(windowStart)
		i, ok := index[user]
		if !ok {
			index[user] = len(records)
			records = append(records, UserAccountRecord{User: user})
			i = index[user]
		}
		records[i].Volumes = append(records[i].Volumes, vol)
	}
	if err := vrows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user volumes: %w", err)
	}
	return records, nil
}

// BalanceRecord is a token balance held by an account.
type BalanceRecord struct {
	Asset   string
	Account string
	Amount  *big.Int
}

// AllowanceRecord is the amount a spender may pull from an owner.
type AllowanceRecord struct {
	Asset   string
	Owner   string
	Spender string
	Amount  *big.Int
}

// SaveBalances upserts several balances in one transaction so transfers are
// persisted atomically.
func (s *Storage) SaveBalances(ctx context.Context, records ...BalanceRecord) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := saveBalancesTx(ctx, tx, records); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit balances: %w", err)
	}
	return nil
}

// SavePull persists a spender pull: the reduced allowance and the debited
// balances land in the same transaction or not at all.
func (s *Storage) SavePull(ctx context.Context, allowance AllowanceRecord, balances ...BalanceRecord) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := saveAllowanceTx(ctx, tx, allowance); err != nil {
		return err
	}
	if err := saveBalancesTx(ctx, tx, balances); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit pull: %w", err)
	}
	return nil
}

func saveBalancesTx(ctx context.Context, tx *sql.Tx, records []BalanceRecord) error {
	for _, rec := range records {
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO token_balances(asset, account, amount)
            VALUES(?, ?, ?)
            ON CONFLICT(asset, account) DO UPDATE SET amount=excluded.amount
        `, strings.ToUpper(rec.Asset), rec.Account, bigText(rec.Amount)); err != nil {
			return fmt.Errorf("save balance: %w", err)
		}
	}
	return nil
}

func saveAllowanceTx(ctx context.Context, tx *sql.Tx, rec AllowanceRecord) error {
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO token_allowances(asset, owner, spender, amount)
        VALUES(?, ?, ?, ?)
        ON CONFLICT(asset, owner, spender) DO UPDATE SET amount=excluded.amount
    `, strings.ToUpper(rec.Asset), rec.Owner, rec.Spender, bigText(rec.Amount)); err != nil {
		return fmt.Errorf("save allowance: %w", err)
	}
	return nil
}

// LoadBalances returns every persisted balance.
func (s *Storage) LoadBalances(ctx context.Context) ([]BalanceRecord, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, `SELECT asset, account, amount FROM token_balances`)
	if err != nil {
		return nil, fmt.Errorf("query balances: %w", err)
	}
	defer rows.Close()
	var records []BalanceRecord
	for rows.Next() {
		var rec BalanceRecord
		var raw string
		if err := rows.Scan(&rec.Asset, &rec.Account, &raw); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		if rec.Amount, err = parseBig(raw, "amount"); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate balances: %w", err)
	}
	return records, nil
}

// SaveAllowance upserts an allowance.
func (s *Storage) SaveAllowance(ctx context.Context, rec AllowanceRecord) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := saveAllowanceTx(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit allowance: %w", err)
	}
	return nil
}

// LoadAllowances returns every persisted allowance.
func (s *Storage) LoadAllowances(ctx context.Context) ([]AllowanceRecord, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, `SELECT asset, owner, spender, amount FROM token_allowances`)
	if err != nil {
		return nil, fmt.Errorf("query allowances: %w", err)
	}
	defer rows.Close()
	var records []AllowanceRecord
	for rows.Next() {
		var rec AllowanceRecord
		var raw string
		if err := rows.Scan(&rec.Asset, &rec.Owner, &rec.Spender, &raw); err != nil {
			return nil, fmt.Errorf("scan allowance: %w", err)
		}
		if rec.Amount, err = parseBig(raw, "amount"); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate allowances: %w", err)
	}
	return records, nil
}
