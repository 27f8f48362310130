package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// StablecoinRecord captures a persisted registry entry including its pool
// balance and flow counters.
type StablecoinRecord struct {
	Asset      string
	Token      string
	Decimals   uint8
	Active     bool
	MinAmount  *big.Int
	MaxAmount  *big.Int
	DailyLimit *big.Int
	Rate       *big.Int
	Pool       *big.Int
	Funded     *big.Int
	Withdrawn  *big.Int
	Credited   *big.Int
	Debited    *big.Int
	UpdatedAt  time.Time
}

// SaveStablecoin upserts the registry entry for an asset.
func (s *Storage) SaveStablecoin(ctx context.Context, record StablecoinRecord) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	asset := strings.ToUpper(strings.TrimSpace(record.Asset))
	if asset == "" {
		return fmt.Errorf("asset required")
	}
	updatedAt := record.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO stablecoins(asset, token, decimals, active, min_amount, max_amount, daily_limit, rate, pool, funded, withdrawn, credited, debited, updated_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(asset) DO UPDATE SET
            token=excluded.token,
            decimals=excluded.decimals,
            active=excluded.active,
            min_amount=excluded.min_amount,
            max_amount=excluded.max_amount,
            daily_limit=excluded.daily_limit,
            rate=excluded.rate,
            pool=excluded.pool,
            funded=excluded.funded,
            withdrawn=excluded.withdrawn,
            credited=excluded.credited,
            debited=excluded.debited,
            updated_at=excluded.updated_at
    `, asset, strings.TrimSpace(record.Token), int(record.Decimals), boolInt(record.Active),
		bigText(record.MinAmount), bigText(record.MaxAmount), bigText(record.DailyLimit), bigText(record.Rate),
		bigText(record.Pool), bigText(record.Funded), bigText(record.Withdrawn), bigText(record.Credited), bigText(record.Debited),
		unixNano(updatedAt))
	if err != nil {
		return fmt.Errorf("save stablecoin: %w", err)
	}
	return nil
}

// LoadStablecoins returns every persisted registry entry ordered by symbol.
func (s *Storage) LoadStablecoins(ctx context.Context) ([]StablecoinRecord, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT asset, token, decimals, active, min_amount, max_amount, daily_limit, rate, pool, funded, withdrawn, credited, debited, updated_at
        FROM stablecoins
        ORDER BY asset ASC
    `)
	if err != nil {
		return nil, fmt.Errorf("query stablecoins: %w", err)
	}
	defer rows.Close()
	var records []StablecoinRecord
	for rows.Next() {
		var (
			rec                               StablecoinRecord
			decimals, active                  int
			minRaw, maxRaw, limitRaw, rateRaw string
			poolRaw, fundedRaw, withdrawnRaw  string
			creditedRaw, debitedRaw           string
			updatedAt                         int64
		)
		if err := rows.Scan(&rec.Asset, &rec.Token, &decimals, &active, &minRaw, &maxRaw, &limitRaw, &rateRaw,
			&poolRaw, &fundedRaw, &withdrawnRaw, &creditedRaw, &debitedRaw, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan stablecoin: %w", err)
		}
		rec.Decimals = uint8(decimals)
		rec.Active = active != 0
		rec.UpdatedAt = fromUnixNano(updatedAt)
		fields := []struct {
			dst **big.Int
			raw string
			tag string
		}{
			{&rec.MinAmount, minRaw, "min_amount"},
			{&rec.MaxAmount, maxRaw, "max_amount"},
			{&rec.DailyLimit, limitRaw, "daily_limit"},
			{&rec.Rate, rateRaw, "rate"},
			{&rec.Pool, poolRaw, "pool"},
			{&rec.Funded, fundedRaw, "funded"},
			{&rec.Withdrawn, withdrawnRaw, "withdrawn"},
			{&rec.Credited, creditedRaw, "credited"},
			{&rec.Debited, debitedRaw, "debited"},
		}
		for _, f := range fields {
			v, err := parseBig(f.raw, f.tag)
			if err != nil {
				return nil, err
			}
			*f.dst = v
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stablecoins: %w", err)
	}
	return records, nil
}

// SaveSetting upserts a global setting such as the fee rate or pause flag.
func (s *Storage) SaveSetting(ctx context.Context, key, value string) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("setting key required")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO settings(key, value, updated_at)
        VALUES(?, ?, ?)
        ON CONFLICT(key) DO UPDATE SET
            value=excluded.value,
            updated_at=excluded.updated_at
    `, key, value, time.Now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("save setting: %w", err)
	}
	return nil
}

// LoadSetting returns the stored value for key. The boolean is false when the
// setting has never been written.
func (s *Storage) LoadSetting(ctx context.Context, key string) (string, bool, error) {
	if s == nil {
		return "", false, fmt.Errorf("storage not configured")
	}
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, strings.TrimSpace(key)).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("query setting: %w", err)
	}
	return value, true, nil
}
