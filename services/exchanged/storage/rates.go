package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// RateSnapshot captures an aggregated exchange rate applied to an asset.
type RateSnapshot struct {
	Asset      string
	Rate       string
	Sources    []string
	ObservedAt time.Time
	RecordedAt time.Time
}

// RecordRateSnapshot stores the aggregated median rate for an asset.
func (s *Storage) RecordRateSnapshot(ctx context.Context, snap RateSnapshot) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	asset := strings.ToUpper(strings.TrimSpace(snap.Asset))
	if asset == "" {
		return fmt.Errorf("asset required")
	}
	recorded := snap.RecordedAt
	if recorded.IsZero() {
		recorded = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO rate_snapshots(asset, rate, sources, observed_at, recorded_at)
        VALUES(?, ?, ?, ?, ?)
    `, asset, strings.TrimSpace(snap.Rate), strings.Join(snap.Sources, ","), unixNano(snap.ObservedAt), unixNano(recorded))
	if err != nil {
		return fmt.Errorf("insert rate snapshot: %w", err)
	}
	return nil
}

// LatestRateSnapshot returns the most recent snapshot for an asset.
func (s *Storage) LatestRateSnapshot(ctx context.Context, asset string) (RateSnapshot, error) {
	result := RateSnapshot{}
	if s == nil {
		return result, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT asset, rate, sources, observed_at, recorded_at
        FROM rate_snapshots
        WHERE asset = ?
        ORDER BY id DESC
        LIMIT 1
    `, strings.ToUpper(strings.TrimSpace(asset)))
	var sources string
	var observed, recorded int64
	if err := row.Scan(&result.Asset, &result.Rate, &sources, &observed, &recorded); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return result, ErrNotFound
		}
		return result, fmt.Errorf("query rate snapshot: %w", err)
	}
	if sources != "" {
		result.Sources = strings.Split(sources, ",")
	}
	result.ObservedAt = fromUnixNano(observed)
	result.RecordedAt = fromUnixNano(recorded)
	return result, nil
}
