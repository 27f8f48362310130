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

// ConversionRecord is the persisted form of a conversion.
type ConversionRecord struct {
	PaymentID     string
	User          string
	Direction     string
	Asset         string
	PixAmount     *big.Int
	StableAmount  *big.Int
	Fee           *big.Int
	PixKey        string
	Nonce         uint64
	Status        string
	BankReference string
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ConversionFilter narrows LoadConversions results. Zero values match all.
type ConversionFilter struct {
	Status        string
	Direction     string
	User          string
	CreatedBefore time.Time
	Limit         int
}

// InsertConversion stores a new conversion. It reports false without error
// when the payment id already exists.
func (s *Storage) InsertConversion(ctx context.Context, rec ConversionRecord) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("storage not configured")
	}
	id := strings.TrimSpace(rec.PaymentID)
	if id == "" {
		return false, fmt.Errorf("payment id required")
	}
	result, err := s.db.ExecContext(ctx, `
        INSERT INTO conversions(payment_id, user_id, direction, asset, pix_amount, stable_amount, fee, pix_key, nonce, status, bank_reference, failure_reason, created_at, updated_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(payment_id) DO NOTHING
    `, id, rec.User, rec.Direction, strings.ToUpper(rec.Asset), bigText(rec.PixAmount), bigText(rec.StableAmount), bigText(rec.Fee),
		rec.PixKey, int64(rec.Nonce), rec.Status, rec.BankReference, rec.FailureReason, unixNano(rec.CreatedAt), unixNano(rec.UpdatedAt))
	if err != nil {
		return false, fmt.Errorf("insert conversion: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected == 1, nil
}

// UpdateConversion rewrites the mutable fields of a conversion only when its
// stored status still equals expectedStatus. It reports false when the
// condition did not hold.
func (s *Storage) UpdateConversion(ctx context.Context, rec ConversionRecord, expectedStatus string) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("storage not configured")
	}
	result, err := s.db.ExecContext(ctx, `
        UPDATE conversions
        SET status = ?, fee = ?, bank_reference = ?, failure_reason = ?, updated_at = ?
        WHERE payment_id = ? AND status = ?
    `, rec.Status, bigText(rec.Fee), rec.BankReference, rec.FailureReason, unixNano(rec.UpdatedAt),
		strings.TrimSpace(rec.PaymentID), expectedStatus)
	if err != nil {
		return false, fmt.Errorf("update conversion: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected == 1, nil
}

// GetConversion loads a single conversion by payment id.
func (s *Storage) GetConversion(ctx context.Context, paymentID string) (ConversionRecord, error) {
	if s == nil {
		return ConversionRecord{}, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT payment_id, user_id, direction, asset, pix_amount, stable_amount, fee, pix_key, nonce, status, bank_reference, failure_reason, created_at, updated_at
        FROM conversions
        WHERE payment_id = ?
    `, strings.TrimSpace(paymentID))
	rec, err := scanConversion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ConversionRecord{}, ErrNotFound
		}
		return ConversionRecord{}, err
	}
	return rec, nil
}

// LoadConversions returns conversions matching the filter ordered by creation
// time.
func (s *Storage) LoadConversions(ctx context.Context, filter ConversionFilter) ([]ConversionRecord, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	var (
		clauses []string
		args    []any
	)
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Direction != "" {
		clauses = append(clauses, "direction = ?")
		args = append(args, filter.Direction)
	}
	if filter.User != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, filter.User)
	}
	if !filter.CreatedBefore.IsZero() {
		clauses = append(clauses, "created_at < ?")
		args = append(args, unixNano(filter.CreatedBefore))
	}
	query := `
        SELECT payment_id, user_id, direction, asset, pix_amount, stable_amount, fee, pix_key, nonce, status, bank_reference, failure_reason, created_at, updated_at
        FROM conversions`
	if len(clauses) > 0 {
		query += "\n        WHERE " + strings.Join(clauses, " AND ")
	}
	query += "\n        ORDER BY created_at ASC, payment_id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf("\n        LIMIT %d", filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query conversions: %w", err)
	}
	defer rows.Close()
	var records []ConversionRecord
	for rows.Next() {
		rec, err := scanConversion(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversions: %w", err)
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversion(row rowScanner) (ConversionRecord, error) {
	var (
		rec                         ConversionRecord
		pixRaw, stableRaw, feeRaw   string
		nonce, createdAt, updatedAt int64
	)
	if err := row.Scan(&rec.PaymentID, &rec.User, &rec.Direction, &rec.Asset, &pixRaw, &stableRaw, &feeRaw, &rec.PixKey,
		&nonce, &rec.Status, &rec.BankReference, &rec.FailureReason, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("scan conversion: %w", err)
	}
	var err error
	if rec.PixAmount, err = parseBig(pixRaw, "pix_amount"); err != nil {
		return rec, err
	}
	if rec.StableAmount, err = parseBig(stableRaw, "stable_amount"); err != nil {
		return rec, err
	}
	if rec.Fee, err = parseBig(feeRaw, "fee"); err != nil {
		return rec, err
	}
	rec.Nonce = uint64(nonce)
	rec.CreatedAt = fromUnixNano(createdAt)
	rec.UpdatedAt = fromUnixNano(updatedAt)
	return rec, nil
}
