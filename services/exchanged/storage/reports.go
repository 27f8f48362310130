package storage

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// ReportRecord is a persisted oracle observation awaiting confirmation.
type ReportRecord struct {
	PaymentID     string
	Reporter      string
	Amount        *big.Int
	BankReference string
	ReportedAt    time.Time
}

// SaveReport upserts the latest report for a payment id.
func (s *Storage) SaveReport(ctx context.Context, rec ReportRecord) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	id := strings.TrimSpace(rec.PaymentID)
	if id == "" {
		return fmt.Errorf("payment id required")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO oracle_reports(payment_id, reporter, amount, bank_reference, reported_at)
        VALUES(?, ?, ?, ?, ?)
        ON CONFLICT(payment_id) DO UPDATE SET
            reporter=excluded.reporter,
            amount=excluded.amount,
            bank_reference=excluded.bank_reference,
            reported_at=excluded.reported_at
    `, id, rec.Reporter, bigText(rec.Amount), rec.BankReference, unixNano(rec.ReportedAt))
	if err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	return nil
}

// DeleteReport removes the report for a payment id.
func (s *Storage) DeleteReport(ctx context.Context, paymentID string) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if _, err := s.db.ExecContext(ctx, `
        DELETE FROM oracle_reports WHERE payment_id = ?
    `, strings.TrimSpace(paymentID)); err != nil {
		return fmt.Errorf("delete report: %w", err)
	}
	return nil
}

// LoadReports returns all outstanding reports ordered by report time.
func (s *Storage) LoadReports(ctx context.Context) ([]ReportRecord, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT payment_id, reporter, amount, bank_reference, reported_at
        FROM oracle_reports
        ORDER BY reported_at ASC
    `)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()
	var records []ReportRecord
	for rows.Next() {
		var rec ReportRecord
		var raw string
		var reportedAt int64
		if err := rows.Scan(&rec.PaymentID, &rec.Reporter, &raw, &rec.BankReference, &reportedAt); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		if rec.Amount, err = parseBig(raw, "amount"); err != nil {
			return nil, err
		}
		rec.ReportedAt = fromUnixNano(reportedAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reports: %w", err)
	}
	return records, nil
}
