package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// EventRecord is a journaled conversion event. Payload carries the encoded
// event body.
type EventRecord struct {
	Seq        int64
	ID         string
	Type       string
	PaymentID  string
	Payload    []byte
	OccurredAt time.Time
}

// AppendEvent journals an event and returns its assigned sequence number.
func (s *Storage) AppendEvent(ctx context.Context, rec EventRecord) (int64, error) {
	if s == nil {
		return 0, fmt.Errorf("storage not configured")
	}
	if strings.TrimSpace(rec.ID) == "" {
		return 0, fmt.Errorf("event id required")
	}
	result, err := s.db.ExecContext(ctx, `
        INSERT INTO conversion_events(id, type, payment_id, payload, occurred_at)
        VALUES(?, ?, ?, ?, ?)
    `, rec.ID, rec.Type, rec.PaymentID, string(rec.Payload), unixNano(rec.OccurredAt))
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("event sequence: %w", err)
	}
	return seq, nil
}

// EventsAfter returns up to limit journaled events with a sequence greater
// than after, optionally restricted to a single payment id.
func (s *Storage) EventsAfter(ctx context.Context, after int64, paymentID string, limit int) ([]EventRecord, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	if limit <= 0 {
		limit = 100
	}
	query := `
        SELECT seq, id, type, payment_id, payload, occurred_at
        FROM conversion_events
        WHERE seq > ?`
	args := []any{after}
	if id := strings.TrimSpace(paymentID); id != "" {
		query += " AND payment_id = ?"
		args = append(args, id)
	}
	query += "\n        ORDER BY seq ASC\n        LIMIT ?"
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	var records []EventRecord
	for rows.Next() {
		var rec EventRecord
		var payload string
		var occurredAt int64
		if err := rows.Scan(&rec.Seq, &rec.ID, &rec.Type, &rec.PaymentID, &payload, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		rec.Payload = []byte(payload)
		rec.OccurredAt = fromUnixNano(occurredAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return records, nil
}
