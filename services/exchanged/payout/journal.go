package payout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const entryKeyPrefix = "payout:"

// Stage is the durable progress of a payout.
type Stage string

const (
	// StageSending is written before the transfer is submitted so a crash
	// mid-request is treated as possibly sent.
	StageSending  Stage = "sending"
	StageSent     Stage = "sent"
	StageReported Stage = "reported"
	StageReturned Stage = "returned"
)

// Entry is a journalled payout.
type Entry struct {
	PaymentID  string    `json:"payment_id"`
	Stage      Stage     `json:"stage"`
	TransferID string    `json:"transfer_id,omitempty"`
	EndToEndID string    `json:"end_to_end_id,omitempty"`
	Amount     string    `json:"amount"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Journal is a LevelDB-backed record of submitted payouts.
type Journal struct {
	db *leveldb.DB
}

// OpenJournal opens (or creates) a LevelDB journal at the provided path.
func OpenJournal(path string) (*Journal, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("payout journal path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve payout journal path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open payout journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// OpenMemoryJournal returns a journal that lives only in memory.
func OpenMemoryJournal() (*Journal, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open payout journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying LevelDB resources.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Get loads the entry for paymentID.
func (j *Journal) Get(paymentID string) (Entry, bool, error) {
	raw, err := j.db.Get(entryKey(paymentID), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return Entry{}, false, nil
	case err != nil:
		return Entry{}, false, fmt.Errorf("load payout: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("decode payout %s: %w", paymentID, err)
	}
	return entry, true, nil
}

// Put writes entry synchronously.
func (j *Journal) Put(entry Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode payout: %w", err)
	}
	if err := j.db.Put(entryKey(entry.PaymentID), raw, nil); err != nil {
		return fmt.Errorf("record payout: %w", err)
	}
	return nil
}

// Entries returns every journalled payout.
func (j *Journal) Entries(ctx context.Context) ([]Entry, error) {
	iter := j.db.NewIterator(util.BytesPrefix([]byte(entryKeyPrefix)), nil)
	defer iter.Release()
	entries := make([]Entry, 0)
	for iter.Next() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		var entry Entry
		if err := json.Unmarshal(iter.Value(), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate payouts: %w", err)
	}
	return entries, nil
}

// Prune deletes reported or returned entries last updated before cutoff.
// Entries for which keep returns true are retained.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time, keep func(Entry) bool) (int, error) {
	entries, err := j.Entries(ctx)
	if err != nil {
		return 0, err
	}
	batch := new(leveldb.Batch)
	for _, entry := range entries {
		if entry.Stage != StageReported && entry.Stage != StageReturned {
			continue
		}
		if keep != nil && keep(entry) {
			continue
		}
		if entry.UpdatedAt.Before(cutoff) {
			batch.Delete(entryKey(entry.PaymentID))
		}
	}
	if batch.Len() == 0 {
		return 0, nil
	}
	if err := j.db.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("prune payouts: %w", err)
	}
	return batch.Len(), nil
}

func entryKey(paymentID string) []byte {
	return []byte(entryKeyPrefix + strings.TrimSpace(paymentID))
}
