package webhook

import (
	"fmt"
	"strings"
	"time"

	bbolt "go.etcd.io/bbolt"
)

// State represents the processing status stored for a notification.
type State int

const (
	// StateNew indicates the notification was newly reserved in this request.
	StateNew State = iota
	// StatePending indicates the notification is already being processed.
	StatePending
	// StateDone indicates the notification has been finalised.
	StateDone
)

var bucketNotifications = []byte("notifications")

// Store persists notification processing state keyed by end-to-end id.
type Store struct {
	db *bbolt.DB
}

// OpenStore opens (or creates) the dedupe database.
func OpenStore(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketNotifications)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Reserve marks a notification as pending and returns its prior state.
func (s *Store) Reserve(endToEndID string) (State, error) {
	if s == nil || s.db == nil {
		return StatePending, fmt.Errorf("notification store not initialised")
	}
	trimmed := strings.TrimSpace(endToEndID)
	if trimmed == "" {
		return StatePending, fmt.Errorf("end to end id required")
	}
	var state State
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketNotifications)
		key := []byte(trimmed)
		existing := bucket.Get(key)
		if existing == nil {
			state = StateNew
			return bucket.Put(key, []byte("pending"))
		}
		if strings.HasPrefix(string(existing), "done") {
			state = StateDone
		} else {
			state = StatePending
		}
		return nil
	})
	if err != nil {
		return StatePending, err
	}
	return state, nil
}

// MarkDone records the notification outcome.
func (s *Store) MarkDone(endToEndID, outcome string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("notification store not initialised")
	}
	trimmed := strings.TrimSpace(endToEndID)
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketNotifications)
		key := []byte(trimmed)
		if bucket.Get(key) == nil {
			return fmt.Errorf("notification %s not reserved", trimmed)
		}
		return bucket.Put(key, []byte("done:"+outcome))
	})
}

// Outcome returns the recorded outcome of a finalised notification.
func (s *Store) Outcome(endToEndID string) (string, bool, error) {
	var outcome string
	var ok bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketNotifications).Get([]byte(strings.TrimSpace(endToEndID)))
		if raw == nil {
			return nil
		}
		value := string(raw)
		if strings.HasPrefix(value, "done:") {
			outcome, ok = strings.TrimPrefix(value, "done:"), true
		}
		return nil
	})
	return outcome, ok, err
}

// Release removes a pending reservation, allowing a retry.
func (s *Store) Release(endToEndID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("notification store not initialised")
	}
	trimmed := strings.TrimSpace(endToEndID)
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketNotifications)
		key := []byte(trimmed)
		if val := bucket.Get(key); val != nil && string(val) == "pending" {
			return bucket.Delete(key)
		}
		return nil
	})
}
