// Package audit records every delivery it sees in an embedded badger store,
// keyed so that a prefix scan returns one message type in arrival order.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

const keyPrefix = "audit"

// Entry is one recorded delivery
type Entry struct {
	ID           uuid.UUID       `json:"id"`
	MessageType  string          `json:"messageType"`
	MessageID    string          `json:"messageId"`
	EventID      uuid.UUID       `json:"eventId"`
	CreationDate time.Time       `json:"creationDate"`
	Exchange     string          `json:"exchange"`
	ReceivedAt   time.Time       `json:"receivedAt"`
	Redelivered  bool            `json:"redelivered"`
	Payload      json.RawMessage `json:"payload"`
}

// Store persists entries in badger
type Store struct {
	db  *badger.DB
	log *slog.Logger
}

// Open opens the store at path
func Open(path string, log *slog.Logger) (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR))
	if err != nil {
		return nil, fmt.Errorf("failed to open audit store: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

// OpenInMemory opens a store that lives in memory only
func OpenInMemory(log *slog.Logger) (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR))
	if err != nil {
		return nil, fmt.Errorf("failed to open audit store: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

// Append persists an entry. The key is "audit:{escaped type}:{nanos padded to
// 19 digits}:{uuid}" so entries of a type sort by arrival and never collide.
// The payload must be JSON.
func (s *Store) Append(entry Entry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.ReceivedAt.IsZero() {
		entry.ReceivedAt = time.Now().UTC()
	}

	key := fmt.Sprintf("%s%019d:%s", typePrefix(entry.MessageType), entry.ReceivedAt.UnixNano(), entry.ID)
	value, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

// List returns the entries of a message type, oldest first
func (s *Store) List(messageType string) ([]Entry, error) {
	return s.scan(typePrefix(messageType))
}

// typePrefix escapes the type so a ':' in it cannot reach into another
// type's key range
func typePrefix(messageType string) string {
	return fmt.Sprintf("%s:%s:", keyPrefix, url.QueryEscape(messageType))
}

// All returns every entry, grouped by message type
func (s *Store) All() ([]Entry, error) {
	return s.scan(keyPrefix + ":")
}

func (s *Store) scan(prefixStr string) ([]Entry, error) {
	var entries []Entry
	prefix := []byte(prefixStr)

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(value []byte) error {
				var entry Entry
				if err := json.Unmarshal(value, &entry); err != nil {
					return err
				}
				entries = append(entries, entry)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug(fmt.Sprintf("Read %d audit entries", len(entries)), "prefix", prefixStr)
	return entries, nil
}

// Close closes the store
func (s *Store) Close() error {
	return s.db.Close()
}
