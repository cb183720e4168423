package agentserver

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

var eventsBucket = []byte("processed_event")

// Ledger is the durable, crash-safe record of event IDs the agent has
// already applied, so a redelivered /v1/events POST is a no-op instead of
// a double-apply. Grounded on agent/state.py's AgentStateStore, ported
// from its SQLite processed_event table onto bbolt.
type Ledger struct {
	db *bbolt.DB
}

// OpenLedger opens (creating if absent) the event ledger under
// <dataRoot>/events/state.db.
func OpenLedger(dataRoot string) (*Ledger, error) {
	dir := filepath.Join(dataRoot, "events")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating events directory: %w", err)
	}

	db, err := bbolt.Open(filepath.Join(dir, "state.db"), 0o644, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening event ledger: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(eventsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing event ledger bucket: %w", err)
	}

	return &Ledger{db: db}, nil
}

// Close releases the ledger's file handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}

type processedEvent struct {
	IdempotencyKey string `json:"idempotency_key"`
	ProcessedAt    string `json:"processed_at"`
}

// Seen reports whether eventID has already been processed.
func (l *Ledger) Seen(eventID string) (bool, error) {
	var seen bool
	err := l.db.View(func(tx *bbolt.Tx) error {
		seen = tx.Bucket(eventsBucket).Get([]byte(eventID)) != nil
		return nil
	})
	return seen, err
}

// Mark records eventID as processed, storing its idempotency key and the
// processing time alongside, so a retried delivery of the same event
// short-circuits in Seen.
func (l *Ledger) Mark(eventID, idempotencyKey string) error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		record := processedEvent{
			IdempotencyKey: idempotencyKey,
			ProcessedAt:    time.Now().UTC().Format(time.RFC3339),
		}
		raw, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshaling processed event record: %w", err)
		}
		return tx.Bucket(eventsBucket).Put([]byte(eventID), raw)
	})
}
