package activity

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

var eventsBucket = []byte("events")

// BoltLog is an append-only event log backed by a BBolt database. Keys are
// RFC 3339 nano timestamps suffixed with the event id, so a cursor scan
// yields chronological order.
type BoltLog struct {
	db     *bbolt.DB
	logger *slog.Logger
}

var _ Sink = (*BoltLog)(nil)

// OpenBoltLog opens (or creates) the event log at path.
func OpenBoltLog(path string, logger *slog.Logger) (*BoltLog, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening activity log: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(eventsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing activity log: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BoltLog{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (l *BoltLog) Close() error {
	return l.db.Close()
}

// Emit appends one event. Failures are logged and swallowed; the engine
// never fails an operation because the activity log is unwritable.
func (l *BoltLog) Emit(kind string, payload any, actor string) {
	ev := NewEvent(kind, payload, actor)
	data, err := json.Marshal(ev)
	if err != nil {
		l.logger.Warn("encoding activity event", "kind", kind, "error", err)
		return
	}
	key := ev.At.Format(time.RFC3339Nano) + ":" + ev.ID
	err = l.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(eventsBucket).Put([]byte(key), data)
	})
	if err != nil {
		l.logger.Warn("writing activity event", "kind", kind, "error", err)
	}
}

// List returns up to limit events, newest first. A limit of zero or less
// returns everything.
func (l *BoltLog) List(limit int) ([]Event, error) {
	var events []Event
	err := l.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(eventsBucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var ev Event
			if err := json.Unmarshal(v, &ev); err != nil {
				continue
			}
			events = append(events, ev)
			if limit > 0 && len(events) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}
