// Package outbox is a bounded local replay buffer for violation events
// generated while the realtime channel is down.
//
// Without it such events would be dropped. Events queue in a small sqlite
// database and flush in order when the channel reopens. The buffer is
// bounded; overflow evicts the oldest entries, so it is a liveness aid,
// not an audit log. The authority's own records remain the source of
// truth.
package outbox

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"proctorforge/internal/event"
)

const schema = `
CREATE TABLE IF NOT EXISTS outbox (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    attempt_id  TEXT NOT NULL,
    payload     BLOB NOT NULL,
    queued_ns   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outbox_attempt ON outbox(attempt_id, id);
`

// ErrClosed is returned after Close.
var ErrClosed = errors.New("outbox: closed")

// Config controls the outbox.
type Config struct {
	// Enabled turns the replay buffer on. When false, events generated
	// while the channel is down are dropped.
	Enabled bool `json:"enabled"`

	// Path of the sqlite database. ":memory:" is valid for tests.
	Path string `json:"path"`

	// Capacity bounds the queue; overflow evicts the oldest entries.
	Capacity int `json:"capacity"`
}

// DefaultConfig returns the default outbox configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:  true,
		Path:     "proctord-outbox.db",
		Capacity: 512,
	}
}

// Outbox is the sqlite-backed queue.
type Outbox struct {
	mu     sync.Mutex
	db     *sql.DB
	cap    int
	closed bool
}

// Open creates or opens the outbox database.
func Open(cfg Config) (*Outbox, error) {
	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create outbox schema: %w", err)
	}
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultConfig().Capacity
	}
	return &Outbox{db: db, cap: capacity}, nil
}

// Enqueue appends one event, evicting the oldest entries when the buffer
// is full.
func (o *Outbox) Enqueue(v event.Violation) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	tx, err := o.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"INSERT INTO outbox (attempt_id, payload, queued_ns) VALUES (?, ?, ?)",
		v.AttemptID, payload, v.OccurredAt.UnixNano(),
	); err != nil {
		return fmt.Errorf("enqueue event: %w", err)
	}

	// Evict oldest entries beyond capacity.
	if _, err := tx.Exec(
		"DELETE FROM outbox WHERE id NOT IN (SELECT id FROM outbox ORDER BY id DESC LIMIT ?)",
		o.cap,
	); err != nil {
		return fmt.Errorf("trim outbox: %w", err)
	}

	return tx.Commit()
}

// Len returns the number of queued events.
func (o *Outbox) Len() (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return 0, ErrClosed
	}
	var n int
	err := o.db.QueryRow("SELECT COUNT(*) FROM outbox").Scan(&n)
	return n, err
}

// Drain replays queued events in FIFO order. Each successfully delivered
// event is removed; delivery stops at the first failure, leaving the rest
// queued for the next flush.
func (o *Outbox) Drain(deliver func(v event.Violation) error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}

	rows, err := o.db.Query("SELECT id, payload FROM outbox ORDER BY id ASC")
	if err != nil {
		return fmt.Errorf("read outbox: %w", err)
	}

	type entry struct {
		id      int64
		payload []byte
	}
	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.id, &e.payload); err != nil {
			rows.Close()
			return err
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, e := range entries {
		var v event.Violation
		if err := json.Unmarshal(e.payload, &v); err != nil {
			// Corrupt entry: drop it rather than wedge the queue.
			o.db.Exec("DELETE FROM outbox WHERE id = ?", e.id)
			continue
		}
		if err := deliver(v); err != nil {
			return fmt.Errorf("replay event %s: %w", v.ID, err)
		}
		if _, err := o.db.Exec("DELETE FROM outbox WHERE id = ?", e.id); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the database.
func (o *Outbox) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	return o.db.Close()
}
