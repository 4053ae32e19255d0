// Package deadletter provides a WAL-mode SQLite archive for outbound
// entries the worker gave up on. When an entry exceeds the redelivery cap
// it is acknowledged and dropped from the stream so it cannot stall the
// consumer; before the ack the worker offers it to this archive so an
// operator can inspect and replay it by hand.
//
// Archiving is strictly best-effort: a failed insert is logged by the
// caller and never blocks the acknowledgement. The archive holds only
// entries that are already lost to the delivery path, so the core's
// no-persistent-state rule is preserved.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL so an operator's
// read queries and the worker's inserts can proceed without blocking each
// other.
package deadletter

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// Entry is one dead-lettered outbound message.
type Entry struct {
	// StreamID is the Redis stream entry id the message arrived as.
	StreamID string
	// Agent, Channel, Target and AccountID are the entry's routing fields.
	Agent     string
	Channel   string
	Target    string
	AccountID string
	// Message is the undelivered body.
	Message string
	// Deliveries is the delivery count observed when the entry was dropped.
	Deliveries int64
	// ArchivedAt is when the archive recorded the entry.
	ArchivedAt time.Time
}

// Archive is a WAL-mode SQLite-backed dead-letter store. It is safe for
// concurrent use.
type Archive struct {
	db    *sql.DB
	count atomic.Int64
}

// ddl is the schema, kept here to keep the package self-contained.
const ddl = `
CREATE TABLE IF NOT EXISTS dead_letters (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    stream_id   TEXT    NOT NULL,
    agent       TEXT    NOT NULL DEFAULT '',
    channel     TEXT    NOT NULL,
    target      TEXT    NOT NULL,
    account_id  TEXT    NOT NULL DEFAULT '',
    message     TEXT    NOT NULL,
    deliveries  INTEGER NOT NULL,
    archived_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_archived_at
    ON dead_letters (archived_at);
`

// Open opens (or creates) the archive database at path, enables WAL
// journal mode, and applies the schema. If path is ":memory:", an
// in-memory database is used; this is suitable for tests but loses all
// data when closed.
func Open(path string) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("deadletter: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time. Limiting the pool to a
	// single connection avoids "database is locked" errors; each insert
	// serialises through this connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("deadletter: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("deadletter: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("deadletter: apply schema: %w", err)
	}

	a := &Archive{db: db}

	// Seed the counter so Count() is accurate immediately after a restart.
	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM dead_letters`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("deadletter: count rows: %w", err)
	}
	a.count.Store(count)

	return a, nil
}

// Archive persists one dead-lettered entry.
func (a *Archive) Archive(ctx context.Context, e Entry) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO dead_letters (stream_id, agent, channel, target, account_id, message, deliveries)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.StreamID, e.Agent, e.Channel, e.Target, e.AccountID, e.Message, e.Deliveries,
	)
	if err != nil {
		return fmt.Errorf("deadletter: insert %s: %w", e.StreamID, err)
	}
	a.count.Add(1)
	return nil
}

// Count returns the number of archived entries.
func (a *Archive) Count() int {
	return int(a.count.Load())
}

// Recent returns up to limit entries, newest first.
func (a *Archive) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT stream_id, agent, channel, target, account_id, message, deliveries, archived_at
		 FROM dead_letters ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("deadletter: query recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var archivedAt string
		if err := rows.Scan(&e.StreamID, &e.Agent, &e.Channel, &e.Target, &e.AccountID, &e.Message, &e.Deliveries, &archivedAt); err != nil {
			return nil, fmt.Errorf("deadletter: scan row: %w", err)
		}
		// The column default stores RFC3339 with millisecond precision.
		if ts, perr := time.Parse("2006-01-02T15:04:05.000Z", archivedAt); perr == nil {
			e.ArchivedAt = ts
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deadletter: iterate rows: %w", err)
	}
	return out, nil
}

// Close releases the underlying database handle.
func (a *Archive) Close() error {
	return a.db.Close()
}
