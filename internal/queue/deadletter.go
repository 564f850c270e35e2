// Package queue provides a WAL-mode SQLite-backed dead-letter store for
// device messages the ingestion gateway could not process: payloads that
// fail to decode or validate, and messages from unregistered sensors.
//
// Letters stay pending until an operator acknowledges them through the API.
// Acknowledged rows are kept for forensics and excluded from List.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL so ingestion workers
// writing letters do not block the API listing them.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql

	"github.com/soilwatch/sentinel/internal/metrics"
)

// ErrNotFound is returned by Ack for an unknown or already acknowledged id.
var ErrNotFound = errors.New("queue: dead letter not found")

// Letter is one rejected device message.
type Letter struct {
	ID         int64     `json:"id"`
	Subject    string    `json:"subject"`
	Payload    []byte    `json:"payload"`
	Reason     string    `json:"reason"`
	ReceivedAt time.Time `json:"received_at"`
}

// DeadLetters is a SQLite-backed dead-letter store. It is safe for
// concurrent use.
type DeadLetters struct {
	db    *sql.DB
	depth atomic.Int64
}

// New opens (or creates) the SQLite database at path, enables WAL journal
// mode and applies the schema. ":memory:" opens a throwaway database for
// tests.
//
// The depth counter is seeded from the pending rows so Depth is accurate
// immediately after a restart.
func New(path string) (*DeadLetters, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("queue: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time; a single connection avoids
	// "database is locked" errors between concurrent Put calls.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{`PRAGMA journal_mode = WAL`, `PRAGMA synchronous = NORMAL`} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("queue: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: apply schema: %w", err)
	}

	q := &DeadLetters{db: db}
	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM dead_letters WHERE acked = 0`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: count pending rows: %w", err)
	}
	q.depth.Store(count)
	metrics.DeadLetterDepth.Set(float64(count))
	return q, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS dead_letters (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    subject     TEXT    NOT NULL,
    payload     BLOB    NOT NULL,
    reason      TEXT    NOT NULL,
    received_at TEXT    NOT NULL,
    acked       INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_pending
    ON dead_letters (acked, id);
`

// Put stores l as pending. A zero ReceivedAt is set to now. The assigned id
// is returned.
func (q *DeadLetters) Put(ctx context.Context, l Letter) (int64, error) {
	if l.ReceivedAt.IsZero() {
		l.ReceivedAt = time.Now()
	}
	if l.Payload == nil {
		l.Payload = []byte{}
	}
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO dead_letters (subject, payload, reason, received_at) VALUES (?, ?, ?, ?)`,
		l.Subject, l.Payload, l.Reason, l.ReceivedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("queue: put: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("queue: put: %w", err)
	}
	metrics.DeadLetterDepth.Set(float64(q.depth.Add(1)))
	return id, nil
}

// List returns up to limit pending letters, oldest first. limit <= 0 returns
// nil.
func (q *DeadLetters) List(ctx context.Context, limit int) ([]Letter, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, subject, payload, reason, received_at
		 FROM   dead_letters
		 WHERE  acked = 0
		 ORDER  BY id
		 LIMIT  ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("queue: list: %w", err)
	}
	defer rows.Close()

	var out []Letter
	for rows.Next() {
		var l Letter
		var ts string
		if err := rows.Scan(&l.ID, &l.Subject, &l.Payload, &l.Reason, &ts); err != nil {
			return nil, fmt.Errorf("queue: list scan: %w", err)
		}
		l.ReceivedAt, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("queue: letter %d: bad timestamp %q: %w", l.ID, ts, err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: list rows: %w", err)
	}
	return out, nil
}

// Ack marks the letter with id as handled. It returns ErrNotFound when no
// pending letter has that id.
func (q *DeadLetters) Ack(ctx context.Context, id int64) error {
	res, err := q.db.ExecContext(ctx, `UPDATE dead_letters SET acked = 1 WHERE id = ? AND acked = 0`, id)
	if err != nil {
		return fmt.Errorf("queue: ack %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("queue: ack %d: %w", id, ErrNotFound)
	}
	metrics.DeadLetterDepth.Set(float64(q.depth.Add(-n)))
	return nil
}

// Depth returns the number of pending letters without touching the database.
func (q *DeadLetters) Depth() int {
	return int(q.depth.Load())
}

// Close closes the database. The store must not be used afterwards.
func (q *DeadLetters) Close() error {
	return q.db.Close()
}
