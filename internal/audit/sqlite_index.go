package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver with database/sql
)

// sqliteIndex is a WAL-mode SQLite-backed index of audit events, queryable
// by kind or by time range after the in-memory ring buffer has wrapped.
// Grounded on internal/queue/sqlite_queue.go's WAL setup and single-writer
// connection pool.
type sqliteIndex struct {
	db *sql.DB
}

const indexDDL = `
CREATE TABLE IF NOT EXISTS audit_event (
    seq     INTEGER PRIMARY KEY,
    kind    TEXT    NOT NULL,
    ts      INTEGER NOT NULL,
    hmac    TEXT    NOT NULL,
    payload TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_event_kind ON audit_event (kind, seq);
CREATE INDEX IF NOT EXISTS idx_audit_event_ts   ON audit_event (ts);
`

// openSQLiteIndex opens (or creates) the index database at path. Passing ""
// disables the index; callers must check for a nil *sqliteIndex before use.
func openSQLiteIndex(path string) (*sqliteIndex, error) {
	if path == "" {
		return nil, nil
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open index %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(indexDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: apply index schema: %w", err)
	}
	return &sqliteIndex{db: db}, nil
}

func (idx *sqliteIndex) insert(e Entry) error {
	payload, err := json.Marshal(e.Event)
	if err != nil {
		return fmt.Errorf("audit: marshal event for index: %w", err)
	}
	_, err = idx.db.ExecContext(context.Background(),
		`INSERT INTO audit_event (seq, kind, ts, hmac, payload) VALUES (?, ?, ?, ?, ?)`,
		e.Seq, string(e.Event.Kind), e.Event.Timestamp.UTC().UnixNano(), e.HMAC, string(payload),
	)
	if err != nil {
		return fmt.Errorf("audit: index insert: %w", err)
	}
	return nil
}

func (idx *sqliteIndex) byKind(kind Kind, limit int) ([]Entry, error) {
	query := `SELECT seq, ts, hmac, payload FROM audit_event WHERE kind = ? ORDER BY seq`
	args := []any{string(kind)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return idx.query(query, args...)
}

func (idx *sqliteIndex) byTime(start, end time.Time) ([]Entry, error) {
	return idx.query(
		`SELECT seq, ts, hmac, payload FROM audit_event WHERE ts >= ? AND ts <= ? ORDER BY seq`,
		start.UTC().UnixNano(), end.UTC().UnixNano(),
	)
}

func (idx *sqliteIndex) query(q string, args ...any) ([]Entry, error) {
	rows, err := idx.db.QueryContext(context.Background(), q, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: index query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			tsNanos int64
			payload string
		)
		if err := rows.Scan(&e.Seq, &tsNanos, &e.HMAC, &payload); err != nil {
			return nil, fmt.Errorf("audit: index scan: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &e.Event); err != nil {
			return nil, fmt.Errorf("audit: index unmarshal payload: %w", err)
		}
		e.Event.Timestamp = time.Unix(0, tsNanos).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (idx *sqliteIndex) clear() error {
	_, err := idx.db.Exec(`DELETE FROM audit_event`)
	return err
}

func (idx *sqliteIndex) close() error {
	return idx.db.Close()
}
