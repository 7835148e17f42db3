// Package storage keeps best-effort SQLite snapshots of sessions so a
// restart does not break every share link.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	_ "modernc.org/sqlite"

	"github.com/petervdpas/neighborly/internal/session"
)

var log = logging.Logger("storage")

const schemaVersion = "1"

// DB wraps the snapshot database.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens or creates the SQLite database at path.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// a single connection keeps the pragmas and avoids SQLITE_BUSY between
	// our own writers
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("configure database: %w", err)
		}
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		);
		CREATE TABLE IF NOT EXISTS sessions (
			id               TEXT PRIMARY KEY,
			owner_id         TEXT NOT NULL,
			access_token     TEXT NOT NULL DEFAULT '',
			volume           INTEGER NOT NULL,
			controller       TEXT NOT NULL DEFAULT '',
			last_change_ms   INTEGER NOT NULL DEFAULT 0,
			created_ms       INTEGER NOT NULL DEFAULT 0,
			last_activity_ms INTEGER NOT NULL DEFAULT 0,
			history          TEXT NOT NULL DEFAULT '[]'
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	if _, err := db.Exec(`INSERT OR REPLACE INTO _meta (key, value) VALUES ('schema_version', ?)`, schemaVersion); err != nil {
		db.Close()
		return nil, fmt.Errorf("write schema version: %w", err)
	}

	return &DB{db: db, path: path}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// SaveSessions replaces the stored snapshot with records in one transaction.
func (d *DB) SaveSessions(records []session.Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM sessions`); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO sessions
		(id, owner_id, access_token, volume, controller, last_change_ms, created_ms, last_activity_ms, history)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare snapshot: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		hist, err := json.Marshal(r.History)
		if err != nil {
			return fmt.Errorf("encode history of %s: %w", r.ID, err)
		}
		if _, err := stmt.Exec(r.ID, r.OwnerID, r.AccessToken, r.Volume, r.CurrentController,
			toMillis(r.LastVolumeChangeAt), toMillis(r.CreatedAt), toMillis(r.LastActivityAt), string(hist)); err != nil {
			return fmt.Errorf("write session %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	log.Debugw("snapshot saved", "sessions", len(records))
	return nil
}

// LoadSessions reads the stored snapshot. Rows with undecodable history are
// kept with an empty history.
func (d *DB) LoadSessions() ([]session.Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rows, err := d.db.Query(`SELECT id, owner_id, access_token, volume, controller,
		last_change_ms, created_ms, last_activity_ms, history FROM sessions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []session.Record
	for rows.Next() {
		var r session.Record
		var changeMs, createdMs, actMs int64
		var hist string
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.AccessToken, &r.Volume, &r.CurrentController,
			&changeMs, &createdMs, &actMs, &hist); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		r.LastVolumeChangeAt = fromMillis(changeMs)
		r.CreatedAt = fromMillis(createdMs)
		r.LastActivityAt = fromMillis(actMs)
		if err := json.Unmarshal([]byte(hist), &r.History); err != nil {
			log.Warnw("bad history in snapshot", "session", r.ID, "err", err)
			r.History = nil
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
