package anchor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const pinSchema = `
CREATE TABLE IF NOT EXISTS pins (
	name       TEXT PRIMARY KEY,
	virtual    TEXT NOT NULL,
	locked     TEXT NOT NULL,
	updated_at INTEGER NOT NULL
)`

// pin_saves holds a single row once any save has committed
const saveMarkerSchema = `
CREATE TABLE IF NOT EXISTS pin_saves (
	id       INTEGER PRIMARY KEY CHECK (id = 1),
	saved_at INTEGER NOT NULL
)`

// SQLitePoseStore keeps pins in an SQLite database
type SQLitePoseStore struct {
	db *sql.DB
}

// OpenSQLitePoseStore opens or creates the database at path
func OpenSQLitePoseStore(path string) (*SQLitePoseStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// one connection keeps :memory: databases alive and serializes writers
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(pinSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating pins table: %w", err)
	}
	if _, err := db.Exec(saveMarkerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating save marker table: %w", err)
	}
	return &SQLitePoseStore{db: db}, nil
}

// Close closes the database
func (s *SQLitePoseStore) Close() error {
	return s.db.Close()
}

// SavePoses replaces the stored table in one transaction
func (s *SQLitePoseStore) SavePoses(ctx context.Context, poses map[string]PoseRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM pins"); err != nil {
		return fmt.Errorf("clearing pins: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO pins (name, virtual, locked, updated_at) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for name, rec := range poses {
		virtual, err := json.Marshal(rec.Virtual)
		if err != nil {
			return fmt.Errorf("marshaling virtual pose %s: %w", name, err)
		}
		locked, err := json.Marshal(rec.Locked)
		if err != nil {
			return fmt.Errorf("marshaling locked pose %s: %w", name, err)
		}
		if _, err := stmt.ExecContext(ctx, name, string(virtual), string(locked), now); err != nil {
			return fmt.Errorf("inserting pin %s: %w", name, err)
		}
	}

	if _, err := tx.ExecContext(ctx, "INSERT OR REPLACE INTO pin_saves (id, saved_at) VALUES (1, ?)", now); err != nil {
		return fmt.Errorf("recording save: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing pins: %w", err)
	}
	return nil
}

// LoadPoses returns nil, nil when nothing was ever saved. A saved empty
// set loads as an empty map.
func (s *SQLitePoseStore) LoadPoses(ctx context.Context) (map[string]PoseRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name, virtual, locked FROM pins")
	if err != nil {
		return nil, fmt.Errorf("querying pins: %w", err)
	}
	defer rows.Close()

	var poses map[string]PoseRecord
	for rows.Next() {
		var name, virtual, locked string
		if err := rows.Scan(&name, &virtual, &locked); err != nil {
			return nil, fmt.Errorf("scanning pin: %w", err)
		}
		var rec PoseRecord
		if err := json.Unmarshal([]byte(virtual), &rec.Virtual); err != nil {
			return nil, fmt.Errorf("parsing virtual pose %s: %w", name, err)
		}
		if err := json.Unmarshal([]byte(locked), &rec.Locked); err != nil {
			return nil, fmt.Errorf("parsing locked pose %s: %w", name, err)
		}
		if poses == nil {
			poses = make(map[string]PoseRecord)
		}
		poses[name] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading pins: %w", err)
	}
	if poses != nil {
		return poses, nil
	}
	rows.Close()

	var saves int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pin_saves").Scan(&saves); err != nil {
		return nil, fmt.Errorf("reading save marker: %w", err)
	}
	if saves == 0 {
		return nil, nil
	}
	return make(map[string]PoseRecord), nil
}
