package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	// Registers the "sqlite" driver (pure Go).
	_ "modernc.org/sqlite"

	"nugget-notifier/pkg/nugget"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLite keeps one JSON record per subscriber in an embedded database.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens (or creates) the database at path and runs migrations.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// SQLite is a single-writer engine.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragmas: %w", err)
		}
	}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	return &SQLite{db: db, logger: logger}, nil
}

// runMigrations executes the embedded SQL files in name order, one transaction each.
func runMigrations(ctx context.Context, db *sql.DB) error {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		sqlBytes, err := fs.ReadFile(migrationsFS, "migrations/"+e.Name())
		if err != nil {
			return err
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("%s: %w", e.Name(), err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Load returns every stored subscriber.
func (s *SQLite) Load(ctx context.Context) (map[string]*nugget.Subscriber, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, record FROM subscribers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	subs := make(map[string]*nugget.Subscriber)
	for rows.Next() {
		var id, record string
		if err := rows.Scan(&id, &record); err != nil {
			return nil, err
		}
		var sub nugget.Subscriber
		if err := json.Unmarshal([]byte(record), &sub); err != nil {
			return nil, fmt.Errorf("unmarshal subscriber %s: %w", id, err)
		}
		sub.ID = id
		subs[id] = &sub
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return subs, nil
}

// Save makes the table match subs in a single transaction. Only new or
// changed records are written; rows for absent ids are deleted.
func (s *SQLite) Save(ctx context.Context, subs map[string]*nugget.Subscriber) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stored, err := storedRecords(ctx, tx)
	if err != nil {
		return err
	}

	upsert, err := tx.PrepareContext(ctx, `INSERT INTO subscribers (id, record, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}
	defer upsert.Close()

	now := time.Now().UTC().Unix()
	var written int
	for id, sub := range subs {
		record, err := json.Marshal(sub)
		if err != nil {
			return fmt.Errorf("marshal subscriber %s: %w", id, err)
		}
		prev, ok := stored[id]
		delete(stored, id)
		if ok && prev == string(record) {
			continue
		}
		if _, err := upsert.ExecContext(ctx, id, string(record), now); err != nil {
			return fmt.Errorf("upsert subscriber %s: %w", id, err)
		}
		written++
	}

	for id := range stored {
		if _, err := tx.ExecContext(ctx, `DELETE FROM subscribers WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete subscriber %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.logger.Debug("Subscribers saved to sqlite", "count", len(subs), "written", written, "deleted", len(stored))
	return nil
}

func storedRecords(ctx context.Context, tx *sql.Tx) (map[string]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, record FROM subscribers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, record string
		if err := rows.Scan(&id, &record); err != nil {
			return nil, err
		}
		out[id] = record
	}
	return out, rows.Err()
}

// PutBlob stores data under key; an existing key is left as is.
func (s *SQLite) PutBlob(ctx context.Context, key string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO nuggets (ref, payload, created_at) VALUES (?, ?, ?) ON CONFLICT(ref) DO NOTHING`,
		key, data, time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("insert nugget %s: %w", key, err)
	}
	return nil
}

// GetBlob returns the payload stored under key.
func (s *SQLite) GetBlob(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM nuggets WHERE ref = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select nugget %s: %w", key, err)
	}
	return data, nil
}
