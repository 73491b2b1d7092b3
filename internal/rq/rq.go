// Package rq implements the Request Queue: a persistent, per-share backlog
// of pending mutations against the remote content store. Entries coalesce
// per (path, name), survive process restart, and are drained in FIFO order
// by the request queue processor.
package rq

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Method identifies the remote operation an RQEntry represents.
type Method string

const (
	MethodPut    Method = "PUT"
	MethodPost   Method = "POST"
	MethodDelete Method = "DELETE"
	MethodMove   Method = "MOVE"
)

// Entry is a single pending mutation against one (path, name) pair.
type Entry struct {
	ID            string
	Path          string
	Name          string
	Method        Method
	RemotePrefix  string
	LocalPrefix   string
	Destination   string
	TimestampMs   int64
	Retries       int
	NextEligibleMs int64

	// Generation increments every time Queue coalesces a new mutation into
	// this entry. The processor snapshots it before applying a mutation and
	// compares it after: a mismatch means a newer write landed mid-transfer.
	Generation int64
}

const walJournalSizeLimit = 67108864 // 64 MiB

// Store is the persistent SQLite-backed request queue.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the request queue database at dbPath (":memory:" for tests),
// applies pending migrations, and configures WAL mode.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("rq: open sqlite: %w", err)
	}

	// Sole-writer pattern: a single pooled connection avoids SQLite
	// "database is locked" errors under concurrent access and keeps
	// ":memory:" test databases consistent across queries.
	db.SetMaxOpenConns(1)

	if err := setPragmas(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func setPragmas(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	pragmas := []struct {
		sql  string
		desc string
	}{
		{"PRAGMA journal_mode = WAL", "WAL mode"},
		{"PRAGMA synchronous = FULL", "synchronous FULL"},
		{"PRAGMA foreign_keys = ON", "foreign keys"},
		{fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit), "journal size limit"},
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p.sql); err != nil {
			return fmt.Errorf("rq: set pragma %s: %w", p.desc, err)
		}

		logger.Debug("pragma set", "pragma", p.desc)
	}

	return nil
}

func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("rq: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("rq: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("rq: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration", "source", r.Source.Path, "duration_ms", r.Duration.Milliseconds())
	}

	return nil
}

// coalesce implements the §3 rule 5 coalescing law:
//
//	CREATE(PUT) + UPDATE(POST) = CREATE(PUT)
//	* + DELETE = DELETE
//	DELETE + CREATE = UPDATE(POST)
//
// The coalesced entry adopts the earlier timestamp and the later method's
// effective result.
func coalesce(existing Method, incoming Method) Method {
	switch {
	case incoming == MethodDelete:
		return MethodDelete
	case existing == MethodDelete && incoming == MethodPut:
		return MethodPost
	case existing == MethodPut && incoming == MethodPost:
		return MethodPut
	default:
		return incoming
	}
}

// Queue inserts entry, or coalesces it with the existing entry for the same
// (path, name) per the coalescing law. Idempotent for identical methods.
func (s *Store) Queue(ctx context.Context, e Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("rq: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var existingMethod string
	var existingTimestamp int64
	var existingGeneration int64

	row := tx.QueryRowContext(ctx, `SELECT method, timestamp_ms, generation FROM rq_entries WHERE path = ? AND name = ?`, e.Path, e.Name)
	err = row.Scan(&existingMethod, &existingTimestamp, &existingGeneration)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if e.ID == "" {
			e.ID = uuid.NewString()
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO rq_entries (id, path, name, method, remote_prefix, local_prefix, destination, timestamp_ms, retries, next_eligible_ms, generation)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0)`,
			e.ID, e.Path, e.Name, string(e.Method), e.RemotePrefix, e.LocalPrefix, nullable(e.Destination), e.TimestampMs)
		if err != nil {
			return fmt.Errorf("rq: insert entry: %w", err)
		}
	case err != nil:
		return fmt.Errorf("rq: query existing entry: %w", err)
	default:
		merged := coalesce(Method(existingMethod), e.Method)

		_, err = tx.ExecContext(ctx, `
			UPDATE rq_entries
			SET method = ?, remote_prefix = ?, local_prefix = ?, destination = ?, timestamp_ms = ?, retries = 0, next_eligible_ms = 0, generation = ?
			WHERE path = ? AND name = ?`,
			string(merged), e.RemotePrefix, e.LocalPrefix, nullable(e.Destination), existingTimestamp, existingGeneration+1, e.Path, e.Name)
		if err != nil {
			return fmt.Errorf("rq: coalesce entry: %w", err)
		}
	}

	return tx.Commit()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}

	return s
}

// Remove drops all entries for the exact path.
func (s *Store) Remove(ctx context.Context, path string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rq_entries WHERE path = ?`, path)
	if err != nil {
		return fmt.Errorf("rq: remove %s: %w", path, err)
	}

	return nil
}

// RemovePrefix drops all entries whose path is prefix or lies under
// prefix + "/". Used when a containing directory is renamed.
func (s *Store) RemovePrefix(ctx context.Context, prefix string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rq_entries WHERE path = ? OR path LIKE ?`, prefix, prefix+"/%")
	if err != nil {
		return fmt.Errorf("rq: remove prefix %s: %w", prefix, err)
	}

	return nil
}

// Exists reports whether any entry is queued for path.
func (s *Store) Exists(ctx context.Context, path string) (bool, error) {
	var n int

	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rq_entries WHERE path = ?`, path).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("rq: exists %s: %w", path, err)
	}

	return n > 0, nil
}

// Depth returns the total number of entries currently queued, for status
// reporting.
func (s *Store) Depth(ctx context.Context) (int, error) {
	var n int

	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rq_entries`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("rq: depth: %w", err)
	}

	return n, nil
}
