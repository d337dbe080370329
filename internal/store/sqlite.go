// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists dispatched batches and their deliveries with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so stored timestamps sort lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. ":memory:" opens an in-memory
// database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if path == ":memory:" {
		// Each connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	} else {
		// Enable WAL mode for better concurrent performance
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS batches (
			id             TEXT PRIMARY KEY,
			body           TEXT NOT NULL,
			payload        TEXT NOT NULL,
			has_attachment INTEGER NOT NULL DEFAULT 0,
			started_at     TEXT NOT NULL,
			finished_at    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_batches_started ON batches(started_at);

		CREATE TABLE IF NOT EXISTS deliveries (
			batch_id    TEXT NOT NULL,
			position    INTEGER NOT NULL,
			destination TEXT NOT NULL,
			kind        TEXT NOT NULL,
			address     TEXT NOT NULL DEFAULT '',
			outcome     TEXT NOT NULL,
			error       TEXT NOT NULL DEFAULT '',
			elapsed_ms  INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (batch_id, position),
			FOREIGN KEY (batch_id) REFERENCES batches(id) ON DELETE CASCADE,

			CHECK (kind IN ('individual', 'group')),
			CHECK (outcome IN ('sent', 'timeout', 'not-found', 'backend-error'))
		);

		CREATE INDEX IF NOT EXISTS idx_deliveries_outcome ON deliveries(outcome);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordBatch stores a batch and its deliveries in one transaction
func (s *SQLiteStore) RecordBatch(ctx context.Context, b *BatchRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	_, err = tx.ExecContext(ctx, `
		INSERT INTO batches (id, body, payload, has_attachment, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		b.ID,
		b.Body,
		b.Payload,
		boolToInt(b.HasAttachment),
		b.StartedAt.UTC().Format(timeLayout),
		b.FinishedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateBatch
		}
		return fmt.Errorf("inserting batch: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO deliveries (batch_id, position, destination, kind, address, outcome, error, elapsed_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing delivery insert: %w", err)
	}
	defer stmt.Close()

	for i, d := range b.Deliveries {
		if _, err := stmt.ExecContext(ctx,
			b.ID, i, d.Destination, d.Kind, d.Address, d.Outcome, d.Error, d.Elapsed.Milliseconds(),
		); err != nil {
			return fmt.Errorf("inserting delivery %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing batch: %w", err)
	}

	s.logger.Debug("recorded batch", "batch_id", b.ID, "deliveries", len(b.Deliveries))
	return nil
}

// GetBatch retrieves a batch by ID
func (s *SQLiteStore) GetBatch(ctx context.Context, id string) (*BatchRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, body, payload, has_attachment, started_at, finished_at
		FROM batches WHERE id = ?
	`, id)

	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := s.loadDeliveries(ctx, []*BatchRecord{b}); err != nil {
		return nil, err
	}
	return b, nil
}

// ListBatches returns up to limit batches, newest first
func (s *SQLiteStore) ListBatches(ctx context.Context, limit int) ([]*BatchRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, body, payload, has_attachment, started_at, finished_at
		FROM batches
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying batches: %w", err)
	}
	defer rows.Close()

	var batches []*BatchRecord
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating batches: %w", err)
	}

	if err := s.loadDeliveries(ctx, batches); err != nil {
		return nil, err
	}
	return batches, nil
}

// CountOutcomes tallies deliveries by outcome
func (s *SQLiteStore) CountOutcomes(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM deliveries GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("counting outcomes: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scanning outcome count: %w", err)
		}
		counts[outcome] = n
	}
	return counts, rows.Err()
}

// loadDeliveries populates Deliveries for each batch
func (s *SQLiteStore) loadDeliveries(ctx context.Context, batches []*BatchRecord) error {
	for _, b := range batches {
		rows, err := s.db.QueryContext(ctx, `
			SELECT position, destination, kind, address, outcome, error, elapsed_ms
			FROM deliveries WHERE batch_id = ?
			ORDER BY position
		`, b.ID)
		if err != nil {
			return fmt.Errorf("querying deliveries: %w", err)
		}

		for rows.Next() {
			var d Delivery
			var elapsedMS int64
			if err := rows.Scan(&d.Position, &d.Destination, &d.Kind, &d.Address, &d.Outcome, &d.Error, &elapsedMS); err != nil {
				rows.Close()
				return fmt.Errorf("scanning delivery: %w", err)
			}
			d.Elapsed = time.Duration(elapsedMS) * time.Millisecond
			b.Deliveries = append(b.Deliveries, d)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return fmt.Errorf("iterating deliveries: %w", err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (*BatchRecord, error) {
	var b BatchRecord
	var hasAttachment int
	var startedAt, finishedAt string

	if err := row.Scan(&b.ID, &b.Body, &b.Payload, &hasAttachment, &startedAt, &finishedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning batch: %w", err)
	}

	var err error
	b.HasAttachment = hasAttachment != 0
	b.StartedAt, err = time.Parse(timeLayout, startedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	b.FinishedAt, err = time.Parse(timeLayout, finishedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing finished_at: %w", err)
	}
	return &b, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Ensure SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)
