// Package ledger records network fetches in Postgres.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/tendant/simple-image-loader/internal/download"
)

// Entry is the accumulated fetch history of one cache key
type Entry struct {
	Key        string `json:"key"`
	URI        string `json:"uri"`
	FetchCount int    `json:"fetch_count"`
	TotalBytes int64  `json:"total_bytes"`
}

// Ledger counts network fetches per cache key
type Ledger struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open connects to Postgres and prepares the ledger table
func Open(ctx context.Context, databaseURL string, logger *zap.Logger) (*Ledger, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to ledger database: %w", err)
	}
	l, err := New(ctx, db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// New creates a ledger over db
func New(ctx context.Context, db *sql.DB, logger *zap.Logger) (*Ledger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{db: db, logger: logger}

	if err := l.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure ledger table: %w", err)
	}

	return l, nil
}

// ensureTable creates the image_fetch_ledger table if it doesn't exist
func (l *Ledger) ensureTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS image_fetch_ledger (
			cache_key TEXT PRIMARY KEY,
			uri TEXT NOT NULL,
			fetch_count INTEGER DEFAULT 1,
			total_bytes BIGINT DEFAULT 0,
			last_attempts INTEGER DEFAULT 1,
			last_duration_ms BIGINT DEFAULT 0,
			first_fetched_at TIMESTAMPTZ DEFAULT NOW(),
			last_fetched_at TIMESTAMPTZ DEFAULT NOW()
		)
	`

	if _, err := l.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create image_fetch_ledger table: %w", err)
	}

	l.logger.Debug("image_fetch_ledger table ready")
	return nil
}

// Record upserts a fetch and returns the key's fetch count
func (l *Ledger) Record(ctx context.Context, f download.Fetch) (int, error) {
	query := `
		INSERT INTO image_fetch_ledger (cache_key, uri, fetch_count, total_bytes, last_attempts, last_duration_ms, first_fetched_at, last_fetched_at)
		VALUES ($1, $2, 1, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (cache_key) DO UPDATE
		SET last_fetched_at = NOW(),
		    fetch_count = image_fetch_ledger.fetch_count + 1,
		    total_bytes = image_fetch_ledger.total_bytes + EXCLUDED.total_bytes,
		    last_attempts = EXCLUDED.last_attempts,
		    last_duration_ms = EXCLUDED.last_duration_ms,
		    uri = EXCLUDED.uri
		RETURNING fetch_count
	`

	var count int
	err := l.db.QueryRowContext(ctx, query, f.Key, f.URI, f.Bytes, f.Attempts, f.Duration.Milliseconds()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to record fetch: %w", err)
	}

	if count > 1 {
		l.logger.Info("key fetched again",
			zap.String("key", f.Key),
			zap.Int("fetch_count", count),
			zap.Bool("cached", f.Cached))
	}
	return count, nil
}

// RecordFetch implements download.Recorder
func (l *Ledger) RecordFetch(ctx context.Context, f download.Fetch) error {
	_, err := l.Record(ctx, f)
	return err
}

// FetchCount returns how often key was fetched, 0 when never
func (l *Ledger) FetchCount(ctx context.Context, key string) (int, error) {
	query := `SELECT fetch_count FROM image_fetch_ledger WHERE cache_key = $1`

	var count int
	err := l.db.QueryRowContext(ctx, query, key).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get fetch count: %w", err)
	}

	return count, nil
}

// Get returns the ledger entry for key, or nil when never fetched
func (l *Ledger) Get(ctx context.Context, key string) (*Entry, error) {
	query := `SELECT cache_key, uri, fetch_count, total_bytes FROM image_fetch_ledger WHERE cache_key = $1`

	var e Entry
	err := l.db.QueryRowContext(ctx, query, key).Scan(&e.Key, &e.URI, &e.FetchCount, &e.TotalBytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}

	return &e, nil
}

// Close closes the underlying database
func (l *Ledger) Close() error {
	return l.db.Close()
}

var _ download.Recorder = (*Ledger)(nil)
