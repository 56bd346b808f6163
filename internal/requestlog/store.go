// Package requestlog persists synthesis request history in SQLite.
package requestlog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/voxflow-labs/voxflow-core/internal/config"
	_ "modernc.org/sqlite"
)

// Entry is one finished synthesis request. Only the text length is
// stored, never the text itself.
type Entry struct {
	ID           int64
	RequestID    string
	Source       string // "bus", "http", "cli"
	Voice        string
	TextLen      int
	Chunks       int
	Emitted      int
	FailedChunks int
	Cancelled    bool
	Error        string
	Duration     time.Duration
	FirstAudio   time.Duration
	CreatedAt    time.Time
}

// timeLayout is a fixed-width RFC 3339 format. Timestamps are stored as
// UTC text, so column values must compare lexicographically in
// chronological order; RFC3339Nano trims trailing zeros and breaks that.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store wraps the SQLite-backed request history. A disabled store is
// valid and every method on it is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.RequestLogConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the request log according to config. When the log is
// disabled it returns a store whose methods do nothing.
func Open(ctx context.Context, cfg config.RequestLogConfig, log *slog.Logger) (*Store, error) {
	if !cfg.Enabled {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("request log vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("request log prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS requests (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id TEXT NOT NULL,
    source TEXT,
    voice TEXT,
    text_len INTEGER NOT NULL,
    chunks INTEGER NOT NULL,
    emitted INTEGER NOT NULL,
    failed_chunks INTEGER NOT NULL,
    cancelled INTEGER NOT NULL,
    error TEXT,
    duration_ms INTEGER NOT NULL,
    first_audio_ms INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_requests_created ON requests(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record appends one finished request.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if s == nil || s.db == nil {
		return nil
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO requests(request_id, source, voice, text_len, chunks, emitted,
		     failed_chunks, cancelled, error, duration_ms, first_audio_ms, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RequestID, e.Source, e.Voice, e.TextLen, e.Chunks, e.Emitted,
		e.FailedChunks, e.Cancelled, e.Error,
		e.Duration.Milliseconds(), e.FirstAudio.Milliseconds(),
		e.CreatedAt.UTC().Format(timeLayout))
	return err
}

// Recent returns up to limit requests, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, source, voice, text_len, chunks, emitted,
		        failed_chunks, cancelled, error, duration_ms, first_audio_ms, created_at
		 FROM requests ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var durMS, firstMS int64
		var created string
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Source, &e.Voice, &e.TextLen,
			&e.Chunks, &e.Emitted, &e.FailedChunks, &e.Cancelled, &e.Error,
			&durMS, &firstMS, &created); err != nil {
			return nil, err
		}
		e.Duration = time.Duration(durMS) * time.Millisecond
		e.FirstAudio = time.Duration(firstMS) * time.Millisecond
		ts, err := time.Parse(timeLayout, created)
		if err != nil {
			return nil, fmt.Errorf("parse created_at %q: %w", created, err)
		}
		e.CreatedAt = ts
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune applies the configured retention: age-based first, then a cap on
// total row count.
func (s *Store) Prune(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM requests WHERE created_at < ?`,
			cutoff.UTC().Format(timeLayout)); err != nil {
			return err
		}
	}
	if s.cfg.MaxRequests > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM requests WHERE id IN (
			SELECT id FROM requests ORDER BY created_at DESC, id DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRequests)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
