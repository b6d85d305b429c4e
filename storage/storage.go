// Package storage implements the persistence port on Postgres: sources with
// their locks and watermarks, ingested posts, run stats, and the per-source
// error journal.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver

	"newscrawler/pkg/ingest"
)

// sourceColumns lists columns for SELECT queries on sources.
const sourceColumns = `id, type, settings, last_post_date, is_locked, is_enabled,
	last_success_count, last_error_count, last_success_at, last_error_at`

// Store handles all database access.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Open connects to the database and verifies the connection.
func Open(dsn string, logger *slog.Logger) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return New(db, logger), nil
}

// New creates a store around an existing connection.
func New(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

type sourceRow struct {
	ID               int64        `db:"id"`
	Type             string       `db:"type"`
	Settings         []byte       `db:"settings"`
	LastPostDate     sql.NullTime `db:"last_post_date"`
	IsLocked         bool         `db:"is_locked"`
	IsEnabled        bool         `db:"is_enabled"`
	LastSuccessCount int          `db:"last_success_count"`
	LastErrorCount   int          `db:"last_error_count"`
	LastSuccessAt    sql.NullTime `db:"last_success_at"`
	LastErrorAt      sql.NullTime `db:"last_error_at"`
}

func (r *sourceRow) toSource() (*ingest.Source, error) {
	source := &ingest.Source{
		ID:               r.ID,
		Type:             ingest.SourceType(r.Type),
		IsLocked:         r.IsLocked,
		IsEnabled:        r.IsEnabled,
		LastSuccessCount: r.LastSuccessCount,
		LastErrorCount:   r.LastErrorCount,
	}
	if r.LastPostDate.Valid {
		source.LastPostDate = r.LastPostDate.Time
	}
	if r.LastSuccessAt.Valid {
		source.LastSuccessAt = r.LastSuccessAt.Time
	}
	if r.LastErrorAt.Valid {
		source.LastErrorAt = r.LastErrorAt.Time
	}
	if len(r.Settings) > 0 {
		if err := json.Unmarshal(r.Settings, &source.Settings); err != nil {
			return nil, fmt.Errorf("decode settings for source %d: %w", r.ID, err)
		}
	}
	source.Settings.SourceID = r.ID
	return source, nil
}

// ListUnlocked returns all enabled sources that are not currently locked.
func (s *Store) ListUnlocked(ctx context.Context) ([]*ingest.Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources WHERE is_locked = FALSE AND is_enabled = TRUE ORDER BY id`

	var rows []sourceRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("list unlocked sources: %w", err)
	}

	sources := make([]*ingest.Source, 0, len(rows))
	for i := range rows {
		source, err := rows[i].toSource()
		if err != nil {
			// A corrupt settings document must not block the other sources.
			s.logger.Warn("Skipping source with invalid settings", "source_id", rows[i].ID, "error", err)
			continue
		}
		sources = append(sources, source)
	}
	return sources, nil
}

// SourceByID returns one source, or ErrSourceNotFound.
func (s *Store) SourceByID(ctx context.Context, id int64) (*ingest.Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources WHERE id = $1`

	var row sourceRow
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ingest.ErrSourceNotFound
		}
		return nil, fmt.Errorf("get source %d: %w", id, err)
	}
	return row.toSource()
}

// Lock acquires a source's processing lock. The update is conditional so two
// concurrent callers can never both succeed.
func (s *Store) Lock(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sources SET is_locked = TRUE WHERE id = $1 AND is_locked = FALSE`, id)
	if err != nil {
		return fmt.Errorf("lock source %d: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("lock source %d: %w", id, err)
	}
	if affected == 0 {
		return ingest.ErrSourceLocked
	}
	return nil
}

// Unlock releases a source's processing lock. Unlocking an already unlocked
// source is a no-op.
func (s *Store) Unlock(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sources SET is_locked = FALSE WHERE id = $1`, id); err != nil {
		return fmt.Errorf("unlock source %d: %w", id, err)
	}
	return nil
}

// UpdateWatermark advances a source's watermark. The condition keeps it
// monotonically non-decreasing even under a misbehaving caller.
func (s *Store) UpdateWatermark(ctx context.Context, id int64, watermark time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sources SET last_post_date = $2 WHERE id = $1 AND (last_post_date IS NULL OR last_post_date < $2)`,
		id, watermark); err != nil {
		return fmt.Errorf("update watermark for source %d: %w", id, err)
	}
	return nil
}

// RecordOutcome updates the source's run counters and timestamps.
func (s *Store) RecordOutcome(ctx context.Context, id int64, success bool, count int) error {
	var err error
	if success {
		_, err = s.db.ExecContext(ctx,
			`UPDATE sources SET last_success_count = $2, last_success_at = NOW() WHERE id = $1`,
			id, count)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE sources SET last_error_count = last_error_count + 1, last_error_at = NOW() WHERE id = $1`,
			id)
	}
	if err != nil {
		return fmt.Errorf("record outcome for source %d: %w", id, err)
	}
	return nil
}

// SavePost inserts a normalized post into the published or preview table
// depending on its approval flag.
func (s *Store) SavePost(ctx context.Context, post *ingest.Post) error {
	table := "posts_preview"
	if post.IsApproved {
		table = "posts"
	}

	query := `INSERT INTO ` + table + ` (source_id, url, title, preview_image, description, inline_image, content, published_at, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`

	if _, err := s.db.ExecContext(ctx, query,
		post.SourceID, post.URL, post.Title, post.PreviewURL,
		post.Description, post.ImageURL, post.Content, post.PublishedAt); err != nil {
		return fmt.Errorf("insert post into %s: %w", table, err)
	}

	s.logger.Info("Post saved", "source_id", post.SourceID, "table", table, "title", post.Title)
	return nil
}

// SaveStats inserts a per-run stats record.
func (s *Store) SaveStats(ctx context.Context, stats *ingest.RunStats) error {
	var errMsg sql.NullString
	if stats.Error != "" {
		errMsg = sql.NullString{String: stats.Error, Valid: true}
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO crawl_stats (source_id, begin_at, end_at, item_count, success, error)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		stats.SourceID, stats.Begin, stats.End, stats.ItemCount, stats.Success, errMsg); err != nil {
		return fmt.Errorf("insert crawl stats: %w", err)
	}
	return nil
}

// RecordError appends a message to the source's error journal.
func (s *Store) RecordError(ctx context.Context, id int64, msg string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO source_errors (source_id, error, created_at) VALUES ($1, $2, NOW())`,
		id, msg); err != nil {
		return fmt.Errorf("record error for source %d: %w", id, err)
	}
	return nil
}
