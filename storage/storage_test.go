package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"newscrawler/pkg/ingest"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(sqlx.NewDb(db, "postgres"), logger), mock
}

func sourceRows(rows ...[]driverValue) *sqlmock.Rows {
	r := sqlmock.NewRows([]string{
		"id", "type", "settings", "last_post_date", "is_locked", "is_enabled",
		"last_success_count", "last_error_count", "last_success_at", "last_error_at",
	})
	for _, row := range rows {
		r.AddRow(row...)
	}
	return r
}

type driverValue = driver.Value

func TestLock(t *testing.T) {
	tests := []struct {
		name    string
		rows    int64
		wantErr error
	}{
		{name: "acquired", rows: 1, wantErr: nil},
		{name: "already held", rows: 0, wantErr: ingest.ErrSourceLocked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newMockStore(t)
			mock.ExpectExec(`UPDATE sources SET is_locked = TRUE WHERE id = \$1 AND is_locked = FALSE`).
				WithArgs(int64(7)).
				WillReturnResult(sqlmock.NewResult(0, tt.rows))

			err := store.Lock(context.Background(), 7)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Lock() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestUnlockIsIdempotent(t *testing.T) {
	store, mock := newMockStore(t)
	// Zero rows affected still succeeds.
	mock.ExpectExec(`UPDATE sources SET is_locked = FALSE WHERE id = \$1`).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.Unlock(context.Background(), 7); err != nil {
		t.Errorf("Unlock() error = %v", err)
	}
}

func TestSourceByID(t *testing.T) {
	store, mock := newMockStore(t)
	settings := `{"url":"http://example.com/feed","limitMax":10,"isApproved":true}`
	lastPost := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`(?s)SELECT (.+) FROM sources WHERE id = \$1`).
		WithArgs(int64(3)).
		WillReturnRows(sourceRows([]driverValue{
			int64(3), "feed", []byte(settings), lastPost, false, true, 5, 0, lastPost, nil,
		}))

	source, err := store.SourceByID(context.Background(), 3)
	if err != nil {
		t.Fatalf("SourceByID() error = %v", err)
	}
	if source.Type != ingest.SourceFeed {
		t.Errorf("type = %q, want feed", source.Type)
	}
	if source.Settings.URL != "http://example.com/feed" {
		t.Errorf("settings url = %q", source.Settings.URL)
	}
	if source.Settings.SourceID != 3 {
		t.Errorf("settings source id = %d, want 3", source.Settings.SourceID)
	}
	if !source.Settings.IsApproved {
		t.Error("approval flag lost in decode")
	}
	if !source.LastPostDate.Equal(lastPost) {
		t.Errorf("watermark = %v, want %v", source.LastPostDate, lastPost)
	}
}

func TestSourceByIDNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`(?s)SELECT (.+) FROM sources WHERE id = \$1`).
		WithArgs(int64(99)).
		WillReturnRows(sourceRows())

	_, err := store.SourceByID(context.Background(), 99)
	if !errors.Is(err, ingest.ErrSourceNotFound) {
		t.Errorf("SourceByID() error = %v, want ErrSourceNotFound", err)
	}
}

func TestListUnlockedSkipsCorruptSettings(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`(?s)SELECT (.+) FROM sources WHERE is_locked = FALSE AND is_enabled = TRUE`).
		WillReturnRows(sourceRows(
			[]driverValue{int64(1), "feed", []byte(`{"url":"http://a"}`), nil, false, true, 0, 0, nil, nil},
			[]driverValue{int64(2), "feed", []byte(`{not json`), nil, false, true, 0, 0, nil, nil},
		))

	sources, err := store.ListUnlocked(context.Background())
	if err != nil {
		t.Fatalf("ListUnlocked() error = %v", err)
	}
	if len(sources) != 1 || sources[0].ID != 1 {
		t.Fatalf("got %d sources, want only the decodable one", len(sources))
	}
}

func TestSavePostTableRouting(t *testing.T) {
	tests := []struct {
		name       string
		isApproved bool
		table      string
	}{
		{name: "approved source", isApproved: true, table: "posts"},
		{name: "unapproved source", isApproved: false, table: "posts_preview"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newMockStore(t)
			post := &ingest.Post{
				SourceID:    1,
				URL:         "http://example.com/p",
				Title:       "Title",
				Content:     "<p>body</p>",
				PublishedAt: time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
				IsApproved:  tt.isApproved,
			}

			mock.ExpectExec(`INSERT INTO `+tt.table+` \(source_id, url, title`).
				WithArgs(post.SourceID, post.URL, post.Title, post.PreviewURL,
					post.Description, post.ImageURL, post.Content, post.PublishedAt).
				WillReturnResult(sqlmock.NewResult(1, 1))

			if err := store.SavePost(context.Background(), post); err != nil {
				t.Errorf("SavePost() error = %v", err)
			}
		})
	}
}

func TestUpdateWatermarkIsConditional(t *testing.T) {
	store, mock := newMockStore(t)
	watermark := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE sources SET last_post_date = \$2 WHERE id = \$1 AND \(last_post_date IS NULL OR last_post_date < \$2\)`).
		WithArgs(int64(4), watermark).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.UpdateWatermark(context.Background(), 4, watermark); err != nil {
		t.Errorf("UpdateWatermark() error = %v", err)
	}
}

func TestRecordOutcome(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE sources SET last_success_count = \$2, last_success_at = NOW\(\) WHERE id = \$1`).
			WithArgs(int64(5), 12).
			WillReturnResult(sqlmock.NewResult(0, 1))

		if err := store.RecordOutcome(context.Background(), 5, true, 12); err != nil {
			t.Errorf("RecordOutcome() error = %v", err)
		}
	})

	t.Run("failure", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE sources SET last_error_count = last_error_count \+ 1, last_error_at = NOW\(\) WHERE id = \$1`).
			WithArgs(int64(5)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		if err := store.RecordOutcome(context.Background(), 5, false, 0); err != nil {
			t.Errorf("RecordOutcome() error = %v", err)
		}
	})
}

func TestSaveStats(t *testing.T) {
	store, mock := newMockStore(t)
	stats := &ingest.RunStats{
		SourceID:  2,
		Begin:     time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
		End:       time.Date(2026, 1, 10, 0, 1, 0, 0, time.UTC),
		ItemCount: 3,
		Success:   true,
	}

	mock.ExpectExec(`INSERT INTO crawl_stats`).
		WithArgs(stats.SourceID, stats.Begin, stats.End, stats.ItemCount, stats.Success, nil).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := store.SaveStats(context.Background(), stats); err != nil {
		t.Errorf("SaveStats() error = %v", err)
	}
}

func TestRecordError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO source_errors`).
		WithArgs(int64(6), "item http://x: no content found").
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := store.RecordError(context.Background(), 6, "item http://x: no content found"); err != nil {
		t.Errorf("RecordError() error = %v", err)
	}
}
