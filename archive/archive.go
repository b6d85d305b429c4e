// Package archive stores raw page snapshots, either in a Cloud Storage
// bucket or on the local filesystem for development. Snapshots exist to
// debug selector regressions; archiving failures are never fatal to a run.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
)

// Archiver writes page snapshots. A nil *Archiver is valid and disabled.
type Archiver struct {
	client    *storage.Client
	logger    *slog.Logger
	bucket    string
	localPath string
}

// New creates an archiver. Exactly one of bucket or localPath should be set;
// the client may be nil in local mode.
func New(client *storage.Client, bucket, localPath string, logger *slog.Logger) *Archiver {
	return &Archiver{
		client:    client,
		logger:    logger,
		bucket:    bucket,
		localPath: localPath,
	}
}

// Snapshot archives the raw body of one fetched page.
func (a *Archiver) Snapshot(ctx context.Context, sourceID int64, pageURL string, body []byte) error {
	if a == nil {
		return nil
	}

	key := snapshotKey(sourceID, pageURL)

	// Local filesystem storage
	if a.localPath != "" {
		path := filepath.Join(a.localPath, key)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create snapshot directory: %w", err)
		}
		if err := os.WriteFile(path, body, 0o600); err != nil {
			return fmt.Errorf("write snapshot: %w", err)
		}
		a.logger.Debug("Snapshot saved to local storage", "path", path, "bytes", len(body))
		return nil
	}

	// Cloud Storage with retries
	err := retry.Do(
		func() error {
			w := a.client.Bucket(a.bucket).Object(key).NewWriter(ctx)
			if _, writeErr := w.Write(body); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					a.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write snapshot: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close snapshot writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			a.logger.Info("Retrying snapshot write after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("snapshot after retries: %w", err)
	}

	a.logger.Debug("Snapshot saved", "key", key, "bytes", len(body))
	return nil
}

// snapshotKey derives a stable object name from the source and page URL,
// suffixed with the fetch time so successive fetches don't overwrite.
func snapshotKey(sourceID int64, pageURL string) string {
	sum := sha256.Sum256([]byte(pageURL))
	return fmt.Sprintf("source-%d/%s-%d.html", sourceID, hex.EncodeToString(sum[:6]), time.Now().Unix())
}
