// Package scrape implements page fetching and the DOM pagination crawl
// strategy for selector-configured sources.
package scrape

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"
)

// DefaultUserAgent is sent when no UA_STRING is configured. Some sites block
// obvious bot agents, so this mimics a desktop browser.
const DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// Archiver stores raw page snapshots for debugging selector regressions.
type Archiver interface {
	Snapshot(ctx context.Context, sourceID int64, pageURL string, body []byte) error
}

// Fetcher retrieves and parses HTML pages with retries.
type Fetcher struct {
	client    *http.Client
	archiver  Archiver
	logger    *slog.Logger
	userAgent string
	referer   string
}

// NewFetcher creates a page fetcher. The archiver may be nil.
func NewFetcher(client *http.Client, archiver Archiver, userAgent, referer string, logger *slog.Logger) *Fetcher {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &Fetcher{
		client:    client,
		archiver:  archiver,
		logger:    logger,
		userAgent: userAgent,
		referer:   referer,
	}
}

// Get fetches pageURL and parses it into a document. Non-2xx responses and
// network errors are retried; a body that fails to parse is not.
func (f *Fetcher) Get(ctx context.Context, sourceID int64, pageURL string) (*goquery.Document, error) {
	var doc *goquery.Document

	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}

			req.Header.Set("User-Agent", f.userAgent)
			req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
			req.Header.Set("Accept-Language", "en-US,en;q=0.9")
			if f.referer != "" {
				req.Header.Set("Referer", f.referer)
			}

			startTime := time.Now()
			resp, err := f.client.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				f.logger.Warn("HTTP request failed, will retry",
					"url", pageURL,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					f.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			f.logger.Debug("HTTP request completed",
				"url", pageURL,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())

			if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
				return retry.Unrecoverable(fmt.Errorf("HTTP %d: %s", resp.StatusCode, pageURL))
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("HTTP %d: %s", resp.StatusCode, pageURL)
			}

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}

			if f.archiver != nil {
				if archiveErr := f.archiver.Snapshot(ctx, sourceID, pageURL, body); archiveErr != nil {
					f.logger.Warn("Failed to archive page snapshot", "url", pageURL, "error", archiveErr)
				}
			}

			doc, err = goquery.NewDocumentFromReader(bytes.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("parse html: %w", err))
			}

			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			f.logger.Info("Retrying fetch after error", "url", pageURL, "attempt", n, "error", err)
		}),
	)

	if err != nil {
		return nil, fmt.Errorf("after retries: %w", err)
	}

	return doc, nil
}

// resolveRef makes ref absolute against base. Returns "" for empty or
// unparsable references.
func resolveRef(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if base == nil {
		return parsed.String()
	}
	return base.ResolveReference(parsed).String()
}
