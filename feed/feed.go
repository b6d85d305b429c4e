// Package feed implements the feed crawl strategy: a single RSS/Atom decode
// per run, no pagination.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"newscrawler/pkg/ingest"
)

var imageURLPattern = regexp.MustCompile(`(?i)\.(jpe?g|gif|png|svg|webp)(\?|$)`)

// Crawler decodes a feed and filters its entries against the watermark.
type Crawler struct {
	client *http.Client
	logger *slog.Logger
}

// NewCrawler creates a feed crawler.
func NewCrawler(client *http.Client, logger *slog.Logger) *Crawler {
	return &Crawler{
		client: client,
		logger: logger,
	}
}

// Crawl decodes the feed at the configured URL. The item cap applies to feed
// order before the watermark filter, so a capped run still only sees the
// newest entries the feed lists first.
func (c *Crawler) Crawl(ctx context.Context, settings *ingest.Settings, watermark time.Time) ([]ingest.RawCandidate, error) {
	c.logger.Info("Starting feed crawl",
		"source_id", settings.SourceID,
		"url", settings.URL,
		"watermark", watermark.Format(time.RFC3339))

	parser := gofeed.NewParser()
	parser.Client = c.client

	parsed, err := parser.ParseURLWithContext(settings.URL, ctx)
	if err != nil {
		return nil, fmt.Errorf("decode feed: %w", err)
	}

	entries := parsed.Items
	if settings.LimitMax > 0 && len(entries) > settings.LimitMax {
		entries = entries[:settings.LimitMax]
	}

	var candidates []ingest.RawCandidate
	for _, entry := range entries {
		published := entry.PublishedParsed
		if published == nil {
			// Atom feeds may carry only an updated timestamp.
			published = entry.UpdatedParsed
		}
		if published == nil {
			c.logger.Warn("Skipping feed entry without publish date",
				"source_id", settings.SourceID, "title", entry.Title)
			continue
		}
		publishedAt := *published
		if !publishedAt.After(watermark) {
			continue
		}

		link := entryLink(entry)
		if link == "" {
			c.logger.Warn("Skipping feed entry without link",
				"source_id", settings.SourceID, "title", entry.Title)
			continue
		}

		content := entry.Content
		if content == "" {
			content = entry.Description
		}

		candidates = append(candidates, ingest.RawCandidate{
			Title:       entry.Title,
			URL:         link,
			PublishedAt: publishedAt,
			Description: entry.Description,
			Content:     content,
			PreviewURL:  entryImage(entry),
		})
	}

	c.logger.Info("Feed crawl finished",
		"source_id", settings.SourceID,
		"entries", len(parsed.Items),
		"accepted", len(candidates))

	return candidates, nil
}

// entryLink returns the canonical link for a feed entry, preferring the
// original-source link over the syndicated one.
func entryLink(entry *gofeed.Item) string {
	if ext, ok := entry.Extensions["feedburner"]; ok {
		if orig, ok := ext["origLink"]; ok && len(orig) > 0 && orig[0].Value != "" {
			return orig[0].Value
		}
	}
	if entry.Link != "" {
		return entry.Link
	}
	if strings.HasPrefix(entry.GUID, "http") {
		return entry.GUID
	}
	return ""
}

// entryImage returns the entry's image, falling back to the first enclosure
// that looks like one.
func entryImage(entry *gofeed.Item) string {
	if entry.Image != nil && entry.Image.URL != "" {
		return entry.Image.URL
	}
	for _, enclosure := range entry.Enclosures {
		if enclosure == nil || enclosure.URL == "" {
			continue
		}
		if strings.HasPrefix(enclosure.Type, "image/") || imageURLPattern.MatchString(enclosure.URL) {
			return enclosure.URL
		}
	}
	return ""
}
