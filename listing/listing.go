// Package listing implements the listing-API crawl strategy for video
// channel sources.
package listing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"google.golang.org/api/youtube/v3"

	"newscrawler/pkg/ingest"
)

// maxResults is the number of most recent entries requested per run, ordered
// by publish date descending.
const maxResults = 50

var (
	userURLPattern    = regexp.MustCompile(`/user/([^/?]+)`)
	channelURLPattern = regexp.MustCompile(`/channel/([^/?]+)`)
)

// Crawler queries the YouTube Data API for a channel's most recent uploads.
type Crawler struct {
	service *youtube.Service
	logger  *slog.Logger
}

// NewCrawler creates a listing crawler. The service may be nil when no API
// key is configured; crawls then fail per-source.
func NewCrawler(service *youtube.Service, logger *slog.Logger) *Crawler {
	return &Crawler{
		service: service,
		logger:  logger,
	}
}

// Crawl resolves the channel behind the configured profile URL and lists its
// newest entries. An unresolvable profile URL yields an empty result, not a
// run failure.
func (c *Crawler) Crawl(ctx context.Context, settings *ingest.Settings, watermark time.Time) ([]ingest.RawCandidate, error) {
	c.logger.Info("Starting listing crawl",
		"source_id", settings.SourceID,
		"url", settings.URL,
		"watermark", watermark.Format(time.RFC3339))

	if c.service == nil {
		return nil, errors.New("listing api not configured")
	}

	channelID, err := c.resolveChannel(ctx, settings.URL)
	if err != nil {
		if errors.Is(err, ingest.ErrUnresolvableChannel) {
			c.logger.Warn("Cannot resolve channel from profile url",
				"source_id", settings.SourceID, "url", settings.URL)
			return nil, nil
		}
		return nil, err
	}

	resp, err := c.service.Search.List([]string{"snippet", "id"}).
		ChannelId(channelID).
		Order("date").
		Type("video").
		MaxResults(maxResults).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("list channel videos: %w", err)
	}

	var candidates []ingest.RawCandidate
	for _, item := range resp.Items {
		if item.Id == nil || item.Id.VideoId == "" || item.Snippet == nil {
			continue
		}
		publishedAt, parseErr := time.Parse(time.RFC3339, item.Snippet.PublishedAt)
		if parseErr != nil {
			c.logger.Warn("Skipping video with unparsable publish date",
				"source_id", settings.SourceID, "video_id", item.Id.VideoId, "error", parseErr)
			continue
		}
		if !publishedAt.After(watermark) {
			continue
		}

		videoURL := "https://www.youtube.com/watch?v=" + item.Id.VideoId
		candidate := ingest.RawCandidate{
			Title:       item.Snippet.Title,
			URL:         videoURL,
			PublishedAt: publishedAt,
			Description: item.Snippet.Description,
			// The canonical item URL is the content for video entries.
			Content: videoURL,
		}
		if item.Snippet.Thumbnails != nil && item.Snippet.Thumbnails.High != nil {
			candidate.PreviewURL = item.Snippet.Thumbnails.High.Url
		}
		candidates = append(candidates, candidate)
	}

	c.logger.Info("Listing crawl finished",
		"source_id", settings.SourceID,
		"channel_id", channelID,
		"entries", len(resp.Items),
		"accepted", len(candidates))

	return candidates, nil
}

// resolveChannel extracts a channel id from the two accepted profile URL
// shapes: /channel/<id> directly, or /user/<name> via a lookup call.
func (c *Crawler) resolveChannel(ctx context.Context, profileURL string) (string, error) {
	if match := channelURLPattern.FindStringSubmatch(profileURL); match != nil {
		return match[1], nil
	}

	match := userURLPattern.FindStringSubmatch(profileURL)
	if match == nil {
		return "", fmt.Errorf("%w: %s", ingest.ErrUnresolvableChannel, profileURL)
	}

	resp, err := c.service.Channels.List([]string{"id"}).
		ForUsername(match[1]).
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("resolve username %q: %w", match[1], err)
	}
	if len(resp.Items) == 0 {
		return "", fmt.Errorf("%w: no channel for username %q", ingest.ErrUnresolvableChannel, match[1])
	}
	return resp.Items[0].Id, nil
}
