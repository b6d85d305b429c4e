package scrape

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/errgroup"

	"newscrawler/pkg/ingest"
)

const (
	// itemFetchConcurrency bounds the concurrent article page fetches that
	// run after pagination terminates.
	itemFetchConcurrency = 4

	// maxContentPages caps how many "next content page" hops one article
	// may chain, guarding against circular next links.
	maxContentPages = 10
)

// Reporter records per-source failures in the error journal.
type Reporter interface {
	RecordError(ctx context.Context, sourceID int64, msg string) error
}

// Crawler is the DOM pagination crawl strategy: it walks listing pages with
// the source's configured selectors, accepts items strictly newer than the
// watermark, then fetches each accepted item's own page for its content.
type Crawler struct {
	fetcher  *Fetcher
	reporter Reporter
	logger   *slog.Logger
}

// NewCrawler creates a DOM crawler. The reporter may be nil.
func NewCrawler(fetcher *Fetcher, reporter Reporter, logger *slog.Logger) *Crawler {
	return &Crawler{
		fetcher:  fetcher,
		reporter: reporter,
		logger:   logger,
	}
}

// page holds what one listing page contributed.
type page struct {
	items    []ingest.RawCandidate
	sawOlder bool
	next     string
}

// Crawl walks listing pages starting at the configured entry URL and returns
// raw candidates with their content already fetched. Termination, in
// precedence order: item cap reached, watermark boundary crossed, page cap
// exhausted, no discoverable next link.
func (c *Crawler) Crawl(ctx context.Context, settings *ingest.Settings, watermark time.Time) ([]ingest.RawCandidate, error) {
	c.logger.Info("Starting DOM crawl",
		"source_id", settings.SourceID,
		"url", settings.URL,
		"watermark", watermark.Format(time.RFC3339))

	var accepted []ingest.RawCandidate
	pageURL := settings.URL
	pagesFetched := 0

	for {
		doc, err := c.fetcher.Get(ctx, settings.SourceID, pageURL)
		if err != nil {
			if pagesFetched == 0 {
				return nil, fmt.Errorf("fetch listing page: %w", err)
			}
			// Items accepted from earlier pages survive a later page failure.
			c.logger.Warn("Failed to fetch next listing page, keeping items accepted so far",
				"source_id", settings.SourceID, "url", pageURL, "error", err)
			break
		}
		pagesFetched++

		extracted, err := c.extractPage(doc, pageURL, settings, watermark)
		if err != nil {
			return nil, err
		}
		accepted = append(accepted, extracted.items...)

		if settings.LimitMax > 0 && len(accepted) >= settings.LimitMax {
			accepted = accepted[:settings.LimitMax]
			c.logger.Info("Item cap reached, stopping pagination",
				"source_id", settings.SourceID, "limit", settings.LimitMax)
			break
		}
		if extracted.sawOlder {
			c.logger.Info("Watermark boundary crossed, stopping pagination",
				"source_id", settings.SourceID, "page", pagesFetched)
			break
		}
		if settings.PagesMax > 0 && pagesFetched >= settings.PagesMax {
			c.logger.Info("Page cap reached, stopping pagination",
				"source_id", settings.SourceID, "pages", pagesFetched)
			break
		}
		if settings.NextSelector == "" || extracted.next == "" {
			break
		}
		pageURL = extracted.next
	}

	c.logger.Info("Pagination finished",
		"source_id", settings.SourceID,
		"pages", pagesFetched,
		"accepted", len(accepted))

	return c.fetchItems(ctx, settings, accepted)
}

// extractPage pulls the parallel title/date/link lists from one listing page
// and filters them against the watermark.
func (c *Crawler) extractPage(doc *goquery.Document, pageURL string, settings *ingest.Settings, watermark time.Time) (*page, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}

	titles := doc.Find(settings.TitlesSelector)
	links := doc.Find(settings.LinksSelector)
	dates := doc.Find(settings.DatesSelector)

	if titles.Length() != links.Length() {
		return nil, &ingest.MismatchError{Titles: titles.Length(), Links: links.Length()}
	}

	var descriptions, previews *goquery.Selection
	if settings.DescriptionSelector != "" {
		descriptions = doc.Find(settings.DescriptionSelector)
	}
	if settings.PreviewSelector != "" {
		previews = doc.Find(settings.PreviewSelector)
	}

	result := &page{}
	for i := range titles.Length() {
		dateText := dates.Eq(i).Text()
		publishedAt, parseErr := parseDate(dateText, settings.DateFormat, settings.DateLocale)
		if parseErr != nil {
			c.logger.Warn("Skipping item with unparsable date",
				"source_id", settings.SourceID, "date_text", dateText, "error", parseErr)
			continue
		}
		if !publishedAt.After(watermark) {
			result.sawOlder = true
			continue
		}

		title, htmlErr := titles.Eq(i).Html()
		if htmlErr != nil {
			c.logger.Warn("Failed to render title html",
				"source_id", settings.SourceID, "index", i, "error", htmlErr)
		}
		link := resolveRef(base, links.Eq(i).AttrOr("href", ""))
		if link == "" {
			c.logger.Warn("Skipping item without link", "source_id", settings.SourceID, "index", i)
			continue
		}

		item := ingest.RawCandidate{
			Title:       title,
			URL:         link,
			PublishedAt: publishedAt,
		}
		if descriptions != nil && i < descriptions.Length() {
			item.Description, htmlErr = descriptions.Eq(i).Html()
			if htmlErr != nil {
				c.logger.Warn("Failed to render description html",
					"source_id", settings.SourceID, "index", i, "error", htmlErr)
			}
		}
		if previews != nil && i < previews.Length() {
			item.PreviewURL = resolveRef(base, previews.Eq(i).AttrOr("src", ""))
		}

		result.items = append(result.items, item)
	}

	if settings.NextSelector != "" {
		result.next = resolveRef(base, doc.Find(settings.NextSelector).First().AttrOr("href", ""))
	}

	return result, nil
}

// fetchItems retrieves each accepted item's own page as an unordered
// concurrent batch. Items without content are skipped individually.
func (c *Crawler) fetchItems(ctx context.Context, settings *ingest.Settings, accepted []ingest.RawCandidate) ([]ingest.RawCandidate, error) {
	if len(accepted) == 0 {
		return nil, nil
	}

	results := make([]ingest.RawCandidate, len(accepted))
	keep := make([]bool, len(accepted))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(itemFetchConcurrency)
	for i := range accepted {
		g.Go(func() error {
			item := accepted[i]
			content, image, preview, err := c.fetchContent(gctx, settings, item.URL)
			if err != nil {
				c.logger.Warn("Skipping item",
					"source_id", settings.SourceID, "url", item.URL, "error", err)
				c.reportError(gctx, settings.SourceID, fmt.Sprintf("item %s: %v", item.URL, err))
				return nil
			}

			item.Content = content
			if item.ImageURL == "" {
				item.ImageURL = image
			}
			if item.PreviewURL == "" {
				item.PreviewURL = preview
			}
			results[i] = item
			keep[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]ingest.RawCandidate, 0, len(accepted))
	for i, ok := range keep {
		if ok {
			out = append(out, results[i])
		}
	}
	return out, nil
}

// fetchContent extracts an item's main content, following "next content
// page" links and concatenating across pages.
func (c *Crawler) fetchContent(ctx context.Context, settings *ingest.Settings, itemURL string) (content, image, preview string, err error) {
	var parts []string
	pageURL := itemURL

	for hop := 0; hop < maxContentPages; hop++ {
		doc, fetchErr := c.fetcher.Get(ctx, settings.SourceID, pageURL)
		if fetchErr != nil {
			if hop == 0 {
				return "", "", "", fmt.Errorf("fetch item page: %w", fetchErr)
			}
			c.logger.Warn("Failed to fetch content continuation page",
				"source_id", settings.SourceID, "url", pageURL, "error", fetchErr)
			break
		}

		base, parseErr := url.Parse(pageURL)
		if parseErr != nil {
			base = nil
		}

		if image == "" && settings.ImageSelector != "" {
			image = resolveRef(base, doc.Find(settings.ImageSelector).First().AttrOr("src", ""))
		}
		if preview == "" && settings.PreviewFromMeta {
			preview = strings.TrimSpace(doc.Find(`meta[property="og:image"]`).First().AttrOr("content", ""))
		}

		node := doc.Find(settings.ContentSelector).First()
		if node.Length() > 0 {
			if html, htmlErr := node.Html(); htmlErr == nil {
				parts = append(parts, html)
			}
		}

		if settings.NextContentSelector == "" {
			break
		}
		next := resolveRef(base, doc.Find(settings.NextContentSelector).First().AttrOr("href", ""))
		if next == "" || next == pageURL {
			break
		}
		pageURL = next
	}

	content = strings.TrimSpace(strings.Join(parts, ""))
	if content == "" {
		return "", "", "", fmt.Errorf("%w at %s", ingest.ErrNoContent, itemURL)
	}
	return content, image, preview, nil
}

func (c *Crawler) reportError(ctx context.Context, sourceID int64, msg string) {
	if c.reporter == nil {
		return
	}
	if err := c.reporter.RecordError(ctx, sourceID, msg); err != nil {
		c.logger.Warn("Failed to record source error", "source_id", sourceID, "error", err)
	}
}
