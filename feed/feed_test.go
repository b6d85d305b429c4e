package feed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"newscrawler/pkg/ingest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type rssItem struct {
	title    string
	link     string
	origLink string
	pubDate  time.Time
	desc     string
}

func rssFeed(items []rssItem) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	b.WriteString(`<rss version="2.0" xmlns:feedburner="http://rssnamespace.org/feedburner/ext/1.0">`)
	b.WriteString(`<channel><title>Test Feed</title><link>http://example.com</link>`)
	for _, it := range items {
		b.WriteString("<item>")
		fmt.Fprintf(&b, "<title>%s</title>", it.title)
		fmt.Fprintf(&b, "<link>%s</link>", it.link)
		if it.origLink != "" {
			fmt.Fprintf(&b, "<feedburner:origLink>%s</feedburner:origLink>", it.origLink)
		}
		fmt.Fprintf(&b, "<pubDate>%s</pubDate>", it.pubDate.Format(time.RFC1123Z))
		if it.desc != "" {
			fmt.Fprintf(&b, "<description>%s</description>", it.desc)
		}
		b.WriteString("</item>")
	}
	b.WriteString("</channel></rss>")
	return b.String()
}

func serveFeed(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCrawlFiltersAgainstWatermark(t *testing.T) {
	watermark := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	items := []rssItem{
		{title: "New", link: "http://example.com/new", pubDate: watermark.Add(time.Hour), desc: "fresh"},
		{title: "Boundary", link: "http://example.com/boundary", pubDate: watermark},
		{title: "Old", link: "http://example.com/old", pubDate: watermark.Add(-time.Hour)},
	}
	srv := serveFeed(t, rssFeed(items))

	crawler := NewCrawler(srv.Client(), testLogger())
	got, err := crawler.Crawl(context.Background(), &ingest.Settings{URL: srv.URL}, watermark)
	if err != nil {
		t.Fatalf("Crawl() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Crawl() returned %d entries, want 1", len(got))
	}
	if got[0].Title != "New" {
		t.Errorf("accepted entry = %q, want %q", got[0].Title, "New")
	}
	if got[0].Content != "fresh" {
		t.Errorf("content = %q, want description fallback", got[0].Content)
	}
}

func TestCrawlCapAppliesBeforeFilter(t *testing.T) {
	// The cap trims feed order first, so the fresh entry listed beyond the
	// cap is never considered even though it passes the watermark.
	watermark := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	items := []rssItem{
		{title: "First", link: "http://example.com/1", pubDate: watermark.Add(-time.Hour)},
		{title: "Second", link: "http://example.com/2", pubDate: watermark.Add(-2 * time.Hour)},
		{title: "Hidden", link: "http://example.com/3", pubDate: watermark.Add(time.Hour)},
	}
	srv := serveFeed(t, rssFeed(items))

	crawler := NewCrawler(srv.Client(), testLogger())
	got, err := crawler.Crawl(context.Background(), &ingest.Settings{URL: srv.URL, LimitMax: 2}, watermark)
	if err != nil {
		t.Fatalf("Crawl() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Crawl() returned %d entries, want 0", len(got))
	}
}

func TestCrawlPrefersOriginalLink(t *testing.T) {
	items := []rssItem{
		{
			title:    "Syndicated",
			link:     "http://feedproxy.example.com/abc",
			origLink: "http://example.com/abc",
			pubDate:  time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
		},
	}
	srv := serveFeed(t, rssFeed(items))

	crawler := NewCrawler(srv.Client(), testLogger())
	got, err := crawler.Crawl(context.Background(), &ingest.Settings{URL: srv.URL}, time.Time{})
	if err != nil {
		t.Fatalf("Crawl() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Crawl() returned %d entries, want 1", len(got))
	}
	if got[0].URL != "http://example.com/abc" {
		t.Errorf("URL = %q, want the original-source link", got[0].URL)
	}
}

func TestCrawlSkipsEntryWithoutDate(t *testing.T) {
	srv := serveFeed(t, `<?xml version="1.0"?><rss version="2.0"><channel>
		<title>Feed</title>
		<item><title>No date</title><link>http://example.com/a</link></item>
		<item><title>Dated</title><link>http://example.com/b</link><pubDate>Sat, 10 Jan 2026 00:00:00 +0000</pubDate></item>
	</channel></rss>`)

	crawler := NewCrawler(srv.Client(), testLogger())
	got, err := crawler.Crawl(context.Background(), &ingest.Settings{URL: srv.URL}, time.Time{})
	if err != nil {
		t.Fatalf("Crawl() error = %v", err)
	}
	if len(got) != 1 || got[0].Title != "Dated" {
		t.Fatalf("got %d entries, want only the dated one", len(got))
	}
}

func TestCrawlAtomUpdatedDateFallback(t *testing.T) {
	watermark := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	srv := serveFeed(t, `<?xml version="1.0" encoding="UTF-8"?>
		<feed xmlns="http://www.w3.org/2005/Atom">
			<title>Atom Feed</title>
			<entry>
				<title>Updated only</title>
				<link href="http://example.com/updated"/>
				<updated>2026-01-11T08:00:00Z</updated>
			</entry>
			<entry>
				<title>Stale</title>
				<link href="http://example.com/stale"/>
				<updated>2026-01-09T08:00:00Z</updated>
			</entry>
		</feed>`)

	crawler := NewCrawler(srv.Client(), testLogger())
	got, err := crawler.Crawl(context.Background(), &ingest.Settings{URL: srv.URL}, watermark)
	if err != nil {
		t.Fatalf("Crawl() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Crawl() returned %d entries, want 1", len(got))
	}
	if got[0].Title != "Updated only" {
		t.Errorf("accepted entry = %q, want the one past the watermark", got[0].Title)
	}
	want := time.Date(2026, 1, 11, 8, 0, 0, 0, time.UTC)
	if !got[0].PublishedAt.Equal(want) {
		t.Errorf("publish date = %v, want the updated timestamp %v", got[0].PublishedAt, want)
	}
}

func TestCrawlBadFeed(t *testing.T) {
	srv := serveFeed(t, "this is not xml")

	crawler := NewCrawler(srv.Client(), testLogger())
	if _, err := crawler.Crawl(context.Background(), &ingest.Settings{URL: srv.URL}, time.Time{}); err == nil {
		t.Fatal("Crawl() succeeded on malformed feed, want error")
	}
}
