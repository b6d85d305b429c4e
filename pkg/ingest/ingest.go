// Package ingest defines the shared data types of the source ingestion
// pipeline: configured sources, the raw candidates produced by crawl
// strategies, and the normalized posts handed to storage.
package ingest

import "time"

// SourceType selects the crawl strategy for a source.
type SourceType string

const (
	// SourceDOM crawls listing pages with CSS selectors, following
	// pagination links.
	SourceDOM SourceType = "dom"
	// SourceFeed decodes an RSS or Atom feed.
	SourceFeed SourceType = "feed"
	// SourceListing queries a video channel listing API.
	SourceListing SourceType = "listing"
)

// TagsWhitelist restricts the tags and attributes that survive content
// sanitization. Anything not listed is stripped, not escaped.
type TagsWhitelist struct {
	AllowedTags       []string            `json:"allowedTags"`
	AllowedAttributes map[string][]string `json:"allowedAttributes"`
}

// RewriteRule is one ordered search/replace applied to sanitized content.
// Only the first match of Search is replaced.
type RewriteRule struct {
	Search  string `json:"search"`
	Replace string `json:"replace"`
}

// Settings is the per-source configuration document, stored as JSON on the
// source row. Selector fields only apply to DOM sources.
type Settings struct {
	URL                 string         `json:"url"`
	TitlesSelector      string         `json:"titlesSelector"`
	DatesSelector       string         `json:"datesSelector"`
	LinksSelector       string         `json:"linksSelector"`
	DescriptionSelector string         `json:"descriptionSelector"`
	PreviewSelector     string         `json:"previewSelector"`
	ContentSelector     string         `json:"contentSelector"`
	NextSelector        string         `json:"nextSelector"`
	NextContentSelector string         `json:"nextContentSelector"`
	ImageSelector       string         `json:"imageSelector"`
	PreviewFromMeta     bool           `json:"previewFromMeta"`
	DateFormat          string         `json:"dateFormat"`
	DateLocale          string         `json:"dateLocale"`
	LimitMax            int            `json:"limitMax"`
	PagesMax            int            `json:"pagesMax"`
	TagsWhitelist       *TagsWhitelist `json:"tagsWhitelist,omitempty"`
	ContentRegexps      []RewriteRule  `json:"contentRegexps,omitempty"`
	IsApproved          bool           `json:"isApproved"`

	// SourceID is injected when the settings are loaded from the store so
	// strategies can attribute their log lines and error reports.
	SourceID int64 `json:"-"`
}

// Source is a configured external content origin. The store owns all of this
// state; the orchestrator never caches it across runs.
type Source struct {
	ID               int64
	Type             SourceType
	Settings         Settings
	LastPostDate     time.Time // watermark; zero means never ingested
	IsLocked         bool
	IsEnabled        bool
	LastSuccessCount int
	LastErrorCount   int
	LastSuccessAt    time.Time
	LastErrorAt      time.Time
}

// RawCandidate is an unnormalized item produced by a crawl strategy. It is
// consumed immediately by the normalizer and never persisted as-is.
type RawCandidate struct {
	Title       string
	URL         string
	PublishedAt time.Time
	Description string
	Content     string
	PreviewURL  string
	ImageURL    string
}

// Post is the sanitized, storage-ready record. IsApproved routes it to the
// published table rather than the preview table.
type Post struct {
	SourceID    int64
	Title       string
	URL         string
	Description string
	Content     string
	PreviewURL  string
	ImageURL    string
	PublishedAt time.Time
	IsApproved  bool
}

// RunStats records the outcome of one source run.
type RunStats struct {
	SourceID  int64
	Begin     time.Time
	End       time.Time
	ItemCount int
	Success   bool
	Error     string
}
