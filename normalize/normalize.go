// Package normalize turns raw scraped fragments into sanitized, storage-ready
// post records. The whole stage is pure: no I/O, and normalizing an already
// normalized post yields byte-identical output.
package normalize

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yosssi/gohtml"

	"newscrawler/pkg/ingest"
)

var (
	whitespaceRun = regexp.MustCompile(`\s+`)

	// emptyPairedTag matches tags left empty after sanitization, e.g.
	// "<span class=x></span>". Applied in a single global pass.
	emptyPairedTag = regexp.MustCompile(`<[^/>][^>]*></[^>]+>`)
)

// DefaultWhitelist is the fallback tag/attribute allow-list used when neither
// the environment nor the source settings provide one.
var DefaultWhitelist = ingest.TagsWhitelist{
	AllowedTags: []string{
		"a", "b", "blockquote", "br", "em", "h2", "h3", "h4", "i", "img",
		"li", "ol", "p", "strong", "table", "tbody", "td", "th", "thead",
		"tr", "ul",
	},
	AllowedAttributes: map[string][]string{
		"a":   {"href"},
		"img": {"src", "alt"},
	},
}

// Normalizer applies the one-way RawCandidate -> Post transform.
type Normalizer struct {
	logger *slog.Logger
}

// New creates a normalizer.
func New(logger *slog.Logger) *Normalizer {
	return &Normalizer{logger: logger}
}

// Normalize sanitizes a raw candidate against the given allow-list and
// rewrite rules. SourceID and IsApproved are left for the caller to attach.
func (n *Normalizer) Normalize(candidate ingest.RawCandidate, whitelist ingest.TagsWhitelist, rewrites []ingest.RewriteRule) ingest.Post {
	content := policyFor(whitelist).Sanitize(candidate.Content)
	content = emptyPairedTag.ReplaceAllString(content, "")
	content = strings.TrimSpace(content)
	content = n.applyRewrites(content, rewrites)
	content = strings.TrimSpace(gohtml.Format(content))

	return ingest.Post{
		Title:       PlainText(candidate.Title),
		URL:         candidate.URL,
		Description: PlainText(candidate.Description),
		Content:     content,
		PreviewURL:  strings.TrimSpace(candidate.PreviewURL),
		ImageURL:    strings.TrimSpace(candidate.ImageURL),
		PublishedAt: candidate.PublishedAt,
	}
}

// applyRewrites applies each rule in order, replacing only the first match.
func (n *Normalizer) applyRewrites(content string, rewrites []ingest.RewriteRule) string {
	for _, rule := range rewrites {
		pattern, err := regexp.Compile(rule.Search)
		if err != nil {
			n.logger.Warn("Skipping invalid rewrite rule", "pattern", rule.Search, "error", err)
			continue
		}
		loc := pattern.FindStringIndex(content)
		if loc == nil {
			continue
		}
		replaced := pattern.ReplaceAllString(content[loc[0]:loc[1]], rule.Replace)
		content = content[:loc[0]] + replaced + content[loc[1]:]
	}
	return content
}

// PlainText strips all markup and collapses whitespace runs to single spaces.
func PlainText(s string) string {
	s = bluemonday.StrictPolicy().Sanitize(s)
	s = whitespaceRun.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// policyFor builds a sanitizer policy from an allow-list. Disallowed tags and
// attributes are stripped entirely, not escaped.
func policyFor(whitelist ingest.TagsWhitelist) *bluemonday.Policy {
	policy := bluemonday.NewPolicy()
	if len(whitelist.AllowedTags) > 0 {
		policy.AllowElements(whitelist.AllowedTags...)
	}
	for tag, attrs := range whitelist.AllowedAttributes {
		if len(attrs) == 0 {
			continue
		}
		if tag == "*" {
			policy.AllowAttrs(attrs...).Globally()
		} else {
			policy.AllowAttrs(attrs...).OnElements(tag)
		}
	}
	return policy
}
