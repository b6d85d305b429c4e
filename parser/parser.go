// Package parser dispatches a source to its crawl strategy and routes the
// raw results through the normalizer.
package parser

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"newscrawler/normalize"
	"newscrawler/pkg/ingest"
)

// Crawler is one crawl strategy. Implementations receive the settings and
// watermark explicitly and hold no per-source state.
type Crawler interface {
	Crawl(ctx context.Context, settings *ingest.Settings, watermark time.Time) ([]ingest.RawCandidate, error)
}

// Dispatcher selects a strategy by source type and normalizes its output.
type Dispatcher struct {
	dom        Crawler
	feed       Crawler
	listing    Crawler
	normalizer *normalize.Normalizer
	logger     *slog.Logger

	// Global defaults, overridden per source when its settings carry their
	// own whitelist or rewrite rules.
	whitelist ingest.TagsWhitelist
	rewrites  []ingest.RewriteRule
}

// Config holds dispatcher configuration.
type Config struct {
	DOM        Crawler
	Feed       Crawler
	Listing    Crawler
	Normalizer *normalize.Normalizer
	Whitelist  ingest.TagsWhitelist
	Rewrites   []ingest.RewriteRule
	Logger     *slog.Logger
}

// New creates a dispatcher.
func New(cfg *Config) *Dispatcher {
	whitelist := cfg.Whitelist
	if len(whitelist.AllowedTags) == 0 {
		whitelist = normalize.DefaultWhitelist
	}
	return &Dispatcher{
		dom:        cfg.DOM,
		feed:       cfg.Feed,
		listing:    cfg.Listing,
		normalizer: cfg.Normalizer,
		whitelist:  whitelist,
		rewrites:   cfg.Rewrites,
		logger:     cfg.Logger,
	}
}

// Parse crawls one source and returns its normalized posts. Unapproved
// sources are only extracted on manually triggered runs, so an automatic
// cycle can never publish unreviewed content.
func (d *Dispatcher) Parse(ctx context.Context, source *ingest.Source, manual bool) ([]ingest.Post, error) {
	if !source.Settings.IsApproved && !manual {
		d.logger.Info("Skipping unapproved source on automatic run", "source_id", source.ID)
		return nil, nil
	}

	var crawler Crawler
	switch source.Type {
	case ingest.SourceDOM:
		crawler = d.dom
	case ingest.SourceFeed:
		crawler = d.feed
	case ingest.SourceListing:
		crawler = d.listing
	default:
		return nil, &ingest.UnknownTypeError{Type: source.Type}
	}

	candidates, err := crawler.Crawl(ctx, &source.Settings, source.LastPostDate)
	if err != nil {
		return nil, fmt.Errorf("crawl source %d: %w", source.ID, err)
	}

	whitelist := d.whitelist
	if source.Settings.TagsWhitelist != nil {
		whitelist = *source.Settings.TagsWhitelist
	}
	rewrites := d.rewrites
	if source.Settings.ContentRegexps != nil {
		rewrites = source.Settings.ContentRegexps
	}

	posts := make([]ingest.Post, 0, len(candidates))
	for _, candidate := range candidates {
		post := d.normalizer.Normalize(candidate, whitelist, rewrites)
		post.SourceID = source.ID
		post.IsApproved = source.Settings.IsApproved
		posts = append(posts, post)
	}
	return posts, nil
}
