// Package main runs a news ingestion service that polls configured sources,
// extracts new posts and persists them to Postgres.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/joho/godotenv"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"

	"newscrawler/archive"
	"newscrawler/feed"
	"newscrawler/listing"
	"newscrawler/normalize"
	"newscrawler/parser"
	"newscrawler/pkg/ingest"
	"newscrawler/poll"
	"newscrawler/scrape"
	"newscrawler/server"
	"newscrawler/storage"
)

const (
	defaultCrawlInterval   = 60 * time.Second
	defaultShutdownTimeout = 30 * time.Second
	httpClientTimeout      = 30 * time.Second
)

func main() {
	ctx := context.Background()

	// .env is optional; real deployments set the environment directly.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to load .env file", "error", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		logger.Error("DATABASE_URL environment variable required")
		os.Exit(1)
	}

	interval := defaultCrawlInterval
	if raw := os.Getenv("CRAWL_INTERVAL"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			logger.Error("Invalid CRAWL_INTERVAL", "value", raw, "error", err)
			os.Exit(1)
		}
		interval = parsed
	}

	whitelist, err := loadWhitelist()
	if err != nil {
		logger.Error("Invalid TAGS_WHITELIST", "error", err)
		os.Exit(1)
	}
	rewrites, err := loadRewrites()
	if err != nil {
		logger.Error("Invalid CONTENT_REGEXPS", "error", err)
		os.Exit(1)
	}

	store, err := storage.Open(dsn, logger)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("Failed to close database", "error", err)
		}
	}()

	archiver, cleanup, err := initArchiver(ctx, logger)
	if err != nil {
		logger.Error("Failed to initialize snapshot archive", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	httpClient := &http.Client{Timeout: httpClientTimeout}
	fetcher := scrape.NewFetcher(httpClient, archiver, os.Getenv("UA_STRING"), os.Getenv("UA_REFERER"), logger)

	youtubeService, err := initYouTubeService(ctx)
	if err != nil {
		logger.Error("Failed to initialize listing API client", "error", err)
		os.Exit(1)
	}
	if youtubeService == nil {
		logger.Info("No YOUTUBE_API_KEY set, listing sources disabled")
	}

	dispatcher := parser.New(&parser.Config{
		DOM:        scrape.NewCrawler(fetcher, store, logger),
		Feed:       feed.NewCrawler(httpClient, logger),
		Listing:    listing.NewCrawler(youtubeService, logger),
		Normalizer: normalize.New(logger),
		Whitelist:  whitelist,
		Rewrites:   rewrites,
		Logger:     logger,
	})

	orchestrator := poll.New(store, dispatcher, interval, logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	srv := server.New(orchestrator, logger).ListenAndServe(port)

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go orchestrator.Run(runCtx)

	<-runCtx.Done()
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown failed", "error", err)
	}
	orchestrator.Shutdown(shutdownCtx, defaultShutdownTimeout)

	logger.Info("Shutdown complete")
}

// loadWhitelist reads the global sanitizer whitelist from TAGS_WHITELIST.
// Empty means the built-in default applies.
func loadWhitelist() (ingest.TagsWhitelist, error) {
	var whitelist ingest.TagsWhitelist
	raw := os.Getenv("TAGS_WHITELIST")
	if raw == "" {
		return whitelist, nil
	}
	if err := json.Unmarshal([]byte(raw), &whitelist); err != nil {
		return whitelist, fmt.Errorf("parse whitelist: %w", err)
	}
	return whitelist, nil
}

// loadRewrites reads the global content rewrite rules from CONTENT_REGEXPS.
func loadRewrites() ([]ingest.RewriteRule, error) {
	raw := os.Getenv("CONTENT_REGEXPS")
	if raw == "" {
		return nil, nil
	}
	var rules []ingest.RewriteRule
	if err := json.Unmarshal([]byte(raw), &rules); err != nil {
		return nil, fmt.Errorf("parse rewrite rules: %w", err)
	}
	return rules, nil
}

// initArchiver wires the page snapshot store. SNAPSHOT_BUCKET selects Cloud
// Storage, LOCAL_SNAPSHOTS a directory for development; neither disables
// archiving entirely.
func initArchiver(ctx context.Context, logger *slog.Logger) (*archive.Archiver, func(), error) {
	noop := func() {}

	if local := os.Getenv("LOCAL_SNAPSHOTS"); local != "" {
		logger.Info("Archiving page snapshots locally", "path", local)
		return archive.New(nil, "", local, logger), noop, nil
	}

	bucket := os.Getenv("SNAPSHOT_BUCKET")
	if bucket == "" {
		return nil, noop, nil
	}

	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, noop, fmt.Errorf("create storage client: %w", err)
	}
	cleanup := func() {
		if err := client.Close(); err != nil {
			logger.Warn("Failed to close storage client", "error", err)
		}
	}
	logger.Info("Archiving page snapshots to Cloud Storage", "bucket", bucket)
	return archive.New(client, bucket, "", logger), cleanup, nil
}

func initYouTubeService(ctx context.Context) (*youtube.Service, error) {
	key := os.Getenv("YOUTUBE_API_KEY")
	if key == "" {
		return nil, nil
	}
	return youtube.NewService(ctx, option.WithAPIKey(key))
}
