// Package poll runs the crawl scheduling loop: it locks sources, fans out
// per-source crawls, advances watermarks, and records run stats.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"newscrawler/pkg/ingest"
)

// Store is the persistence port the orchestrator drives. It owns all
// authoritative source state; nothing is cached across runs.
type Store interface {
	ListUnlocked(ctx context.Context) ([]*ingest.Source, error)
	SourceByID(ctx context.Context, id int64) (*ingest.Source, error)
	Lock(ctx context.Context, id int64) error
	Unlock(ctx context.Context, id int64) error
	UpdateWatermark(ctx context.Context, id int64, watermark time.Time) error
	RecordOutcome(ctx context.Context, id int64, success bool, count int) error
	SavePost(ctx context.Context, post *ingest.Post) error
	SaveStats(ctx context.Context, stats *ingest.RunStats) error
	RecordError(ctx context.Context, id int64, msg string) error
}

// Parser turns one source into its normalized posts.
type Parser interface {
	Parse(ctx context.Context, source *ingest.Source, manual bool) ([]ingest.Post, error)
}

// Orchestrator owns the crawl cycle. Sources run concurrently with each
// other; each source's run is sequential internally and releases its lock on
// every exit path.
type Orchestrator struct {
	store    Store
	parser   Parser
	interval time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	held map[int64]struct{}
	wg   sync.WaitGroup
}

// New creates an orchestrator re-arming itself every interval.
func New(store Store, parser Parser, interval time.Duration, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:    store,
		parser:   parser,
		interval: interval,
		logger:   logger,
		held:     make(map[int64]struct{}),
	}
}

// Run executes crawl cycles until ctx is cancelled. The next cycle is armed
// only after the previous one has fully completed, so cycles never overlap.
func (o *Orchestrator) Run(ctx context.Context) {
	for {
		if err := o.RunCycle(ctx); err != nil {
			o.logger.Error("Crawl cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			o.logger.Info("Scheduler stopping", "reason", ctx.Err())
			return
		case <-time.After(o.interval):
		}
	}
}

// RunCycle processes every unlocked enabled source once and waits for all of
// them to settle. A locked source is skipped silently; one source's failure
// never prevents the others from running.
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	sources, err := o.store.ListUnlocked(ctx)
	if err != nil {
		return fmt.Errorf("list sources: %w", err)
	}

	o.logger.Info("Starting crawl cycle", "sources", len(sources))

	// In-flight runs are not cancelled mid-task; shutdown waits for them
	// and force-unlocks whatever remains.
	taskCtx := context.WithoutCancel(ctx)

	var cycleWG sync.WaitGroup
	for _, source := range sources {
		if err := o.acquire(ctx, source.ID); err != nil {
			if errors.Is(err, ingest.ErrSourceLocked) {
				o.logger.Debug("Skipping locked source", "source_id", source.ID)
				continue
			}
			o.logger.Warn("Failed to lock source", "source_id", source.ID, "error", err)
			continue
		}

		cycleWG.Add(1)
		o.wg.Add(1)
		go func() {
			defer cycleWG.Done()
			defer o.wg.Done()
			o.processSource(taskCtx, source, false)
		}()
	}
	cycleWG.Wait()

	o.logger.Info("Crawl cycle completed")
	return nil
}

// TriggerSource runs a single source out-of-band, independent of the
// scheduled cycle. It returns ErrSourceNotFound for an absent source and
// ErrSourceLocked for one already held; the run itself is dispatched
// asynchronously.
func (o *Orchestrator) TriggerSource(ctx context.Context, id int64) error {
	source, err := o.store.SourceByID(ctx, id)
	if err != nil {
		return err
	}
	if source.IsLocked {
		return ingest.ErrSourceLocked
	}
	if err := o.acquire(ctx, source.ID); err != nil {
		return err
	}

	o.logger.Info("Manual run dispatched", "source_id", id)

	taskCtx := context.WithoutCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.processSource(taskCtx, source, true)
	}()
	return nil
}

// processSource runs one source end to end. The lock is released exactly
// once, after the entire batch has settled, on every exit path including
// panics inside a strategy.
func (o *Orchestrator) processSource(ctx context.Context, source *ingest.Source, manual bool) {
	begin := time.Now()

	var posts []ingest.Post
	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				runErr = fmt.Errorf("panic in source run: %v", r)
			}
		}()
		posts, runErr = o.parser.Parse(ctx, source, manual)
	}()

	saved := 0
	maxDate := source.LastPostDate
	if runErr == nil {
		for i := range posts {
			if err := o.store.SavePost(ctx, &posts[i]); err != nil {
				o.logger.Warn("Failed to save post",
					"source_id", source.ID, "url", posts[i].URL, "error", err)
				o.recordError(ctx, source.ID, fmt.Sprintf("save post %s: %v", posts[i].URL, err))
				continue
			}
			saved++
			if posts[i].PublishedAt.After(maxDate) {
				maxDate = posts[i].PublishedAt
			}
		}

		if saved > 0 && maxDate.After(source.LastPostDate) {
			if err := o.store.UpdateWatermark(ctx, source.ID, maxDate); err != nil {
				o.logger.Error("Failed to advance watermark", "source_id", source.ID, "error", err)
				o.recordError(ctx, source.ID, fmt.Sprintf("advance watermark: %v", err))
			}
		}
	} else {
		o.logger.Error("Source run failed", "source_id", source.ID, "manual", manual, "error", runErr)
		o.recordError(ctx, source.ID, runErr.Error())
	}

	stats := &ingest.RunStats{
		SourceID:  source.ID,
		Begin:     begin,
		End:       time.Now(),
		ItemCount: saved,
		Success:   runErr == nil,
	}
	if runErr != nil {
		stats.Error = runErr.Error()
	}
	if err := o.store.SaveStats(ctx, stats); err != nil {
		o.logger.Warn("Failed to save run stats", "source_id", source.ID, "error", err)
	}
	if err := o.store.RecordOutcome(ctx, source.ID, runErr == nil, saved); err != nil {
		o.logger.Warn("Failed to record run outcome", "source_id", source.ID, "error", err)
	}

	o.release(ctx, source.ID)

	o.logger.Info("Source run finished",
		"source_id", source.ID,
		"manual", manual,
		"saved", saved,
		"success", runErr == nil,
		"duration_ms", time.Since(begin).Milliseconds())
}

// Shutdown waits up to timeout for in-flight runs to finish naturally, then
// force-unlocks every source still held so the next process start is clean.
func (o *Orchestrator) Shutdown(ctx context.Context, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		o.logger.Warn("Timed out waiting for in-flight runs")
	}

	o.mu.Lock()
	remaining := make([]int64, 0, len(o.held))
	for id := range o.held {
		remaining = append(remaining, id)
	}
	o.mu.Unlock()

	for _, id := range remaining {
		if err := o.store.Unlock(ctx, id); err != nil {
			o.logger.Error("Failed to force-unlock source", "source_id", id, "error", err)
			continue
		}
		o.untrack(id)
		o.logger.Warn("Force-unlocked source on shutdown", "source_id", id)
	}
}

// acquire takes a source's lock and tracks it for the shutdown sweep.
func (o *Orchestrator) acquire(ctx context.Context, id int64) error {
	if err := o.store.Lock(ctx, id); err != nil {
		return err
	}
	o.mu.Lock()
	o.held[id] = struct{}{}
	o.mu.Unlock()
	return nil
}

// release unlocks a source, keeping it tracked if the unlock fails so the
// shutdown sweep retries it.
func (o *Orchestrator) release(ctx context.Context, id int64) {
	if err := o.store.Unlock(ctx, id); err != nil {
		o.logger.Error("Failed to release source lock", "source_id", id, "error", err)
		return
	}
	o.untrack(id)
}

func (o *Orchestrator) untrack(id int64) {
	o.mu.Lock()
	delete(o.held, id)
	o.mu.Unlock()
}

func (o *Orchestrator) recordError(ctx context.Context, id int64, msg string) {
	if err := o.store.RecordError(ctx, id, msg); err != nil {
		o.logger.Warn("Failed to record source error", "source_id", id, "error", err)
	}
}
