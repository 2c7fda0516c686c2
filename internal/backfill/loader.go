// Package backfill finds items recorded without payload and fetches each one
// independently, so one failure never blocks the others.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/trashtv-ingest/internal/ingest"
	"github.com/JakeFAU/trashtv-ingest/internal/metrics"
)

// Config controls a backfill pass.
type Config struct {
	// Concurrency bounds parallel payload fetches; values below 1 mean 1.
	Concurrency int
}

// Loader is the only writer of item payloads.
type Loader struct {
	store   ingest.Store
	fetcher ingest.PayloadFetcher
	archive *Archive
	cfg     Config
	logger  *zap.Logger
}

// Option customizes a Loader.
type Option func(*Loader)

// WithArchive mirrors every attached payload to archive.
func WithArchive(archive *Archive) Option {
	return func(l *Loader) {
		l.archive = archive
	}
}

// New builds a Loader.
func New(store ingest.Store, fetcher ingest.PayloadFetcher, cfg Config, logger *zap.Logger, opts ...Option) (*Loader, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("payload fetcher is required")
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Loader{store: store, fetcher: fetcher, cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Run selects every item lacking payload and tries each once. Only a failed
// selection fails the pass; items that fail stay absent for the next pass.
func (l *Loader) Run(ctx context.Context) (ingest.BackfillResult, error) {
	pending, err := l.store.ListMissingPayload(ctx)
	if err != nil {
		return ingest.BackfillResult{}, fmt.Errorf("backfill select: %w", err)
	}
	if len(pending) == 0 {
		return ingest.BackfillResult{}, nil
	}

	var (
		mu     sync.Mutex
		result ingest.BackfillResult
	)
	record := func(externalID, outcome string) {
		mu.Lock()
		defer mu.Unlock()
		result.Attempted++
		switch outcome {
		case metrics.BackfillSucceeded:
			result.Succeeded++
			result.Attached = append(result.Attached, externalID)
		case metrics.BackfillSkipped:
			result.Skipped++
		default:
			result.Failed++
		}
		metrics.ObserveBackfillItem(outcome)
	}

	var g errgroup.Group
	g.SetLimit(l.cfg.Concurrency)
	for _, item := range pending {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			record(item.ExternalID, l.loadOne(ctx, item))
			return nil
		})
	}
	_ = g.Wait()

	l.logger.Info("backfill pass finished",
		zap.Int("pending", len(pending)),
		zap.Int("attempted", result.Attempted),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
		zap.Int("skipped", result.Skipped),
	)
	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("backfill interrupted: %w", err)
	}
	return result, nil
}

// loadOne fetches and attaches one payload and returns the outcome label.
func (l *Loader) loadOne(ctx context.Context, item ingest.PendingItem) string {
	logger := l.logger.With(
		zap.String("item_id", item.ID),
		zap.String("external_id", item.ExternalID),
		zap.String("source_locator", item.SourceLocator),
	)

	payload, err := l.fetcher.FetchPayload(ctx, item.SourceLocator)
	switch {
	case errors.Is(err, ingest.ErrNotFound):
		logger.Warn("payload not found; will retry next pass", zap.Error(err))
		return metrics.BackfillFailed
	case err != nil:
		logger.Warn("payload fetch failed; will retry next pass", zap.Error(err))
		return metrics.BackfillFailed
	case len(payload) == 0:
		logger.Warn("payload empty; will retry next pass")
		return metrics.BackfillFailed
	}

	attached, err := l.store.AttachPayload(ctx, item.ID, payload)
	if err != nil {
		logger.Error("attach payload failed", zap.Error(err))
		return metrics.BackfillFailed
	}
	if !attached {
		logger.Debug("payload already attached")
		return metrics.BackfillSkipped
	}
	logger.Debug("payload attached", zap.Int("bytes", len(payload)))

	if l.archive != nil {
		uri, err := l.archive.Mirror(ctx, item.ExternalID, payload)
		if err != nil {
			logger.Warn("archive mirror failed", zap.Error(err))
		} else {
			logger.Debug("payload archived", zap.String("uri", uri))
		}
	}
	return metrics.BackfillSucceeded
}
