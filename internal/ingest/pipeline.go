package ingest

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Reconciler merges descriptors into persisted state.
type Reconciler interface {
	Reconcile(ctx context.Context, descriptors []Descriptor, recordHistory bool) (ReconcileResult, error)
}

// Backfiller runs one backfill pass.
type Backfiller interface {
	Run(ctx context.Context) (BackfillResult, error)
}

// PipelineConfig holds the tick settings.
type PipelineConfig struct {
	SourceURL     string
	RecordHistory bool
	// Topic receives change events. Events are dropped when it is empty.
	Topic string
}

// PipelineDeps groups the collaborators of a Pipeline. Publisher and
// Backfiller are optional.
type PipelineDeps struct {
	Fetcher    DocumentFetcher
	Extractor  Extractor
	Reconciler Reconciler
	Backfiller Backfiller
	Publisher  Publisher
	Clock      Clock
}

// Pipeline holds the bodies of the scheduled ingest and backfill ticks.
type Pipeline struct {
	cfg    PipelineConfig
	deps   PipelineDeps
	logger *zap.Logger
}

// NewPipeline validates its collaborators and returns a Pipeline.
func NewPipeline(cfg PipelineConfig, deps PipelineDeps, logger *zap.Logger) (*Pipeline, error) {
	if cfg.SourceURL == "" {
		return nil, fmt.Errorf("source url is required")
	}
	switch {
	case deps.Fetcher == nil:
		return nil, fmt.Errorf("document fetcher is required")
	case deps.Extractor == nil:
		return nil, fmt.Errorf("extractor is required")
	case deps.Reconciler == nil:
		return nil, fmt.Errorf("reconciler is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{cfg: cfg, deps: deps, logger: logger}, nil
}

// Ingest fetches the source document, extracts the current descriptors and
// reconciles them. A missing document or an incomplete extraction ends the
// tick with no writes and no error.
func (p *Pipeline) Ingest(ctx context.Context) error {
	doc, err := p.deps.Fetcher.FetchDocument(ctx, p.cfg.SourceURL)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			p.logger.Warn("source document unavailable", zap.String("url", p.cfg.SourceURL), zap.Error(err))
			return nil
		}
		return fmt.Errorf("fetch source: %w", err)
	}

	descriptors, err := p.deps.Extractor.Extract(doc)
	if err != nil {
		var exErr *ExtractionError
		if errors.As(err, &exErr) {
			p.logger.Warn("extraction incomplete",
				zap.String("target", exErr.Target),
				zap.String("missing", exErr.Missing),
			)
			return nil
		}
		if errors.Is(err, ErrExtraction) {
			p.logger.Warn("extraction failed", zap.Error(err))
			return nil
		}
		return fmt.Errorf("extract: %w", err)
	}
	if len(descriptors) == 0 {
		p.logger.Debug("nothing extracted")
		return nil
	}

	result, err := p.deps.Reconciler.Reconcile(ctx, descriptors, p.cfg.RecordHistory)
	if err != nil {
		return err
	}
	p.logger.Info("ingest tick reconciled",
		zap.Int("descriptors", len(descriptors)),
		zap.Int("items_created", result.ItemsCreated),
		zap.Int("appearances_recorded", result.AppearancesRecorded),
	)
	if result.Empty() {
		return nil
	}

	ids := result.Created
	if result.AppearancesRecorded > 0 {
		ids = make([]string, 0, len(descriptors))
		for _, d := range descriptors {
			ids = append(ids, d.ExternalID)
		}
	}
	p.publish(ctx, Event{
		Type:         EventAppearancesRecorded,
		ExternalIDs:  ids,
		ItemsCreated: result.ItemsCreated,
		ObservedAt:   p.deps.Clock.Now().UTC(),
	})
	return nil
}

// Backfill runs one backfill pass and announces the attached payloads.
func (p *Pipeline) Backfill(ctx context.Context) error {
	if p.deps.Backfiller == nil {
		return nil
	}
	result, err := p.deps.Backfiller.Run(ctx)
	if err != nil {
		return err
	}
	if result.Succeeded == 0 {
		return nil
	}
	p.publish(ctx, Event{
		Type:        EventPayloadsAttached,
		ExternalIDs: result.Attached,
		ObservedAt:  p.deps.Clock.Now().UTC(),
	})
	return nil
}

// publish never fails the tick; delivery is best effort.
func (p *Pipeline) publish(ctx context.Context, event Event) {
	if p.deps.Publisher == nil || p.cfg.Topic == "" {
		return
	}
	id, err := p.deps.Publisher.Publish(ctx, p.cfg.Topic, event)
	if err != nil {
		p.logger.Warn("publish event failed",
			zap.String("event_type", event.Type),
			zap.String("topic", p.cfg.Topic),
			zap.Error(err),
		)
		return
	}
	p.logger.Debug("event published", zap.String("event_type", event.Type), zap.String("message_id", id))
}
