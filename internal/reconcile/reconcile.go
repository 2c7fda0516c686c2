// Package reconcile merges freshly extracted descriptors into persisted state.
package reconcile

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/trashtv-ingest/internal/ingest"
	"github.com/JakeFAU/trashtv-ingest/internal/metrics"
)

// Reconciler is the only writer of items and appearances.
type Reconciler struct {
	store  ingest.Store
	ids    ingest.IDGenerator
	logger *zap.Logger
}

// New builds a Reconciler.
func New(store ingest.Store, ids ingest.IDGenerator, logger *zap.Logger) (*Reconciler, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{store: store, ids: ids, logger: logger}, nil
}

// Reconcile creates the items it has not seen before and, when recordHistory
// is set, appends one appearance per descriptor in input order. Existence is
// checked against the store inside the transaction on every call. All writes
// commit together or not at all.
func (r *Reconciler) Reconcile(
	ctx context.Context,
	descriptors []ingest.Descriptor,
	recordHistory bool,
) (ingest.ReconcileResult, error) {
	if len(descriptors) == 0 {
		return ingest.ReconcileResult{}, nil
	}
	for i, d := range descriptors {
		if d.ExternalID == "" || d.SourceLocator == "" {
			return ingest.ReconcileResult{}, fmt.Errorf("descriptor %d: external id and source locator are required", i)
		}
	}

	var result ingest.ReconcileResult
	err := r.store.WithTx(ctx, func(tx ingest.Tx) error {
		result = ingest.ReconcileResult{}
		// Items go in before appearances.
		for _, d := range descriptors {
			created, err := r.createIfMissing(ctx, tx, d)
			if err != nil {
				return err
			}
			if created {
				result.ItemsCreated++
				result.Created = append(result.Created, d.ExternalID)
			}
		}
		if !recordHistory {
			return nil
		}
		for _, d := range descriptors {
			id, err := r.ids.NewID()
			if err != nil {
				return fmt.Errorf("appearance id: %w", err)
			}
			if err := tx.RecordAppearance(ctx, ingest.Appearance{ID: id, ItemExternalID: d.ExternalID}); err != nil {
				return err
			}
			result.AppearancesRecorded++
		}
		return nil
	})
	if err != nil {
		return ingest.ReconcileResult{}, fmt.Errorf("reconcile: %w", err)
	}

	metrics.ObserveReconcile(result.ItemsCreated, result.AppearancesRecorded)
	r.logger.Debug("reconciled descriptors",
		zap.Int("descriptors", len(descriptors)),
		zap.Int("items_created", result.ItemsCreated),
		zap.Int("appearances_recorded", result.AppearancesRecorded),
		zap.Strings("created", result.Created),
	)
	return result, nil
}

func (r *Reconciler) createIfMissing(ctx context.Context, tx ingest.Tx, d ingest.Descriptor) (bool, error) {
	exists, err := tx.ItemExists(ctx, d.ExternalID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	id, err := r.ids.NewID()
	if err != nil {
		return false, fmt.Errorf("item id: %w", err)
	}
	return tx.CreateItem(ctx, ingest.Item{
		ID:            id,
		ExternalID:    d.ExternalID,
		SourceLocator: d.SourceLocator,
	})
}
