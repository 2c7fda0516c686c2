// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	uuidgen "github.com/JakeFAU/trashtv-ingest/internal/id/uuid"
	"github.com/JakeFAU/trashtv-ingest/internal/ingest"
)

const (
	itemExistsSQL = `SELECT EXISTS (SELECT 1 FROM items WHERE external_id = $1)`

	insertItemSQL = `
INSERT INTO items (id, external_id, source_locator)
VALUES ($1, $2, $3)
ON CONFLICT (external_id) DO NOTHING`

	insertAppearanceSQL = `
INSERT INTO appearances (id, item_external_id)
VALUES ($1, $2)`

	listMissingPayloadSQL = `
SELECT id::text, external_id, source_locator
FROM items
WHERE payload IS NULL
ORDER BY first_seen_at, id`

	attachPayloadSQL = `
UPDATE items
SET payload = $1
WHERE id = $2 AND payload IS NULL`
)

// StoreConfig controls the Postgres connection pool.
type StoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pgxPool is the subset of *pgxpool.Pool the store needs; pgxmock satisfies it.
type pgxPool interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
	Close()
}

// Store implements ingest.Store on Postgres.
type Store struct {
	pool pgxPool
}

// NewStore creates a Postgres-backed Store using the provided config.
func NewStore(ctx context.Context, cfg StoreConfig) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStoreWithPool(pool pgxPool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: ping postgres: %w", ingest.ErrStorage, err)
	}
	return nil
}

// WithTx runs fn in one transaction. The appearance foreign key is deferred,
// so its check happens at commit.
func (s *Store) WithTx(ctx context.Context, fn func(ingest.Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("%w: begin tx: %w", ingest.ErrStorage, err)
	}
	// Rollback must still reach the server after ctx is canceled.
	rollbackCtx := context.WithoutCancel(ctx)
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(rollbackCtx)
			panic(p)
		}
	}()

	if err := fn(&txWriter{tx: tx}); err != nil {
		if rbErr := tx.Rollback(rollbackCtx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %w", ingest.ErrStorage, err)
	}
	return nil
}

// ListMissingPayload returns every item without payload, oldest first.
func (s *Store) ListMissingPayload(ctx context.Context) ([]ingest.PendingItem, error) {
	rows, err := s.pool.Query(ctx, listMissingPayloadSQL)
	if err != nil {
		return nil, fmt.Errorf("%w: select missing payload: %w", ingest.ErrStorage, err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ingest.PendingItem, error) {
		var item ingest.PendingItem
		err := row.Scan(&item.ID, &item.ExternalID, &item.SourceLocator)
		return item, err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: scan missing payload: %w", ingest.ErrStorage, err)
	}
	return items, nil
}

// AttachPayload stores payload for the item unless one is already present.
// The statement autocommits.
func (s *Store) AttachPayload(ctx context.Context, id string, payload []byte) (bool, error) {
	if !uuidgen.Valid(id) {
		return false, fmt.Errorf("%w: invalid item id %q", ingest.ErrStorage, id)
	}
	if len(payload) == 0 {
		return false, fmt.Errorf("%w: empty payload for item %s", ingest.ErrStorage, id)
	}
	tag, err := s.pool.Exec(ctx, attachPayloadSQL, payload, id)
	if err != nil {
		return false, fmt.Errorf("%w: attach payload: %w", ingest.ErrStorage, err)
	}
	return tag.RowsAffected() == 1, nil
}

// txWriter implements ingest.Tx on an open pgx transaction.
type txWriter struct {
	tx pgx.Tx
}

func (w *txWriter) ItemExists(ctx context.Context, externalID string) (bool, error) {
	var exists bool
	if err := w.tx.QueryRow(ctx, itemExistsSQL, externalID).Scan(&exists); err != nil {
		return false, fmt.Errorf("%w: check item %s: %w", ingest.ErrStorage, externalID, err)
	}
	return exists, nil
}

// CreateItem leaves first_seen_at to the server default.
func (w *txWriter) CreateItem(ctx context.Context, item ingest.Item) (bool, error) {
	tag, err := w.tx.Exec(ctx, insertItemSQL, item.ID, item.ExternalID, item.SourceLocator)
	if err != nil {
		return false, fmt.Errorf("%w: insert item %s: %w", ingest.ErrStorage, item.ExternalID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordAppearance leaves observed_at to the server default.
func (w *txWriter) RecordAppearance(ctx context.Context, appearance ingest.Appearance) error {
	if _, err := w.tx.Exec(ctx, insertAppearanceSQL, appearance.ID, appearance.ItemExternalID); err != nil {
		return fmt.Errorf("%w: insert appearance for %s: %w", ingest.ErrStorage, appearance.ItemExternalID, err)
	}
	return nil
}
