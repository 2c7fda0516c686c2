package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/trashtv-ingest/internal/ingest"
)

// ItemStore implements ingest.Store in memory for development and tests.
// Transactions are staged and applied at commit under a single lock, so a
// failed unit leaves no trace.
type ItemStore struct {
	mu          sync.RWMutex
	clock       ingest.Clock
	items       map[string]ingest.Item // keyed by external id
	idIndex     map[string]string      // item id -> external id
	order       []string
	appearances []ingest.Appearance
}

// NewItemStore constructs an ItemStore. The clock stamps first_seen_at and
// observed_at the way the database default would.
func NewItemStore(clock ingest.Clock) (*ItemStore, error) {
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	return &ItemStore{
		clock:   clock,
		items:   make(map[string]ingest.Item),
		idIndex: make(map[string]string),
	}, nil
}

// WithTx stages fn's writes and applies them only if fn succeeds and every
// appearance references a known item.
func (s *ItemStore) WithTx(ctx context.Context, fn func(ingest.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: begin tx: %w", ingest.ErrStorage, err)
	}
	tx := &memTx{store: s, staged: make(map[string]struct{})}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

// ListMissingPayload returns items without payload in creation order.
func (s *ItemStore) ListMissingPayload(ctx context.Context) ([]ingest.PendingItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: select missing payload: %w", ingest.ErrStorage, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ingest.PendingItem
	for _, externalID := range s.order {
		item := s.items[externalID]
		if item.HasPayload() {
			continue
		}
		out = append(out, ingest.PendingItem{
			ID:            item.ID,
			ExternalID:    item.ExternalID,
			SourceLocator: item.SourceLocator,
		})
	}
	return out, nil
}

// AttachPayload sets the payload unless one is already present.
func (s *ItemStore) AttachPayload(ctx context.Context, id string, payload []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("%w: attach payload: %w", ingest.ErrStorage, err)
	}
	if len(payload) == 0 {
		return false, fmt.Errorf("%w: empty payload for item %s", ingest.ErrStorage, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	externalID, ok := s.idIndex[id]
	if !ok {
		return false, nil
	}
	item := s.items[externalID]
	if item.HasPayload() {
		return false, nil
	}
	item.Payload = append([]byte(nil), payload...)
	s.items[externalID] = item
	return true, nil
}

// Ping always succeeds.
func (s *ItemStore) Ping(context.Context) error {
	return nil
}

// Items returns a copy of all items in creation order.
func (s *ItemStore) Items() []ingest.Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ingest.Item, 0, len(s.order))
	for _, externalID := range s.order {
		item := s.items[externalID]
		item.Payload = append([]byte(nil), item.Payload...)
		out = append(out, item)
	}
	return out
}

// Item looks up one item by external id.
func (s *ItemStore) Item(externalID string) (ingest.Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[externalID]
	return item, ok
}

// Appearances returns a copy of the appearance log in insertion order.
func (s *ItemStore) Appearances() []ingest.Appearance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ingest.Appearance, len(s.appearances))
	copy(out, s.appearances)
	return out
}

type memTx struct {
	store       *ItemStore
	items       []ingest.Item
	appearances []ingest.Appearance
	staged      map[string]struct{}
}

func (t *memTx) ItemExists(ctx context.Context, externalID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("%w: check item %s: %w", ingest.ErrStorage, externalID, err)
	}
	return t.exists(externalID), nil
}

func (t *memTx) exists(externalID string) bool {
	if _, ok := t.store.items[externalID]; ok {
		return true
	}
	_, ok := t.staged[externalID]
	return ok
}

func (t *memTx) CreateItem(ctx context.Context, item ingest.Item) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("%w: insert item %s: %w", ingest.ErrStorage, item.ExternalID, err)
	}
	if item.ID == "" || item.ExternalID == "" {
		return false, fmt.Errorf("%w: item id and external id are required", ingest.ErrStorage)
	}
	if t.exists(item.ExternalID) {
		return false, nil
	}
	if _, dup := t.store.idIndex[item.ID]; dup {
		return false, fmt.Errorf("%w: duplicate item id %s", ingest.ErrStorage, item.ID)
	}
	item.Payload = nil
	item.FirstSeenAt = t.store.clock.Now()
	t.items = append(t.items, item)
	t.staged[item.ExternalID] = struct{}{}
	return true, nil
}

func (t *memTx) RecordAppearance(ctx context.Context, appearance ingest.Appearance) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: insert appearance for %s: %w", ingest.ErrStorage, appearance.ItemExternalID, err)
	}
	if appearance.ID == "" {
		return fmt.Errorf("%w: appearance id is required", ingest.ErrStorage)
	}
	appearance.ObservedAt = t.store.clock.Now()
	t.appearances = append(t.appearances, appearance)
	return nil
}

// commit checks the deferred foreign key and applies the staged writes.
func (t *memTx) commit() error {
	for _, a := range t.appearances {
		if !t.exists(a.ItemExternalID) {
			return fmt.Errorf("%w: commit: appearance %s references unknown item %q",
				ingest.ErrStorage, a.ID, a.ItemExternalID)
		}
	}
	for _, item := range t.items {
		t.store.items[item.ExternalID] = item
		t.store.idIndex[item.ID] = item.ExternalID
		t.store.order = append(t.store.order, item.ExternalID)
	}
	t.store.appearances = append(t.store.appearances, t.appearances...)
	return nil
}
