package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/trashtv-ingest/internal/ingest"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *ItemStore {
	t.Helper()
	store, err := NewItemStore(fixedClock{now: epoch})
	require.NoError(t, err)
	return store
}

func TestNewItemStoreRequiresClock(t *testing.T) {
	t.Parallel()

	_, err := NewItemStore(nil)
	require.Error(t, err)
}

func TestItemStoreCommitAppliesStagedWrites(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx ingest.Tx) error {
		// Appearance before its item is fine: the reference is checked at commit.
		require.NoError(t, tx.RecordAppearance(ctx, ingest.Appearance{ID: "a1", ItemExternalID: "42"}))
		created, err := tx.CreateItem(ctx, ingest.Item{ID: "i1", ExternalID: "42", SourceLocator: "http://x/a.gif"})
		require.NoError(t, err)
		assert.True(t, created)

		exists, err := tx.ItemExists(ctx, "42")
		require.NoError(t, err)
		assert.True(t, exists, "staged items are visible inside the transaction")

		created, err = tx.CreateItem(ctx, ingest.Item{ID: "i2", ExternalID: "42", SourceLocator: "http://x/other.gif"})
		require.NoError(t, err)
		assert.False(t, created)
		return nil
	})
	require.NoError(t, err)

	items := store.Items()
	require.Len(t, items, 1)
	assert.Equal(t, ingest.Item{ID: "i1", ExternalID: "42", SourceLocator: "http://x/a.gif", FirstSeenAt: epoch}, items[0])
	assert.Equal(t, []ingest.Appearance{{ID: "a1", ItemExternalID: "42", ObservedAt: epoch}}, store.Appearances())
}

func TestItemStoreRollbackOnError(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx ingest.Tx) error {
		_, err := tx.CreateItem(ctx, ingest.Item{ID: "i1", ExternalID: "1", SourceLocator: "l"})
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Empty(t, store.Items())
	assert.Empty(t, store.Appearances())
}

func TestItemStoreDanglingAppearanceFailsCommit(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx ingest.Tx) error {
		if _, err := tx.CreateItem(ctx, ingest.Item{ID: "i1", ExternalID: "1", SourceLocator: "l"}); err != nil {
			return err
		}
		return tx.RecordAppearance(ctx, ingest.Appearance{ID: "a1", ItemExternalID: "ghost"})
	})
	require.ErrorIs(t, err, ingest.ErrStorage)
	assert.Empty(t, store.Items())
	assert.Empty(t, store.Appearances())
}

func TestItemStorePayloadLifecycle(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.WithTx(ctx, func(tx ingest.Tx) error {
		for _, item := range []ingest.Item{
			{ID: "i1", ExternalID: "1", SourceLocator: "http://x/1.gif"},
			{ID: "i2", ExternalID: "2", SourceLocator: "http://x/2.gif"},
		} {
			if _, err := tx.CreateItem(ctx, item); err != nil {
				return err
			}
		}
		return nil
	}))

	pending, err := store.ListMissingPayload(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ingest.PendingItem{
		{ID: "i1", ExternalID: "1", SourceLocator: "http://x/1.gif"},
		{ID: "i2", ExternalID: "2", SourceLocator: "http://x/2.gif"},
	}, pending)

	attached, err := store.AttachPayload(ctx, "i1", []byte("GIF89a"))
	require.NoError(t, err)
	assert.True(t, attached)

	attached, err = store.AttachPayload(ctx, "i1", []byte("replacement"))
	require.NoError(t, err)
	assert.False(t, attached, "payload is never overwritten")

	attached, err = store.AttachPayload(ctx, "unknown", []byte("x"))
	require.NoError(t, err)
	assert.False(t, attached)

	_, err = store.AttachPayload(ctx, "i2", nil)
	require.ErrorIs(t, err, ingest.ErrStorage)

	item, ok := store.Item("1")
	require.True(t, ok)
	assert.Equal(t, "GIF89a", string(item.Payload))

	pending, err = store.ListMissingPayload(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "2", pending[0].ExternalID)
}

func TestItemStoreHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := store.WithTx(ctx, func(ingest.Tx) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ingest.ErrStorage)
	assert.False(t, called)

	_, err = store.ListMissingPayload(ctx)
	require.ErrorIs(t, err, ingest.ErrStorage)
	require.NoError(t, store.Ping(ctx))
}
