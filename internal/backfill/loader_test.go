package backfill

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	collyfetcher "github.com/JakeFAU/trashtv-ingest/internal/fetcher/colly"
	"github.com/JakeFAU/trashtv-ingest/internal/hash/sha256"
	"github.com/JakeFAU/trashtv-ingest/internal/ingest"
	"github.com/JakeFAU/trashtv-ingest/internal/storage/memory"
)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

// fakeFetcher serves payloads by locator and records every call.
type fakeFetcher struct {
	mu       sync.Mutex
	payloads map[string][]byte
	errs     map[string]error
	calls    []string
	delay    time.Duration
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (f *fakeFetcher) FetchPayload(ctx context.Context, locator string) ([]byte, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, locator)
	if err, ok := f.errs[locator]; ok {
		return nil, err
	}
	return f.payloads[locator], nil
}

func (f *fakeFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.calls...)
	sort.Strings(out)
	return out
}

func locator(id string) string { return "http://x/" + id + ".gif" }

// seedStore creates items 1..n; the ids listed in withPayload already have one.
func seedStore(t *testing.T, n int, withPayload ...string) *memory.ItemStore {
	t.Helper()
	store, err := memory.NewItemStore(fixedClock{})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.WithTx(ctx, func(tx ingest.Tx) error {
		for i := 1; i <= n; i++ {
			id := fmt.Sprint(i)
			if _, err := tx.CreateItem(ctx, ingest.Item{ID: "item-" + id, ExternalID: id, SourceLocator: locator(id)}); err != nil {
				return err
			}
		}
		return nil
	}))
	for _, id := range withPayload {
		ok, err := store.AttachPayload(ctx, "item-"+id, []byte("existing"))
		require.NoError(t, err)
		require.True(t, ok)
	}
	return store
}

func payloadsFor(ids ...string) map[string][]byte {
	out := make(map[string][]byte, len(ids))
	for _, id := range ids {
		out[locator(id)] = []byte("GIF89a-" + id)
	}
	return out
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	store := seedStore(t, 0)
	_, err := New(nil, &fakeFetcher{}, Config{}, nil)
	require.Error(t, err)
	_, err = New(store, nil, Config{}, nil)
	require.Error(t, err)

	l, err := New(store, &fakeFetcher{}, Config{Concurrency: -3}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, l.cfg.Concurrency)
}

func TestRunFetchesOnlyMissingPayloads(t *testing.T) {
	t.Parallel()

	store := seedStore(t, 5, "2", "4")
	fetcher := &fakeFetcher{payloads: payloadsFor("1", "3", "5")}
	l, err := New(store, fetcher, Config{}, nil)
	require.NoError(t, err)

	res, err := l.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempted)
	assert.Equal(t, 3, res.Succeeded)
	assert.Zero(t, res.Failed)
	assert.Equal(t, []string{"1", "3", "5"}, res.Attached)
	assert.Equal(t, []string{locator("1"), locator("3"), locator("5")}, fetcher.Calls())

	for _, id := range []string{"2", "4"} {
		item, ok := store.Item(id)
		require.True(t, ok)
		assert.Equal(t, "existing", string(item.Payload), "item %s must be untouched", id)
	}
	item, _ := store.Item("3")
	assert.Equal(t, "GIF89a-3", string(item.Payload))
}

func TestRunIsolatesFailures(t *testing.T) {
	t.Parallel()

	store := seedStore(t, 4)
	fetcher := &fakeFetcher{
		payloads: payloadsFor("1", "3", "4"),
		errs: map[string]error{
			locator("2"): fmt.Errorf("GET: %w", &ingest.StatusError{URL: locator("2"), StatusCode: 404}),
		},
	}
	l, err := New(store, fetcher, Config{Concurrency: 2}, nil)
	require.NoError(t, err)

	res, err := l.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, res.Attempted)
	assert.Equal(t, 3, res.Succeeded)
	assert.Equal(t, 1, res.Failed)

	pending, err := store.ListMissingPayload(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "2", pending[0].ExternalID)

	// The failed item is attempted again on the next pass.
	fetcher.mu.Lock()
	delete(fetcher.errs, locator("2"))
	fetcher.payloads[locator("2")] = []byte("GIF89a-2")
	fetcher.mu.Unlock()

	res, err = l.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ingest.BackfillResult{Attempted: 1, Succeeded: 1, Attached: []string{"2"}}, res)
}

func TestRunTreatsTransportAndEmptyBodiesAsFailures(t *testing.T) {
	t.Parallel()

	store := seedStore(t, 2)
	fetcher := &fakeFetcher{
		payloads: map[string][]byte{locator("2"): {}},
		errs:     map[string]error{locator("1"): fmt.Errorf("%w: dial tcp: refused", ingest.ErrTransport)},
	}
	l, err := New(store, fetcher, Config{}, nil)
	require.NoError(t, err)

	res, err := l.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Failed)
	assert.Zero(t, res.Succeeded)

	pending, err := store.ListMissingPayload(context.Background())
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestRunRespectsConcurrencyLimit(t *testing.T) {
	t.Parallel()

	ids := []string{"1", "2", "3", "4", "5", "6"}
	store := seedStore(t, len(ids))
	fetcher := &fakeFetcher{payloads: payloadsFor(ids...), delay: 20 * time.Millisecond}
	l, err := New(store, fetcher, Config{Concurrency: 2}, nil)
	require.NoError(t, err)

	res, err := l.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, res.Succeeded)
	assert.LessOrEqual(t, fetcher.maxSeen.Load(), int32(2))
}

func TestRunEmptySelection(t *testing.T) {
	t.Parallel()

	store := seedStore(t, 2, "1", "2")
	fetcher := &fakeFetcher{}
	l, err := New(store, fetcher, Config{}, nil)
	require.NoError(t, err)

	res, err := l.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ingest.BackfillResult{}, res)
	assert.Empty(t, fetcher.Calls())
}

type brokenSelectStore struct {
	*memory.ItemStore
}

func (brokenSelectStore) ListMissingPayload(context.Context) ([]ingest.PendingItem, error) {
	return nil, fmt.Errorf("%w: relation items does not exist", ingest.ErrStorage)
}

func TestRunSelectionFailureFailsPass(t *testing.T) {
	t.Parallel()

	l, err := New(brokenSelectStore{seedStore(t, 1)}, &fakeFetcher{}, Config{}, nil)
	require.NoError(t, err)

	_, err = l.Run(context.Background())
	require.ErrorIs(t, err, ingest.ErrStorage)
}

// racingStore reports every attach as already done by someone else.
type racingStore struct {
	*memory.ItemStore
}

func (racingStore) AttachPayload(context.Context, string, []byte) (bool, error) {
	return false, nil
}

func TestRunCountsLostAttachAsSkipped(t *testing.T) {
	t.Parallel()

	l, err := New(racingStore{seedStore(t, 1)}, &fakeFetcher{payloads: payloadsFor("1")}, Config{}, nil)
	require.NoError(t, err)

	res, err := l.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ingest.BackfillResult{Attempted: 1, Skipped: 1}, res)
}

func TestRunCanceledContext(t *testing.T) {
	t.Parallel()

	store := seedStore(t, 3)
	fetcher := &fakeFetcher{payloads: payloadsFor("1", "2", "3"), delay: time.Second}
	l, err := New(store, fetcher, Config{}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	res, err := l.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, res.Succeeded)
}

func TestRunMirrorsToArchive(t *testing.T) {
	t.Parallel()

	store := seedStore(t, 1)
	blobs := memory.NewBlobStore()
	archive, err := NewArchive(blobs, sha256.New(), "gifs")
	require.NoError(t, err)

	l, err := New(store, &fakeFetcher{payloads: payloadsFor("1")}, Config{}, nil, WithArchive(archive))
	require.NoError(t, err)

	res, err := l.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	key := archive.Key("1", []byte("GIF89a-1"))
	stored, ok := blobs.Object(key)
	require.True(t, ok, "expected %s in %v", key, blobs.Paths())
	assert.Equal(t, "GIF89a-1", string(stored))
}

type failingBlobs struct{}

func (failingBlobs) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket gone")
}

func TestRunArchiveFailureDoesNotFailItem(t *testing.T) {
	t.Parallel()

	store := seedStore(t, 1)
	archive, err := NewArchive(failingBlobs{}, sha256.New(), "gifs")
	require.NoError(t, err)

	l, err := New(store, &fakeFetcher{payloads: payloadsFor("1")}, Config{}, nil, WithArchive(archive))
	require.NoError(t, err)

	res, err := l.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Zero(t, res.Failed)
}

func TestRunLeavesOversizePayloadAbsent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("g"), 4096))
	}))
	defer srv.Close()

	store, err := memory.NewItemStore(fixedClock{})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.WithTx(ctx, func(tx ingest.Tx) error {
		_, err := tx.CreateItem(ctx, ingest.Item{ID: "item-1", ExternalID: "1", SourceLocator: srv.URL + "/1.gif"})
		return err
	}))

	fetcher := collyfetcher.New(collyfetcher.Config{Timeout: time.Second, MaxBodyBytes: 1024})
	l, err := New(store, fetcher, Config{}, nil)
	require.NoError(t, err)

	res, err := l.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ingest.BackfillResult{Attempted: 1, Failed: 1}, res)

	pending, err := store.ListMissingPayload(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "1", pending[0].ExternalID)
}
