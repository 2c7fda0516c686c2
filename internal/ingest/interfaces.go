package ingest

import (
	"context"
	"io"
	"time"
)

// Store persists items and appearances.
type Store interface {
	// WithTx runs fn inside one transaction. The transaction commits when fn
	// returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(Tx) error) error
	// ListMissingPayload returns every item whose payload is absent.
	ListMissingPayload(ctx context.Context) ([]PendingItem, error)
	// AttachPayload sets the payload of an item that has none yet. It reports
	// false when the item already carried a payload.
	AttachPayload(ctx context.Context, id string, payload []byte) (bool, error)
	Ping(ctx context.Context) error
}

// Tx is the write surface available inside Store.WithTx.
type Tx interface {
	ItemExists(ctx context.Context, externalID string) (bool, error)
	// CreateItem inserts a new item and reports false when one with the same
	// external id already exists.
	CreateItem(ctx context.Context, item Item) (bool, error)
	RecordAppearance(ctx context.Context, appearance Appearance) error
}

// DocumentFetcher retrieves the source document.
type DocumentFetcher interface {
	FetchDocument(ctx context.Context, url string) ([]byte, error)
}

// PayloadFetcher retrieves one item's binary payload.
type PayloadFetcher interface {
	FetchPayload(ctx context.Context, locator string) ([]byte, error)
}

// Extractor turns a fetched document into ordered descriptors.
type Extractor interface {
	Extract(doc []byte) ([]Descriptor, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes change notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces item and appearance ids.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes digests for archive keys.
type Hasher interface {
	// Short returns the first n hex characters of the digest of data.
	Short(data []byte, n int) string
}
