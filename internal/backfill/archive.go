package backfill

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"regexp"

	"github.com/JakeFAU/trashtv-ingest/internal/ingest"
)

const (
	archiveContentType = "image/gif"
	archiveDigestLen   = 12
)

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// Archive mirrors attached payloads to a blob store under
// <prefix>/<external_id>-<sha256[:12]>.gif.
type Archive struct {
	blobs  ingest.BlobStore
	hasher ingest.Hasher
	prefix string
}

// NewArchive builds an Archive.
func NewArchive(blobs ingest.BlobStore, hasher ingest.Hasher, prefix string) (*Archive, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	return &Archive{blobs: blobs, hasher: hasher, prefix: prefix}, nil
}

// Key returns the object path for a payload.
func (a *Archive) Key(externalID string, payload []byte) string {
	digest := a.hasher.Short(payload, archiveDigestLen)
	name := fmt.Sprintf("%s-%s.gif", unsafeKeyChars.ReplaceAllString(externalID, "_"), digest)
	if a.prefix == "" {
		return name
	}
	return path.Join(a.prefix, name)
}

// Mirror writes payload to the blob store and returns its URI.
func (a *Archive) Mirror(ctx context.Context, externalID string, payload []byte) (string, error) {
	key := a.Key(externalID, payload)
	uri, err := a.blobs.PutObject(ctx, key, archiveContentType, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return uri, nil
}
