package ingest

import (
	"errors"
	"fmt"
)

var (
	// ErrExtraction marks a document that did not contain every configured target.
	ErrExtraction = errors.New("extraction failed")
	// ErrTransport marks connection faults and timeouts.
	ErrTransport = errors.New("transport failure")
	// ErrNotFound marks a non-2xx response.
	ErrNotFound = errors.New("not found")
	// ErrStorage marks a failed read or write against the store.
	ErrStorage = errors.New("storage failure")
)

// ExtractionError names the target and the piece of it that was missing.
type ExtractionError struct {
	Target  string
	Missing string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract target %q: missing %s", e.Target, e.Missing)
}

// Unwrap lets errors.Is match ErrExtraction.
func (e *ExtractionError) Unwrap() error {
	return ErrExtraction
}

// StatusError carries the HTTP status of a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.URL, e.StatusCode)
}

// Unwrap lets errors.Is match ErrNotFound.
func (e *StatusError) Unwrap() error {
	return ErrNotFound
}
