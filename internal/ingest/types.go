package ingest

import "time"

// Descriptor identifies one item currently showing on the source page.
type Descriptor struct {
	ExternalID    string
	SourceLocator string
}

// Item is a distinct piece of content ever seen on the source.
type Item struct {
	ID            string
	ExternalID    string
	SourceLocator string
	// Payload stays nil until backfilled and is never cleared afterwards.
	Payload     []byte
	FirstSeenAt time.Time
}

// HasPayload reports whether the item's binary content has been attached.
func (i Item) HasPayload() bool {
	return i.Payload != nil
}

// Appearance records that an item was observed as currently showing.
type Appearance struct {
	ID             string
	ItemExternalID string
	ObservedAt     time.Time
}

// PendingItem is the projection of an Item that the backfill pass needs.
type PendingItem struct {
	ID            string
	ExternalID    string
	SourceLocator string
}

// ReconcileResult summarizes one reconciliation.
type ReconcileResult struct {
	ItemsCreated        int
	AppearancesRecorded int
	// Created lists the external ids of newly created items in input order.
	Created []string
}

// Empty reports whether the reconciliation wrote nothing.
func (r ReconcileResult) Empty() bool {
	return r.ItemsCreated == 0 && r.AppearancesRecorded == 0
}

// BackfillResult summarizes one backfill pass.
type BackfillResult struct {
	Attempted int
	Succeeded int
	Failed    int
	// Skipped counts items whose payload was attached by someone else between
	// selection and update.
	Skipped  int
	Attached []string
}

// Event types published after a tick changed state.
const (
	EventAppearancesRecorded = "appearances.recorded"
	EventPayloadsAttached    = "payloads.attached"
)

// Event is the change notification handed to Publisher implementations.
type Event struct {
	Type         string    `json:"type"`
	ExternalIDs  []string  `json:"external_ids"`
	ItemsCreated int       `json:"items_created,omitempty"`
	ObservedAt   time.Time `json:"observed_at"`
}
