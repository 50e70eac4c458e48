package store

import (
	"encoding/json"
	"time"
)

// SnapshotRecord is one published engine snapshot. Payload holds the
// snapshot JSON and is empty in listings.
type SnapshotRecord struct {
	ID          int64
	DatasetID   string
	Revision    uint64
	Fingerprint string
	CommitHash  string
	Payload     json.RawMessage
	PublishedBy string
	CreatedAt   time.Time
}

// AuditEntry records one applied engine change. CategoryIndex is nil for
// changes that are not bucket scoped.
type AuditEntry struct {
	ID            int64
	DatasetID     string
	Revision      uint64
	Op            string
	FieldKey      string
	CategoryIndex *int
	SuggestionID  string
	Actor         string
	OccurredAt    time.Time
}
