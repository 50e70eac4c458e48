package annotation

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

const SnapshotVersion = 1

// Snapshot is the complete engine state in a serializable form. Suggestions
// and comments keep insertion order.
type Snapshot struct {
	Version     int                                `json:"version"`
	Revision    uint64                             `json:"revision"`
	Fields      map[string]FieldConfig             `json:"fields"`
	Suggestions map[BucketKey][]SuggestionRecord   `json:"suggestions"`
	Votes       map[BucketKey]map[string]Voters    `json:"votes"`
	Comments    map[BucketKey]map[string][]Comment `json:"comments"`
	Merges      []MergeEdge                        `json:"merges"`
}

// Fingerprint hashes the state content, ignoring the revision, so equal state
// yields equal fingerprints.
func (s Snapshot) Fingerprint() (string, error) {
	s.Revision = 0
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	snap := Snapshot{
		Version:     SnapshotVersion,
		Revision:    e.revision,
		Fields:      make(map[string]FieldConfig, len(e.fields)),
		Suggestions: make(map[BucketKey][]SuggestionRecord),
		Votes:       make(map[BucketKey]map[string]Voters),
		Comments:    make(map[BucketKey]map[string][]Comment),
		Merges:      e.mergesLocked(),
	}
	for field, cfg := range e.fields {
		snap.Fields[field] = *cfg
	}
	for key, b := range e.buckets {
		if len(b.order) == 0 {
			continue
		}
		snap.Suggestions[key] = b.recordList()
		for _, id := range b.votes.suggestions() {
			if snap.Votes[key] == nil {
				snap.Votes[key] = make(map[string]Voters)
			}
			snap.Votes[key][id] = b.votes.Voters(id)
		}
		for _, id := range b.order {
			if b.comments.Count(id) == 0 {
				continue
			}
			if snap.Comments[key] == nil {
				snap.Comments[key] = make(map[string][]Comment)
			}
			snap.Comments[key][id] = b.comments.inserted(id)
		}
	}
	return snap
}

// Load replaces the engine state with snap. Structural errors reject the
// whole snapshot; votes, comments and merges that reference unknown
// suggestions are dropped with a warning.
func (e *Engine) Load(snap Snapshot) error {
	if snap.Version != 0 && snap.Version != SnapshotVersion {
		return invalid("version", fmt.Sprintf("unsupported snapshot version %d", snap.Version))
	}
	fields, buckets, err := e.build(snap)
	if err != nil {
		return err
	}
	return e.mutate(func() (Change, error) {
		e.fields = fields
		e.buckets = buckets
		if snap.Revision > e.revision {
			e.revision = snap.Revision
		}
		return Change{Op: OpLoad}, nil
	})
}

func (e *Engine) build(snap Snapshot) (map[string]*FieldConfig, map[BucketKey]*bucket, error) {
	fields := make(map[string]*FieldConfig, len(snap.Fields))
	for field, cfg := range snap.Fields {
		if strings.TrimSpace(field) == "" {
			return nil, nil, invalid("fields", "field key is required")
		}
		if err := validateStruct(cfg.Settings); err != nil {
			return nil, nil, err
		}
		c := cfg
		fields[field] = &c
	}

	buckets := make(map[BucketKey]*bucket, len(snap.Suggestions))
	ids := make(map[string]BucketKey)
	for key, records := range snap.Suggestions {
		if err := key.validate(); err != nil {
			return nil, nil, err
		}
		b := newBucket(key, e.now, e.newID)
		for _, rec := range records {
			if strings.TrimSpace(rec.ID) == "" {
				return nil, nil, invalid("suggestions", "suggestion id is required in "+key.String())
			}
			if strings.TrimSpace(rec.Label) == "" {
				return nil, nil, invalid("suggestions", "suggestion "+rec.ID+" has a blank label")
			}
			if _, dup := ids[rec.ID]; dup {
				return nil, nil, invalid("suggestions", "duplicate suggestion id "+rec.ID)
			}
			ids[rec.ID] = key
			r := rec.clone()
			b.records[r.ID] = &r
			b.order = append(b.order, r.ID)
		}
		buckets[key] = b
	}

	for key, bySuggestion := range snap.Votes {
		for id, voters := range bySuggestion {
			b, ok := buckets[key]
			if !ok || !b.has(id) {
				e.log.Warn("dropping votes for unknown suggestion", zap.Stringer("bucket", key), zap.String("suggestion_id", id))
				continue
			}
			up := make(map[string]struct{}, len(voters.Up))
			for _, user := range voters.Up {
				up[user] = struct{}{}
			}
			for _, user := range voters.Down {
				if _, both := up[user]; both {
					return nil, nil, invalid("votes", fmt.Sprintf("user %s votes both ways on %s", user, id))
				}
			}
			for _, user := range voters.Up {
				b.votes.set(id, user, Up)
			}
			for _, user := range voters.Down {
				b.votes.set(id, user, Down)
			}
		}
	}

	commentIDs := make(map[string]struct{})
	for key, bySuggestion := range snap.Comments {
		for id, comments := range bySuggestion {
			b, ok := buckets[key]
			if !ok || !b.has(id) {
				e.log.Warn("dropping comments for unknown suggestion", zap.Stringer("bucket", key), zap.String("suggestion_id", id))
				continue
			}
			for _, c := range comments {
				if strings.TrimSpace(c.ID) == "" {
					return nil, nil, invalid("comments", "comment id is required")
				}
				if _, dup := commentIDs[c.ID]; dup {
					return nil, nil, invalid("comments", "duplicate comment id "+c.ID)
				}
				commentIDs[c.ID] = struct{}{}
				restored := c.clone()
				restored.SuggestionID = id
				b.comments.insert(&restored)
			}
		}
	}

	for _, edge := range snap.Merges {
		b, ok := buckets[edge.Bucket]
		if !ok || !b.has(edge.From) || !b.has(edge.Into) {
			e.log.Warn("dropping merge with unknown endpoint",
				zap.Stringer("bucket", edge.Bucket), zap.String("from", edge.From), zap.String("into", edge.Into))
			continue
		}
		if _, _, err := b.merges.Add(edge.clone()); err != nil {
			e.log.Warn("dropping invalid merge", zap.Stringer("bucket", edge.Bucket), zap.Error(err))
		}
	}
	return fields, buckets, nil
}
