package annotation

import (
	"time"

	"go.uber.org/zap"
)

type bucket struct {
	key      BucketKey
	order    []string
	records  map[string]*SuggestionRecord
	votes    *VoteLedger
	comments *CommentThread
	merges   *MergeGraph
}

func newBucket(key BucketKey, now func() time.Time, newID func(string) string) *bucket {
	return &bucket{
		key:      key,
		records:  make(map[string]*SuggestionRecord),
		votes:    NewVoteLedger(),
		comments: NewCommentThread(now, func() string { return newID("cmt") }),
		merges:   NewMergeGraph(),
	}
}

func (b *bucket) has(id string) bool {
	_, ok := b.records[id]
	return ok
}

func (b *bucket) remove(id string) {
	delete(b.records, id)
	for i, existing := range b.order {
		if existing == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// rootOf resolves id to its canonical suggestion. A failed resolution makes
// id its own root.
func (b *bucket) rootOf(id string, log *zap.Logger) string {
	root, ok := b.merges.Resolve(id)
	if !ok {
		log.Warn("merge cycle; treating suggestion as its own bundle",
			zap.Stringer("bucket", b.key), zap.String("suggestion_id", id))
		return id
	}
	if !b.has(root) {
		log.Warn("merge chain ends at unknown suggestion",
			zap.Stringer("bucket", b.key), zap.String("suggestion_id", id), zap.String("root", root))
		return id
	}
	return root
}

func (b *bucket) membersOf(root string) []string {
	var out []string
	for _, id := range b.merges.BundleMembersOf(root) {
		if b.has(id) {
			out = append(out, id)
		}
	}
	return out
}

// roots returns the canonical suggestions in insertion order.
func (b *bucket) roots(log *zap.Logger) []string {
	var out []string
	for _, id := range b.order {
		if b.rootOf(id, log) == id {
			out = append(out, id)
		}
	}
	return out
}

func (b *bucket) tallies(log *zap.Logger) []BundleTally {
	roots := b.roots(log)
	out := make([]BundleTally, 0, len(roots))
	for _, root := range roots {
		out = append(out, TallyBundle(b.votes, root, b.records[root].Label, b.membersOf(root)))
	}
	return out
}

func (b *bucket) view(id string) Suggestion {
	voters := b.votes.Voters(id)
	s := Suggestion{
		SuggestionRecord: b.records[id].clone(),
		Upvotes:          voters.Up,
		Downvotes:        voters.Down,
		CommentCount:     b.comments.Count(id),
	}
	if edge, ok := b.merges.Edge(id); ok {
		s.MergedInto = edge.Into
	}
	return s
}

func (b *bucket) suggestions(log *zap.Logger) []Suggestion {
	out := make([]Suggestion, 0, len(b.order))
	for _, id := range b.order {
		s := b.view(id)
		if b.rootOf(id, log) == id {
			for _, member := range b.membersOf(id) {
				s.MergedFrom = append(s.MergedFrom, b.view(member))
				if edge, ok := b.merges.Edge(member); ok && edge.Note != "" {
					s.MergeNotes = append(s.MergeNotes, edge.Note)
				}
			}
		}
		out = append(out, s)
	}
	return out
}

func (b *bucket) recordList() []SuggestionRecord {
	out := make([]SuggestionRecord, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.records[id].clone())
	}
	return out
}
