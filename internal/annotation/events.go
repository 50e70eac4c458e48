package annotation

import (
	"slices"
	"sync"
	"time"
)

type Op string

const (
	OpVote             Op = "vote"
	OpAddSuggestion    Op = "suggestion.add"
	OpEditSuggestion   Op = "suggestion.edit"
	OpDeleteSuggestion Op = "suggestion.delete"
	OpAddComment       Op = "comment.add"
	OpEditComment      Op = "comment.edit"
	OpDeleteComment    Op = "comment.delete"
	OpAddMerge         Op = "merge.add"
	OpDetachMerge      Op = "merge.detach"
	OpEditMergeNote    Op = "merge.note"
	OpFieldConfig      Op = "field.config"
	OpLoad             Op = "load"
)

// Change describes one applied mutation. Revision increases by one per
// change.
type Change struct {
	Revision     uint64     `json:"revision"`
	Op           Op         `json:"op"`
	Bucket       *BucketKey `json:"bucket,omitempty"`
	Field        string     `json:"field,omitempty"`
	SuggestionID string     `json:"suggestionId,omitempty"`
	Actor        string     `json:"actor,omitempty"`
	At           time.Time  `json:"at"`
}

type subscription struct {
	id int
	fn func(Change)
}

type changeBus struct {
	mu       sync.Mutex
	nextID   int
	handlers []subscription
}

func (b *changeBus) subscribe(fn func(Change)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers = append(b.handlers, subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.handlers = slices.DeleteFunc(b.handlers, func(s subscription) bool { return s.id == id })
		})
	}
}

func (b *changeBus) emit(change Change) {
	b.mu.Lock()
	handlers := slices.Clone(b.handlers)
	b.mu.Unlock()
	for _, h := range handlers {
		h.fn(change)
	}
}
