package annotation

import (
	"strings"

	"go.uber.org/zap"

	"cellucid/annotation/internal/rbac"
)

func cleanNote(note string) (string, error) {
	note = strings.TrimSpace(note)
	if err := validateStruct(mergeNoteInput{Note: note}); err != nil {
		return "", err
	}
	return note, nil
}

// AddMerge folds from into the bundle of into. An existing edge from the
// same suggestion is replaced.
func (e *Engine) AddMerge(key BucketKey, from, into, note string, actor Actor) error {
	if err := key.validate(); err != nil {
		return err
	}
	note, err := cleanNote(note)
	if err != nil {
		return err
	}
	return e.mutate(func() (Change, error) {
		if err := e.checkMutable(key.FieldKey, actor, rbac.ActionModerate); err != nil {
			return Change{}, err
		}
		b, err := e.suggestionIn(key, from)
		if err != nil {
			return Change{}, err
		}
		if !b.has(into) {
			return Change{}, notFound("intoSuggestionId", into)
		}
		edge := MergeEdge{Bucket: key, From: from, Into: into, Note: note, By: actor.Username, At: e.now().UTC()}
		previous, replaced, err := b.merges.Add(edge)
		if err != nil {
			return Change{}, err
		}
		if replaced {
			e.log.Debug("merge edge replaced",
				zap.Stringer("bucket", key), zap.String("from", from),
				zap.String("previous_into", previous.Into), zap.String("into", into))
		}
		if _, ok := b.merges.Resolve(from); !ok {
			e.log.Warn("merge introduces a cycle",
				zap.Stringer("bucket", key), zap.String("from", from), zap.String("into", into))
		}
		return Change{Op: OpAddMerge, Bucket: &key, SuggestionID: from, Actor: actor.Username}, nil
	})
}

func (e *Engine) DetachMerge(key BucketKey, from string, actor Actor) error {
	if err := key.validate(); err != nil {
		return err
	}
	return e.mutate(func() (Change, error) {
		b, err := e.mergeFrom(key, from, actor)
		if err != nil {
			return Change{}, err
		}
		b.merges.Detach(from)
		return Change{Op: OpDetachMerge, Bucket: &key, SuggestionID: from, Actor: actor.Username}, nil
	})
}

func (e *Engine) EditMergeNote(key BucketKey, from, note string, actor Actor) error {
	if err := key.validate(); err != nil {
		return err
	}
	note, err := cleanNote(note)
	if err != nil {
		return err
	}
	return e.mutate(func() (Change, error) {
		b, err := e.mergeFrom(key, from, actor)
		if err != nil {
			return Change{}, err
		}
		b.merges.EditNote(from, note, e.now().UTC())
		return Change{Op: OpEditMergeNote, Bucket: &key, SuggestionID: from, Actor: actor.Username}, nil
	})
}

func (e *Engine) mergeFrom(key BucketKey, from string, actor Actor) (*bucket, error) {
	if err := e.checkMutable(key.FieldKey, actor, rbac.ActionModerate); err != nil {
		return nil, err
	}
	b, err := e.existingBucket(key)
	if err != nil {
		return nil, notFound("fromSuggestionId", from)
	}
	if _, ok := b.merges.Edge(from); !ok {
		return nil, notFound("fromSuggestionId", from)
	}
	return b, nil
}

// Merges returns every merge edge ordered by bucket, then by when it was
// added.
func (e *Engine) Merges() []MergeEdge {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mergesLocked()
}

func (e *Engine) mergesLocked() []MergeEdge {
	keys := make([]BucketKey, 0, len(e.buckets))
	for key := range e.buckets {
		keys = append(keys, key)
	}
	sortKeys(keys)
	out := []MergeEdge{}
	for _, key := range keys {
		out = append(out, e.buckets[key].merges.Edges()...)
	}
	return out
}
