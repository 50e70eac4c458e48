package annotation

import (
	"go.uber.org/zap"

	"cellucid/annotation/internal/rbac"
)

// AddSuggestion proposes a label for a bucket and returns its id.
func (e *Engine) AddSuggestion(key BucketKey, in SuggestionInput, actor Actor) (string, error) {
	if err := key.validate(); err != nil {
		return "", err
	}
	in = in.normalized()
	if err := validateStruct(in); err != nil {
		return "", err
	}
	var id string
	err := e.mutate(func() (Change, error) {
		if err := e.checkMutable(key.FieldKey, actor, rbac.ActionSuggest); err != nil {
			return Change{}, err
		}
		b, ok := e.buckets[key]
		if !ok {
			b = newBucket(key, e.now, e.newID)
			e.buckets[key] = b
		}
		id = e.newID("sug")
		b.records[id] = &SuggestionRecord{
			ID:         id,
			Label:      in.Label,
			OntologyID: in.OntologyID,
			Evidence:   in.Evidence,
			Markers:    in.Markers,
			ProposedBy: actor.Username,
			ProposedAt: e.now().UTC(),
		}
		b.order = append(b.order, id)
		return Change{Op: OpAddSuggestion, Bucket: &key, SuggestionID: id, Actor: actor.Username}, nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// EditSuggestion applies patch to a suggestion owned by actor.
func (e *Engine) EditSuggestion(key BucketKey, suggestionID string, patch SuggestionPatch, actor Actor) error {
	if err := key.validate(); err != nil {
		return err
	}
	if patch.empty() {
		return invalid("patch", "must change at least one field")
	}
	return e.mutate(func() (Change, error) {
		if err := e.checkMutable(key.FieldKey, actor, rbac.ActionSuggest); err != nil {
			return Change{}, err
		}
		b, err := e.suggestionIn(key, suggestionID)
		if err != nil {
			return Change{}, err
		}
		rec := b.records[suggestionID]
		if rec.ProposedBy != actor.Username {
			return Change{}, forbidden(actor, rbac.ActionSuggest, "only the proposer may edit a suggestion")
		}
		next := SuggestionInput{Label: rec.Label, OntologyID: rec.OntologyID, Evidence: rec.Evidence, Markers: rec.Markers}
		if patch.Label != nil {
			next.Label = *patch.Label
		}
		if patch.OntologyID != nil {
			next.OntologyID = *patch.OntologyID
		}
		if patch.Evidence != nil {
			next.Evidence = *patch.Evidence
		}
		if patch.Markers != nil {
			next.Markers = *patch.Markers
		}
		next = next.normalized()
		if err := validateStruct(next); err != nil {
			return Change{}, err
		}
		at := e.now().UTC()
		rec.Label = next.Label
		rec.OntologyID = next.OntologyID
		rec.Evidence = next.Evidence
		rec.Markers = next.Markers
		rec.EditedAt = &at
		return Change{Op: OpEditSuggestion, Bucket: &key, SuggestionID: suggestionID, Actor: actor.Username}, nil
	})
}

// DeleteSuggestion removes a suggestion owned by actor together with its
// votes, comments and merge edges. Edges that pointed into it are returned so
// their sources can be re-pointed.
func (e *Engine) DeleteSuggestion(key BucketKey, suggestionID string, actor Actor) ([]MergeEdge, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}
	var broken []MergeEdge
	err := e.mutate(func() (Change, error) {
		if err := e.checkMutable(key.FieldKey, actor, rbac.ActionSuggest); err != nil {
			return Change{}, err
		}
		b, err := e.suggestionIn(key, suggestionID)
		if err != nil {
			return Change{}, err
		}
		if b.records[suggestionID].ProposedBy != actor.Username {
			return Change{}, forbidden(actor, rbac.ActionSuggest, "only the proposer may delete a suggestion")
		}
		b.remove(suggestionID)
		b.votes.Forget(suggestionID)
		b.comments.Forget(suggestionID)
		broken = b.merges.RemoveReferencing(suggestionID)
		if len(broken) > 0 {
			e.log.Info("detached merges into deleted suggestion",
				zap.Stringer("bucket", key), zap.String("suggestion_id", suggestionID), zap.Int("edges", len(broken)))
		}
		return Change{Op: OpDeleteSuggestion, Bucket: &key, SuggestionID: suggestionID, Actor: actor.Username}, nil
	})
	if err != nil {
		return nil, err
	}
	return broken, nil
}

// Suggestions returns a bucket's suggestions in insertion order.
func (e *Engine) Suggestions(key BucketKey) []Suggestion {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.buckets[key]
	if !ok {
		return []Suggestion{}
	}
	return b.suggestions(e.log)
}

// Suggestion returns one suggestion with its bundle data.
func (e *Engine) Suggestion(key BucketKey, suggestionID string) (Suggestion, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, err := e.suggestionIn(key, suggestionID)
	if err != nil {
		return Suggestion{}, err
	}
	for _, s := range b.suggestions(e.log) {
		if s.ID == suggestionID {
			return s, nil
		}
	}
	return Suggestion{}, notFound("suggestionId", suggestionID)
}

// Duplicates groups suggestions whose labels normalize identically.
func (e *Engine) Duplicates(key BucketKey) []DuplicateGroup {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.buckets[key]
	if !ok {
		return nil
	}
	return findDuplicates(b.recordList())
}
