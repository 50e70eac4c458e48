package annotation

import "cellucid/annotation/internal/rbac"

func (e *Engine) AddComment(key BucketKey, suggestionID string, actor Actor, text string) (string, error) {
	if err := key.validate(); err != nil {
		return "", err
	}
	var id string
	err := e.mutate(func() (Change, error) {
		if err := e.checkMutable(key.FieldKey, actor, rbac.ActionComment); err != nil {
			return Change{}, err
		}
		b, err := e.suggestionIn(key, suggestionID)
		if err != nil {
			return Change{}, err
		}
		id, err = b.comments.Add(suggestionID, actor.Username, text)
		if err != nil {
			return Change{}, err
		}
		return Change{Op: OpAddComment, Bucket: &key, SuggestionID: suggestionID, Actor: actor.Username}, nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (e *Engine) EditComment(key BucketKey, suggestionID, commentID string, actor Actor, text string) error {
	if err := key.validate(); err != nil {
		return err
	}
	return e.mutate(func() (Change, error) {
		b, err := e.commentIn(key, suggestionID, commentID, actor)
		if err != nil {
			return Change{}, err
		}
		if err := b.comments.Edit(commentID, actor.Username, text); err != nil {
			return Change{}, err
		}
		return Change{Op: OpEditComment, Bucket: &key, SuggestionID: suggestionID, Actor: actor.Username}, nil
	})
}

func (e *Engine) DeleteComment(key BucketKey, suggestionID, commentID string, actor Actor) error {
	if err := key.validate(); err != nil {
		return err
	}
	return e.mutate(func() (Change, error) {
		b, err := e.commentIn(key, suggestionID, commentID, actor)
		if err != nil {
			return Change{}, err
		}
		if err := b.comments.Delete(commentID, actor.Username); err != nil {
			return Change{}, err
		}
		return Change{Op: OpDeleteComment, Bucket: &key, SuggestionID: suggestionID, Actor: actor.Username}, nil
	})
}

func (e *Engine) commentIn(key BucketKey, suggestionID, commentID string, actor Actor) (*bucket, error) {
	if err := e.checkMutable(key.FieldKey, actor, rbac.ActionComment); err != nil {
		return nil, err
	}
	b, err := e.suggestionIn(key, suggestionID)
	if err != nil {
		return nil, err
	}
	c, ok := b.comments.Get(commentID)
	if !ok || c.SuggestionID != suggestionID {
		return nil, notFound("commentId", commentID)
	}
	return b, nil
}

// Comments lists a suggestion's comments, newest first.
func (e *Engine) Comments(key BucketKey, suggestionID string) ([]Comment, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, err := e.suggestionIn(key, suggestionID)
	if err != nil {
		return nil, err
	}
	return b.comments.List(suggestionID), nil
}
