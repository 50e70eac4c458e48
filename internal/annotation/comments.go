package annotation

import (
	"sort"
	"strings"
	"time"

	"cellucid/annotation/internal/rbac"
	"cellucid/annotation/internal/util"
)

type Comment struct {
	ID           string     `json:"id"`
	SuggestionID string     `json:"suggestionId"`
	Author       string     `json:"authorUsername"`
	Text         string     `json:"text"`
	CreatedAt    time.Time  `json:"createdAt"`
	EditedAt     *time.Time `json:"editedAt,omitempty"`
}

func (c Comment) clone() Comment {
	out := c
	if c.EditedAt != nil {
		at := *c.EditedAt
		out.EditedAt = &at
	}
	return out
}

// CommentThread holds the comments of every suggestion in a bucket. Only the
// author of a comment may edit or delete it.
type CommentThread struct {
	now          func() time.Time
	newID        func() string
	bySuggestion map[string][]*Comment
	byID         map[string]*Comment
}

func NewCommentThread(now func() time.Time, newID func() string) *CommentThread {
	if now == nil {
		now = time.Now
	}
	if newID == nil {
		newID = func() string { return util.NewID("cmt") }
	}
	return &CommentThread{
		now:          now,
		newID:        newID,
		bySuggestion: make(map[string][]*Comment),
		byID:         make(map[string]*Comment),
	}
}

func cleanCommentText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if err := validateStruct(commentInput{Text: text}); err != nil {
		return "", err
	}
	return text, nil
}

func (t *CommentThread) Add(suggestionID, author, text string) (string, error) {
	text, err := cleanCommentText(text)
	if err != nil {
		return "", err
	}
	c := &Comment{
		ID:           t.newID(),
		SuggestionID: suggestionID,
		Author:       author,
		Text:         text,
		CreatedAt:    t.now().UTC(),
	}
	t.insert(c)
	return c.ID, nil
}

func (t *CommentThread) insert(c *Comment) {
	t.bySuggestion[c.SuggestionID] = append(t.bySuggestion[c.SuggestionID], c)
	t.byID[c.ID] = c
}

func (t *CommentThread) owned(commentID, author string, action rbac.Action) (*Comment, error) {
	c, ok := t.byID[commentID]
	if !ok {
		return nil, notFound("commentId", commentID)
	}
	if c.Author != author {
		return nil, &AuthorizationError{User: author, Action: action, Message: "only the comment author may change it"}
	}
	return c, nil
}

func (t *CommentThread) Edit(commentID, author, text string) error {
	c, err := t.owned(commentID, author, rbac.ActionComment)
	if err != nil {
		return err
	}
	text, err = cleanCommentText(text)
	if err != nil {
		return err
	}
	at := t.now().UTC()
	c.Text = text
	c.EditedAt = &at
	return nil
}

func (t *CommentThread) Delete(commentID, author string) error {
	c, err := t.owned(commentID, author, rbac.ActionComment)
	if err != nil {
		return err
	}
	delete(t.byID, commentID)
	list := t.bySuggestion[c.SuggestionID]
	for i, existing := range list {
		if existing.ID == commentID {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(t.bySuggestion, c.SuggestionID)
	} else {
		t.bySuggestion[c.SuggestionID] = list
	}
	return nil
}

func (t *CommentThread) Get(commentID string) (Comment, bool) {
	c, ok := t.byID[commentID]
	if !ok {
		return Comment{}, false
	}
	return c.clone(), true
}

// List returns a suggestion's comments newest first; equal timestamps keep
// the later insertion first.
func (t *CommentThread) List(suggestionID string) []Comment {
	list := t.bySuggestion[suggestionID]
	out := make([]Comment, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		out = append(out, list[i].clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// inserted returns comments in insertion order, the form snapshots store.
func (t *CommentThread) inserted(suggestionID string) []Comment {
	list := t.bySuggestion[suggestionID]
	out := make([]Comment, 0, len(list))
	for _, c := range list {
		out = append(out, c.clone())
	}
	return out
}

func (t *CommentThread) Count(suggestionID string) int {
	return len(t.bySuggestion[suggestionID])
}

func (t *CommentThread) Forget(suggestionID string) {
	for _, c := range t.bySuggestion[suggestionID] {
		delete(t.byID, c.ID)
	}
	delete(t.bySuggestion, suggestionID)
}
