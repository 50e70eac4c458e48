package annotation

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	"cellucid/annotation/internal/rbac"
)

// BucketKey identifies one votable category of a categorical field.
type BucketKey struct {
	FieldKey      string
	CategoryIndex int
}

func (k BucketKey) String() string {
	return k.FieldKey + ":" + strconv.Itoa(k.CategoryIndex)
}

func (k BucketKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *BucketKey) UnmarshalText(text []byte) error {
	parsed, err := ParseBucketKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseBucketKey parses the "field:index" text form. The field key itself may
// contain colons; the index follows the last one.
func ParseBucketKey(value string) (BucketKey, error) {
	i := strings.LastIndex(value, ":")
	if i <= 0 {
		return BucketKey{}, invalid("bucket", "must look like field:index")
	}
	index, err := strconv.Atoi(value[i+1:])
	if err != nil {
		return BucketKey{}, invalid("bucket", "category index must be an integer")
	}
	key := BucketKey{FieldKey: value[:i], CategoryIndex: index}
	if err := key.validate(); err != nil {
		return BucketKey{}, err
	}
	return key, nil
}

func (k BucketKey) validate() error {
	if strings.TrimSpace(k.FieldKey) == "" {
		return invalid("fieldKey", "is required")
	}
	if k.CategoryIndex < 0 {
		return invalid("categoryIndex", "must be non-negative")
	}
	return nil
}

// Direction is a vote direction. NoVote is the absence of a vote.
type Direction int8

const (
	NoVote Direction = 0
	Up     Direction = 1
	Down   Direction = -1
)

func (d Direction) String() string {
	switch d {
	case Up:
		return "up"
	case Down:
		return "down"
	default:
		return ""
	}
}

func (d Direction) MarshalJSON() ([]byte, error) {
	if d == NoVote {
		return []byte("null"), nil
	}
	return []byte(strconv.Quote(d.String())), nil
}

func (d *Direction) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*d = NoVote
		return nil
	}
	raw, err := strconv.Unquote(string(data))
	if err != nil {
		return invalid("direction", "must be a string")
	}
	parsed, err := ParseDirection(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func ParseDirection(value string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "up":
		return Up, nil
	case "down":
		return Down, nil
	default:
		return NoVote, invalid("direction", "must be 'up' or 'down'")
	}
}

// Actor is the identity performing an operation.
type Actor struct {
	Username string
	Role     rbac.Role
}

func (a Actor) IsAuthor() bool {
	return a.Role == rbac.RoleAuthor
}

// SuggestionRecord is the stored part of a suggestion.
type SuggestionRecord struct {
	ID         string     `json:"id"`
	Label      string     `json:"label"`
	OntologyID string     `json:"ontologyId,omitempty"`
	Evidence   string     `json:"evidence,omitempty"`
	Markers    []string   `json:"markers,omitempty"`
	ProposedBy string     `json:"proposedBy"`
	ProposedAt time.Time  `json:"proposedAt"`
	EditedAt   *time.Time `json:"editedAt,omitempty"`
}

func (r SuggestionRecord) clone() SuggestionRecord {
	out := r
	if r.Markers != nil {
		out.Markers = append([]string(nil), r.Markers...)
	}
	if r.EditedAt != nil {
		at := *r.EditedAt
		out.EditedAt = &at
	}
	return out
}

// Suggestion is the read model of a suggestion with its live vote and
// comment data. MergedFrom and MergeNotes are filled on bundle roots only.
type Suggestion struct {
	SuggestionRecord
	Upvotes      []string     `json:"upvotes"`
	Downvotes    []string     `json:"downvotes"`
	CommentCount int          `json:"commentCount"`
	MergedInto   string       `json:"mergedInto,omitempty"`
	MergedFrom   []Suggestion `json:"mergedFrom,omitempty"`
	MergeNotes   []string     `json:"mergeNotes,omitempty"`
}

// SuggestionInput carries the fields of a new suggestion.
type SuggestionInput struct {
	Label      string   `json:"label" validate:"required,max=120"`
	OntologyID string   `json:"ontologyId,omitempty" validate:"max=64"`
	Evidence   string   `json:"evidence,omitempty" validate:"max=2000"`
	Markers    []string `json:"markers,omitempty"`
}

// SuggestionPatch lists the editable fields of a suggestion; nil leaves a
// field unchanged.
type SuggestionPatch struct {
	Label      *string   `json:"label,omitempty"`
	OntologyID *string   `json:"ontologyId,omitempty"`
	Evidence   *string   `json:"evidence,omitempty"`
	Markers    *[]string `json:"markers,omitempty"`
}

func (p SuggestionPatch) empty() bool {
	return p.Label == nil && p.OntologyID == nil && p.Evidence == nil && p.Markers == nil
}

const maxMarkers = 50

func (in SuggestionInput) normalized() SuggestionInput {
	return SuggestionInput{
		Label:      strings.TrimSpace(in.Label),
		OntologyID: strings.TrimSpace(in.OntologyID),
		Evidence:   strings.TrimSpace(in.Evidence),
		Markers:    normalizeMarkers(in.Markers),
	}
}

// normalizeMarkers trims gene symbols, drops blanks and case-insensitive
// repeats (first spelling wins) and keeps at most maxMarkers.
func normalizeMarkers(markers []string) []string {
	if len(markers) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(markers))
	out := make([]string, 0, len(markers))
	for _, marker := range markers {
		marker = strings.TrimSpace(marker)
		if marker == "" {
			continue
		}
		folded := strings.ToLower(marker)
		if _, dup := seen[folded]; dup {
			continue
		}
		seen[folded] = struct{}{}
		out = append(out, marker)
		if len(out) == maxMarkers {
			break
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
