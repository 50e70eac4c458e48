package annotation

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NormalizeLabel folds a label for duplicate detection: NFKC, case folding
// and collapsed whitespace.
func NormalizeLabel(label string) string {
	s := norm.NFKC.String(label)
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}

// DuplicateGroup lists suggestions in one bucket whose labels normalize to
// the same text. Groups are hints for moderators; nothing merges them
// automatically.
type DuplicateGroup struct {
	Normalized    string   `json:"normalized"`
	SuggestionIDs []string `json:"suggestionIds"`
}

func findDuplicates(records []SuggestionRecord) []DuplicateGroup {
	index := make(map[string]int)
	var groups []DuplicateGroup
	for _, rec := range records {
		key := NormalizeLabel(rec.Label)
		if i, ok := index[key]; ok {
			groups[i].SuggestionIDs = append(groups[i].SuggestionIDs, rec.ID)
			continue
		}
		index[key] = len(groups)
		groups = append(groups, DuplicateGroup{Normalized: key, SuggestionIDs: []string{rec.ID}})
	}
	out := groups[:0]
	for _, g := range groups {
		if len(g.SuggestionIDs) > 1 {
			out = append(out, g)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
