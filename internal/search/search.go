// Package search indexes suggestions so moderators can find likely duplicates
// across every bucket of a dataset.
package search

import (
	"cellucid/annotation/internal/annotation"
)

// Result is a single search hit returned to the caller.
type Result struct {
	SuggestionID  string `json:"suggestionId"`
	Bucket        string `json:"bucket"`
	FieldKey      string `json:"fieldKey"`
	CategoryIndex int    `json:"categoryIndex"`
	Label         string `json:"label"`
	Snippet       string `json:"snippet"`
	OntologyID    string `json:"ontologyId,omitempty"`
	MergedInto    string `json:"mergedInto,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text     string
	FieldKey string // empty = all fields
	Limit    int
	Offset   int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Source  string   `json:"source"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// SuggestionRecord is the data we index for a suggestion.
type SuggestionRecord struct {
	ID              string   `json:"id"`
	Dataset         string   `json:"dataset"`
	Bucket          string   `json:"bucket"`
	FieldKey        string   `json:"fieldKey"`
	CategoryIndex   int      `json:"categoryIndex"`
	Label           string   `json:"label"`
	NormalizedLabel string   `json:"normalizedLabel"`
	OntologyID      string   `json:"ontologyId"`
	Markers         []string `json:"markers"`
	Evidence        string   `json:"evidence"`
	ProposedBy      string   `json:"proposedBy"`
	MergedInto      string   `json:"mergedInto"`
}

// RecordsFor turns a bucket's suggestions into index records. Merged members
// are indexed too, pointing at their target.
func RecordsFor(dataset string, key annotation.BucketKey, suggestions []annotation.Suggestion) []SuggestionRecord {
	records := make([]SuggestionRecord, 0, len(suggestions))
	for _, s := range suggestions {
		markers := s.Markers
		if markers == nil {
			markers = []string{}
		}
		records = append(records, SuggestionRecord{
			ID:              s.ID,
			Dataset:         dataset,
			Bucket:          key.String(),
			FieldKey:        key.FieldKey,
			CategoryIndex:   key.CategoryIndex,
			Label:           s.Label,
			NormalizedLabel: annotation.NormalizeLabel(s.Label),
			OntologyID:      s.OntologyID,
			Markers:         markers,
			Evidence:        s.Evidence,
			ProposedBy:      s.ProposedBy,
			MergedInto:      s.MergedInto,
		})
	}
	return records
}
