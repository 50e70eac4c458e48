package search

import (
	"sort"
	"strings"

	"cellucid/annotation/internal/annotation"
)

// Source yields every record currently held by the engine.
type Source func() []SuggestionRecord

// Memory scans engine state directly. It backs search when Meilisearch is
// not configured or unhealthy.
type Memory struct {
	source Source
}

func NewMemory(source Source) *Memory {
	return &Memory{source: source}
}

func (m *Memory) Healthy() bool { return m.source != nil }

// Search ranks exact normalized label matches first, then prefix matches,
// then substring matches on label, ontology id, markers or evidence.
func (m *Memory) Search(q Query) ([]Result, int, error) {
	if m.source == nil {
		return nil, 0, nil
	}
	needle := annotation.NormalizeLabel(q.Text)
	if needle == "" {
		return nil, 0, nil
	}

	type scored struct {
		rank int
		rec  SuggestionRecord
	}
	var hits []scored
	for _, rec := range m.source() {
		if q.FieldKey != "" && rec.FieldKey != q.FieldKey {
			continue
		}
		if rank, ok := matchRank(rec, needle); ok {
			hits = append(hits, scored{rank: rank, rec: rec})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].rank < hits[j].rank })

	total := len(hits)
	start := q.Offset
	if start > total {
		start = total
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	end := start + limit
	if end > total {
		end = total
	}

	results := make([]Result, 0, end-start)
	for _, h := range hits[start:end] {
		results = append(results, Result{
			SuggestionID:  h.rec.ID,
			Bucket:        h.rec.Bucket,
			FieldKey:      h.rec.FieldKey,
			CategoryIndex: h.rec.CategoryIndex,
			Label:         h.rec.Label,
			Snippet:       h.rec.Label,
			OntologyID:    h.rec.OntologyID,
			MergedInto:    h.rec.MergedInto,
		})
	}
	return results, total, nil
}

func matchRank(rec SuggestionRecord, needle string) (int, bool) {
	label := rec.NormalizedLabel
	if label == "" {
		label = annotation.NormalizeLabel(rec.Label)
	}
	switch {
	case label == needle:
		return 0, true
	case strings.HasPrefix(label, needle):
		return 1, true
	case strings.Contains(label, needle):
		return 2, true
	case strings.Contains(annotation.NormalizeLabel(rec.OntologyID), needle):
		return 3, true
	}
	for _, marker := range rec.Markers {
		if annotation.NormalizeLabel(marker) == needle {
			return 3, true
		}
	}
	if strings.Contains(annotation.NormalizeLabel(rec.Evidence), needle) {
		return 4, true
	}
	return 0, false
}

// EngineSource walks every bucket of e.
func EngineSource(dataset string, e *annotation.Engine) Source {
	return func() []SuggestionRecord {
		var out []SuggestionRecord
		for _, key := range e.Buckets("") {
			out = append(out, RecordsFor(dataset, key, e.Suggestions(key))...)
		}
		return out
	}
}
