package search

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"
)

const idxSuggestions = "cellucid_suggestions"

var errUnhealthy = errors.New("meilisearch unhealthy")

// Meili implements Searcher via Meilisearch. One index holds every dataset;
// queries are filtered to the dataset the process serves.
type Meili struct {
	client  meili.ServiceManager
	dataset string
	log     *zap.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the index. A failed
// initial connection leaves it unhealthy; the health loop keeps retrying.
func NewMeili(url, apiKey, dataset string, log *zap.Logger) *Meili {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Meili{
		client:  meili.New(url, meili.WithAPIKey(apiKey)),
		dataset: dataset,
		log:     log.Named("meili"),
		done:    make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		m.log.Warn("meilisearch unavailable", zap.String("url", url), zap.Error(err))
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxSuggestions,
		PrimaryKey: "id",
	}); err != nil {
		m.log.Debug("create index (may already exist)", zap.String("index", idxSuggestions), zap.Error(err))
	}

	index := m.client.Index(idxSuggestions)
	filterable := []interface{}{"dataset", "fieldKey", "bucket", "mergedInto"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.log.Warn("update filterable attributes", zap.Error(err))
	}
	searchable := []string{"label", "normalizedLabel", "ontologyId", "markers", "evidence"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.log.Warn("update searchable attributes", zap.Error(err))
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, errUnhealthy
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}
	filters := []string{fmt.Sprintf("dataset = %q", m.dataset)}
	if q.FieldKey != "" {
		filters = append(filters, fmt.Sprintf("fieldKey = %q", q.FieldKey))
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{{
			IndexUID:              idxSuggestions,
			Query:                 q.Text,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{"label", "evidence"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
			Filter:                filters,
		}},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return results, total, nil
}

func hitToResult(hit meili.Hit) Result {
	r := Result{
		SuggestionID:  decodeString(hit, "id"),
		Bucket:        decodeString(hit, "bucket"),
		FieldKey:      decodeString(hit, "fieldKey"),
		CategoryIndex: decodeInt(hit, "categoryIndex"),
		Label:         decodeString(hit, "label"),
		OntologyID:    decodeString(hit, "ontologyId"),
		MergedInto:    decodeString(hit, "mergedInto"),
	}
	r.Snippet = firstNonBlank(
		decodeFormattedString(hit, "label"),
		decodeFormattedString(hit, "evidence"),
		r.Label,
	)
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeInt(hit meili.Hit, key string) int {
	raw, ok := hit[key]
	if !ok {
		return 0
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	return 0
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(formatted[key], &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexSuggestions adds or replaces records.
func (m *Meili) IndexSuggestions(records []SuggestionRecord) error {
	if len(records) == 0 {
		return nil
	}
	if _, err := m.client.Index(idxSuggestions).AddDocuments(records, nil); err != nil {
		return fmt.Errorf("index suggestions: %w", err)
	}
	return nil
}

// DeleteSuggestion removes one record.
func (m *Meili) DeleteSuggestion(id string) error {
	if _, err := m.client.Index(idxSuggestions).DeleteDocument(id, nil); err != nil {
		return fmt.Errorf("delete suggestion %s: %w", id, err)
	}
	return nil
}
