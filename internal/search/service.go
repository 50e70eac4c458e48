package search

import (
	"sync"

	"go.uber.org/zap"
)

// Service is the facade that tries Meilisearch first and falls back to an
// in-memory scan.
type Service struct {
	meili  *Meili
	memory *Memory
	log    *zap.Logger

	mu      sync.Mutex
	indexed map[string]map[string]struct{} // bucket -> suggestion ids pushed to meili
}

// NewService creates a search service. meili may be nil if Meilisearch is not
// configured.
func NewService(meili *Meili, memory *Memory, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{meili: meili, memory: memory, log: log.Named("search"), indexed: make(map[string]map[string]struct{})}
}

func (s *Service) meiliReady() bool {
	return s.meili != nil && s.meili.Healthy()
}

// Search tries Meilisearch if healthy, otherwise scans memory.
func (s *Service) Search(q Query) Response {
	if s.meiliReady() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Source: "meilisearch"}
		}
		s.log.Warn("meilisearch error, falling back to memory", zap.Error(err))
	}
	if s.memory == nil {
		return Response{Results: []Result{}, Query: q.Text, Source: "none"}
	}
	results, total, err := s.memory.Search(q)
	if err != nil {
		s.log.Warn("memory search failed", zap.Error(err))
		return Response{Results: []Result{}, Query: q.Text, Source: "memory"}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Source: "memory"}
}

// IndexBucket replaces the indexed contents of one bucket. Records that were
// indexed before but are absent now get deleted.
func (s *Service) IndexBucket(bucket string, records []SuggestionRecord) {
	if !s.meiliReady() {
		return
	}
	current := make(map[string]struct{}, len(records))
	for _, r := range records {
		current[r.ID] = struct{}{}
	}

	s.mu.Lock()
	previous := s.indexed[bucket]
	s.indexed[bucket] = current
	s.mu.Unlock()

	for id := range previous {
		if _, ok := current[id]; ok {
			continue
		}
		if err := s.meili.DeleteSuggestion(id); err != nil {
			s.log.Warn("delete stale suggestion", zap.String("bucket", bucket), zap.String("suggestion", id), zap.Error(err))
		}
	}
	if err := s.meili.IndexSuggestions(records); err != nil {
		s.log.Warn("index bucket", zap.String("bucket", bucket), zap.Error(err))
	}
}

// ReindexAll pushes the full record set, grouped by bucket, and drops buckets
// that no longer exist.
func (s *Service) ReindexAll(records []SuggestionRecord) {
	if !s.meiliReady() {
		return
	}
	byBucket := make(map[string][]SuggestionRecord)
	for _, r := range records {
		byBucket[r.Bucket] = append(byBucket[r.Bucket], r)
	}

	s.mu.Lock()
	var gone []string
	for bucket := range s.indexed {
		if _, ok := byBucket[bucket]; !ok {
			gone = append(gone, bucket)
		}
	}
	s.mu.Unlock()

	for _, bucket := range gone {
		s.IndexBucket(bucket, nil)
	}
	for bucket, recs := range byBucket {
		s.IndexBucket(bucket, recs)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
