package app

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"cellucid/annotation/internal/annotation"
	"cellucid/annotation/internal/search"
	"cellucid/annotation/internal/store"
)

const changeTimeout = 5 * time.Second

// changeWorker moves engine changes off the engine's notification path.
// Changes are handled one at a time in revision order.
type changeWorker struct {
	svc   *Service
	queue chan annotation.Change
	done  chan struct{}

	mu          sync.Mutex
	closed      bool
	started     bool
	unsubscribe func()
}

func newChangeWorker(svc *Service, size int) *changeWorker {
	return &changeWorker{
		svc:   svc,
		queue: make(chan annotation.Change, size),
		done:  make(chan struct{}),
	}
}

func (w *changeWorker) start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.closed {
		return
	}
	w.started = true
	w.unsubscribe = w.svc.engine.OnChanged(w.enqueue)
	go w.run()
}

// enqueue runs on the engine's notification path and must not block.
func (w *changeWorker) enqueue(change annotation.Change) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.queue <- change:
	default:
		w.svc.log.Warn("change queue full, dropping change",
			zap.Uint64("revision", change.Revision),
			zap.String("op", string(change.Op)))
	}
}

func (w *changeWorker) stop() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	started := w.started
	if w.unsubscribe != nil {
		w.unsubscribe()
	}
	close(w.queue)
	w.mu.Unlock()
	if started {
		<-w.done
	}
}

func (w *changeWorker) run() {
	defer close(w.done)
	for change := range w.queue {
		w.handle(change)
	}
}

func (w *changeWorker) handle(change annotation.Change) {
	svc := w.svc
	ctx, cancel := context.WithTimeout(context.Background(), changeTimeout)
	defer cancel()

	if svc.store != nil {
		if err := svc.store.InsertAudit(ctx, auditEntry(svc.cfg.DatasetID, change)); err != nil {
			svc.log.Warn("write audit entry", zap.Uint64("revision", change.Revision), zap.Error(err))
		}
	}

	if svc.feed != nil {
		if err := svc.feed.Publish(ctx, change); err != nil {
			svc.log.Warn("publish change", zap.Uint64("revision", change.Revision), zap.Error(err))
		}
	} else {
		svc.hub.broadcast(change)
	}

	if svc.search == nil {
		return
	}
	switch {
	case change.Op == annotation.OpLoad:
		svc.reindexAll()
	case change.Bucket != nil:
		key := *change.Bucket
		svc.search.IndexBucket(key.String(), search.RecordsFor(svc.cfg.DatasetID, key, svc.engine.Suggestions(key)))
	}
}

func auditEntry(dataset string, change annotation.Change) store.AuditEntry {
	entry := store.AuditEntry{
		DatasetID:    dataset,
		Revision:     change.Revision,
		Op:           string(change.Op),
		FieldKey:     change.Field,
		SuggestionID: change.SuggestionID,
		Actor:        change.Actor,
		OccurredAt:   change.At,
	}
	if change.Bucket != nil {
		entry.FieldKey = change.Bucket.FieldKey
		index := change.Bucket.CategoryIndex
		entry.CategoryIndex = &index
	}
	return entry
}
