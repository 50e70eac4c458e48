package annotation

import (
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"cellucid/annotation/internal/rbac"
	"cellucid/annotation/internal/util"
)

type Option func(*Engine)

func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIDGenerator replaces the id source; prefix is "sug" or "cmt".
func WithIDGenerator(newID func(prefix string) string) Option {
	return func(e *Engine) {
		if newID != nil {
			e.newID = newID
		}
	}
}

// WithDefaultSettings sets the settings used where a field has none.
func WithDefaultSettings(s Settings) Option {
	return func(e *Engine) {
		e.defaults = s.withDefaults(DefaultSettings())
	}
}

// Engine owns all annotation state for one dataset. It is safe for
// concurrent use.
type Engine struct {
	mu       sync.RWMutex
	notifyMu sync.Mutex
	buckets  map[BucketKey]*bucket
	fields   map[string]*FieldConfig
	revision uint64
	defaults Settings
	bus      changeBus

	log   *zap.Logger
	now   func() time.Time
	newID func(string) string
}

func New(opts ...Option) *Engine {
	e := &Engine{
		buckets:  make(map[BucketKey]*bucket),
		fields:   make(map[string]*FieldConfig),
		defaults: DefaultSettings(),
		log:      zap.NewNop(),
		now:      time.Now,
		newID:    util.NewID,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OnChanged registers fn for every applied mutation. Calls arrive in
// revision order.
func (e *Engine) OnChanged(fn func(Change)) (unsubscribe func()) {
	return e.bus.subscribe(fn)
}

func (e *Engine) Revision() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.revision
}

// mutate runs fn under the write lock. On success the revision advances and
// subscribers are notified after the lock is released; notifyMu keeps
// notifications in revision order.
func (e *Engine) mutate(fn func() (Change, error)) error {
	e.mu.Lock()
	change, err := fn()
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.revision++
	change.Revision = e.revision
	change.At = e.now().UTC()
	e.notifyMu.Lock()
	e.mu.Unlock()
	defer e.notifyMu.Unlock()

	e.log.Debug("annotation change",
		zap.Uint64("revision", change.Revision),
		zap.String("op", string(change.Op)),
		zap.String("actor", change.Actor))
	e.bus.emit(change)
	return nil
}

// checkMutable enforces identity, role and field gating for a bucket
// mutation. Caller holds the lock.
func (e *Engine) checkMutable(field string, actor Actor, action rbac.Action) error {
	if strings.TrimSpace(actor.Username) == "" {
		return forbidden(actor, action, "an identity is required")
	}
	if !rbac.Can(actor.Role, action) {
		return forbidden(actor, action, "role "+string(actor.Role)+" is not allowed")
	}
	cfg := e.fields[field]
	if cfg == nil || !cfg.Annotated {
		return invalid("fieldKey", "field "+field+" is not enabled for annotation")
	}
	if cfg.Closed && !actor.IsAuthor() {
		return forbidden(actor, action, "field "+field+" is closed")
	}
	return nil
}

func (e *Engine) existingBucket(key BucketKey) (*bucket, error) {
	b, ok := e.buckets[key]
	if !ok {
		return nil, notFound("bucket", key.String())
	}
	return b, nil
}

func (e *Engine) suggestionIn(key BucketKey, suggestionID string) (*bucket, error) {
	b, err := e.existingBucket(key)
	if err != nil {
		return nil, notFound("suggestionId", suggestionID)
	}
	if !b.has(suggestionID) {
		return nil, notFound("suggestionId", suggestionID)
	}
	return b, nil
}

// Vote toggles the actor's vote on a suggestion and returns the resulting
// direction.
func (e *Engine) Vote(key BucketKey, suggestionID string, actor Actor, dir Direction) (Direction, error) {
	if err := key.validate(); err != nil {
		return NoVote, err
	}
	if dir != Up && dir != Down {
		return NoVote, invalid("direction", "must be 'up' or 'down'")
	}
	var result Direction
	err := e.mutate(func() (Change, error) {
		if err := e.checkMutable(key.FieldKey, actor, rbac.ActionVote); err != nil {
			return Change{}, err
		}
		b, err := e.suggestionIn(key, suggestionID)
		if err != nil {
			return Change{}, err
		}
		result = b.votes.Vote(suggestionID, actor.Username, dir)
		return Change{Op: OpVote, Bucket: &key, SuggestionID: suggestionID, Actor: actor.Username}, nil
	})
	return result, err
}

// MyVote returns the user's direct vote on one suggestion.
func (e *Engine) MyVote(key BucketKey, suggestionID, user string) Direction {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.buckets[key]
	if !ok {
		return NoVote
	}
	return b.votes.DirectVote(suggestionID, user)
}

// MyBundleVote reports how the user counts for the bundle that
// suggestionID belongs to.
func (e *Engine) MyBundleVote(key BucketKey, suggestionID, user string) (BundleVoteInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, err := e.suggestionIn(key, suggestionID)
	if err != nil {
		return BundleVoteInfo{}, err
	}
	root := b.rootOf(suggestionID, e.log)
	return BundleVote(b.votes, root, b.membersOf(root), user), nil
}

// Consensus classifies one bucket. A nil override uses the field settings.
func (e *Engine) Consensus(key BucketKey, override *Settings) ConsensusResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.consensusLocked(key, override)
}

func (e *Engine) consensusLocked(key BucketKey, override *Settings) ConsensusResult {
	settings := e.settingsLocked(key.FieldKey)
	if override != nil {
		settings = override.withDefaults(settings)
	}
	b, ok := e.buckets[key]
	if !ok {
		return Classify(nil, 0, settings)
	}
	return Classify(b.tallies(e.log), len(b.votes.Users()), settings)
}

// FieldConsensus classifies every bucket of a field in category order.
func (e *Engine) FieldConsensus(field string) []BucketConsensus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []BucketConsensus
	for _, key := range e.bucketKeysLocked(field) {
		out = append(out, BucketConsensus{Bucket: key, Result: e.consensusLocked(key, nil)})
	}
	return out
}

// Buckets lists the buckets of a field holding any suggestion; an empty field
// lists every bucket.
func (e *Engine) Buckets(field string) []BucketKey {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.bucketKeysLocked(field)
}

func (e *Engine) bucketKeysLocked(field string) []BucketKey {
	var keys []BucketKey
	for key, b := range e.buckets {
		if field != "" && key.FieldKey != field {
			continue
		}
		if len(b.order) == 0 {
			continue
		}
		keys = append(keys, key)
	}
	sortKeys(keys)
	return keys
}

func sortKeys(keys []BucketKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].FieldKey != keys[j].FieldKey {
			return keys[i].FieldKey < keys[j].FieldKey
		}
		return keys[i].CategoryIndex < keys[j].CategoryIndex
	})
}
