package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"cellucid/annotation/internal/annotation"
	"cellucid/annotation/internal/archive"
	"cellucid/annotation/internal/auth"
	"cellucid/annotation/internal/config"
	"cellucid/annotation/internal/export"
	"cellucid/annotation/internal/gitrepo"
	"cellucid/annotation/internal/rbac"
	"cellucid/annotation/internal/search"
	"cellucid/annotation/internal/store"
)

const testSecret = "test-secret"

type fakeStore struct {
	mu               sync.Mutex
	audit            []store.AuditEntry
	saved            []store.SnapshotRecord
	attached         map[int64]string
	saveSnapshotFn   func(context.Context, store.SnapshotRecord) (int64, error)
	latestSnapshotFn func(context.Context, string) (store.SnapshotRecord, error)
	listAuditFn      func(context.Context, string, string, int) ([]store.AuditEntry, error)
	pingFn           func(context.Context) error
}

func (f *fakeStore) SaveSnapshot(ctx context.Context, rec store.SnapshotRecord) (int64, error) {
	f.mu.Lock()
	f.saved = append(f.saved, rec)
	id := int64(len(f.saved))
	f.mu.Unlock()
	if f.saveSnapshotFn != nil {
		return f.saveSnapshotFn(ctx, rec)
	}
	return id, nil
}

func (f *fakeStore) AttachCommit(_ context.Context, id int64, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attached == nil {
		f.attached = make(map[int64]string)
	}
	f.attached[id] = hash
	return nil
}

func (f *fakeStore) LatestSnapshot(ctx context.Context, dataset string) (store.SnapshotRecord, error) {
	if f.latestSnapshotFn != nil {
		return f.latestSnapshotFn(ctx, dataset)
	}
	return store.SnapshotRecord{}, store.ErrNotFound
}

func (f *fakeStore) InsertAudit(_ context.Context, entry store.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audit = append(f.audit, entry)
	return nil
}

func (f *fakeStore) ListAudit(ctx context.Context, dataset, field string, limit int) ([]store.AuditEntry, error) {
	if f.listAuditFn != nil {
		return f.listAuditFn(ctx, dataset, field, limit)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.AuditEntry
	for _, entry := range f.audit {
		if field == "" || entry.FieldKey == field {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) auditEntries() []store.AuditEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.AuditEntry(nil), f.audit...)
}

type fakeGit struct {
	mu               sync.Mutex
	commits          int
	commitSnapshotFn func(string, annotation.Snapshot, string, string) (gitrepo.CommitInfo, error)
	headSnapshotFn   func(string) (annotation.Snapshot, gitrepo.CommitInfo, error)
	snapshotByHashFn func(string, string) (annotation.Snapshot, gitrepo.CommitInfo, error)
	historyFn        func(string, int) ([]gitrepo.CommitInfo, error)
}

func (f *fakeGit) CommitSnapshot(dataset string, snap annotation.Snapshot, author, message string) (gitrepo.CommitInfo, error) {
	f.mu.Lock()
	f.commits++
	f.mu.Unlock()
	if f.commitSnapshotFn != nil {
		return f.commitSnapshotFn(dataset, snap, author, message)
	}
	return gitrepo.CommitInfo{Hash: "abc1234", Revision: snap.Revision}, nil
}

func (f *fakeGit) HeadSnapshot(dataset string) (annotation.Snapshot, gitrepo.CommitInfo, error) {
	if f.headSnapshotFn != nil {
		return f.headSnapshotFn(dataset)
	}
	return annotation.Snapshot{}, gitrepo.CommitInfo{}, gitrepo.ErrNotFound
}

func (f *fakeGit) SnapshotByHash(dataset, hash string) (annotation.Snapshot, gitrepo.CommitInfo, error) {
	if f.snapshotByHashFn != nil {
		return f.snapshotByHashFn(dataset, hash)
	}
	return annotation.Snapshot{}, gitrepo.CommitInfo{}, gitrepo.ErrNotFound
}

func (f *fakeGit) History(dataset string, limit int) ([]gitrepo.CommitInfo, error) {
	if f.historyFn != nil {
		return f.historyFn(dataset, limit)
	}
	return []gitrepo.CommitInfo{}, nil
}

func (f *fakeGit) commitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commits
}

type fakeArchive struct {
	mu            sync.Mutex
	snapshots     int
	reports       []string
	putSnapshotFn func(context.Context, string, annotation.Snapshot) (archive.Object, error)
}

func (f *fakeArchive) PutSnapshot(ctx context.Context, dataset string, snap annotation.Snapshot) (archive.Object, error) {
	f.mu.Lock()
	f.snapshots++
	f.mu.Unlock()
	if f.putSnapshotFn != nil {
		return f.putSnapshotFn(ctx, dataset, snap)
	}
	return archive.Object{Key: archive.SnapshotKey(dataset, snap.Revision, "00112233445566778899")}, nil
}

func (f *fakeArchive) PutReport(_ context.Context, dataset, field, ext, contentType string, data []byte) (archive.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := archive.ReportKey(dataset, field, ext, time.Now())
	f.reports = append(f.reports, key)
	return archive.Object{Key: key, ContentType: contentType, Size: int64(len(data))}, nil
}

type fakeSearch struct {
	mu       sync.Mutex
	buckets  map[string][]search.SuggestionRecord
	reindex  int
	searchFn func(search.Query) search.Response
}

func (f *fakeSearch) Search(q search.Query) search.Response {
	if f.searchFn != nil {
		return f.searchFn(q)
	}
	return search.Response{Results: []search.Result{}, Query: q.Text, Source: "fake"}
}

func (f *fakeSearch) IndexBucket(bucket string, records []search.SuggestionRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.buckets == nil {
		f.buckets = make(map[string][]search.SuggestionRecord)
	}
	f.buckets[bucket] = records
}

func (f *fakeSearch) ReindexAll(records []search.SuggestionRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reindex++
	f.buckets = make(map[string][]search.SuggestionRecord)
	for _, r := range records {
		f.buckets[r.Bucket] = append(f.buckets[r.Bucket], r)
	}
}

func (f *fakeSearch) indexed(bucket string) []search.SuggestionRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buckets[bucket]
}

type fakeRevocations struct {
	mu      sync.Mutex
	revoked map[string]time.Time
}

func (f *fakeRevocations) RevokeAccessToken(_ context.Context, jti string, exp time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.revoked == nil {
		f.revoked = make(map[string]time.Time)
	}
	f.revoked[jti] = exp
	return nil
}

func (f *fakeRevocations) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.revoked[jti]
	return ok, nil
}

type testEnv struct {
	svc     *Service
	engine  *annotation.Engine
	store   *fakeStore
	git     *fakeGit
	archive *fakeArchive
	search  *fakeSearch
	revoked *fakeRevocations
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := zaptest.NewLogger(t)
	engine := annotation.New(annotation.WithLogger(log))
	env := &testEnv{
		engine:  engine,
		store:   &fakeStore{},
		git:     &fakeGit{},
		archive: &fakeArchive{},
		search:  &fakeSearch{},
		revoked: &fakeRevocations{},
	}
	env.svc = New(config.Config{DatasetID: "pbmc", TokenSecret: testSecret}, engine, Deps{
		Store:       env.store,
		Revocations: env.revoked,
		Git:         env.git,
		Archive:     env.archive,
		Search:      env.search,
		Exporter:    export.NewService(engine, "pbmc"),
		Logger:      log,
	})
	t.Cleanup(env.svc.Close)
	return env
}

func issueTestToken(t *testing.T, user string, role rbac.Role) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), auth.Claims{
		Sub:  user,
		Name: user + " display",
		Role: string(role),
		JTI:  user + "-jti",
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return token
}
