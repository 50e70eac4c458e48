package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

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

type Session struct {
	Token     string
	UserID    string
	UserName  string
	Role      rbac.Role
	JTI       string
	ExpiresAt time.Time
}

// Actor is the engine identity for the session. The subject is the stable
// username; the display name is only shown to people.
func (s Session) Actor() annotation.Actor {
	return annotation.Actor{Username: s.UserID, Role: s.Role}
}

type snapshotStore interface {
	SaveSnapshot(context.Context, store.SnapshotRecord) (int64, error)
	AttachCommit(context.Context, int64, string) error
	LatestSnapshot(context.Context, string) (store.SnapshotRecord, error)
	InsertAudit(context.Context, store.AuditEntry) error
	ListAudit(context.Context, string, string, int) ([]store.AuditEntry, error)
	Ping(context.Context) error
}

type revocationStore interface {
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
}

type gitService interface {
	CommitSnapshot(string, annotation.Snapshot, string, string) (gitrepo.CommitInfo, error)
	HeadSnapshot(string) (annotation.Snapshot, gitrepo.CommitInfo, error)
	SnapshotByHash(string, string) (annotation.Snapshot, gitrepo.CommitInfo, error)
	History(string, int) ([]gitrepo.CommitInfo, error)
}

type archiver interface {
	PutSnapshot(context.Context, string, annotation.Snapshot) (archive.Object, error)
	PutReport(context.Context, string, string, string, string, []byte) (archive.Object, error)
}

type searchIndex interface {
	Search(search.Query) search.Response
	IndexBucket(string, []search.SuggestionRecord)
	ReindexAll([]search.SuggestionRecord)
}

type changePublisher interface {
	Publish(context.Context, annotation.Change) error
	Subscribe(context.Context) (<-chan annotation.Change, error)
}

type exporter interface {
	Export(context.Context, export.Request) (*export.Result, error)
}

// Deps lists the optional backends. Nil members disable the feature they
// serve.
type Deps struct {
	Store       snapshotStore
	Revocations revocationStore
	Git         gitService
	Archive     archiver
	Search      searchIndex
	Feed        changePublisher
	Exporter    exporter
	Logger      *zap.Logger
}

// PublishResult reports where a snapshot went. Unchanged is set when the
// state matched the last published fingerprint and nothing was written.
type PublishResult struct {
	Revision    uint64          `json:"revision"`
	Fingerprint string          `json:"fingerprint"`
	Commit      string          `json:"commit,omitempty"`
	SnapshotID  int64           `json:"snapshotId,omitempty"`
	Archive     *archive.Object `json:"archive,omitempty"`
	Unchanged   bool            `json:"unchanged"`
}

type published struct {
	revision    uint64
	fingerprint string
	commit      string
}

type Service struct {
	cfg         config.Config
	engine      *annotation.Engine
	store       snapshotStore
	revocations revocationStore
	git         gitService
	archive     archiver
	search      searchIndex
	feed        changePublisher
	exporter    exporter
	log         *zap.Logger
	hub         *hub
	worker      *changeWorker

	publishMu sync.Mutex
	last      published
}

func New(cfg config.Config, engine *annotation.Engine, deps Deps) *Service {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		cfg:         cfg,
		engine:      engine,
		store:       deps.Store,
		revocations: deps.Revocations,
		git:         deps.Git,
		archive:     deps.Archive,
		search:      deps.Search,
		feed:        deps.Feed,
		exporter:    deps.Exporter,
		log:         log,
		hub:         newHub(),
	}
	s.worker = newChangeWorker(s, 1024)
	return s
}

func (s *Service) Engine() *annotation.Engine {
	return s.engine
}

// Bootstrap loads the latest published snapshot, from Postgres when
// configured and otherwise from the dataset repo, then starts the change
// worker. A dataset that was never published starts empty. Engine changes
// made before Bootstrap are not audited.
func (s *Service) Bootstrap(ctx context.Context) error {
	snap, last, err := s.latestPublished(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, gitrepo.ErrNotFound):
		s.log.Info("no published snapshot, starting empty", zap.String("dataset", s.cfg.DatasetID))
	case err != nil:
		return err
	default:
		if err := s.engine.Load(snap); err != nil {
			return fmt.Errorf("load snapshot: %w", err)
		}
		s.publishMu.Lock()
		s.last = last
		s.publishMu.Unlock()
		s.log.Info("loaded published snapshot",
			zap.String("dataset", s.cfg.DatasetID),
			zap.Uint64("revision", last.revision),
			zap.String("commit", last.commit))
	}

	s.reindexAll()
	s.worker.start()
	return nil
}

func (s *Service) latestPublished(ctx context.Context) (annotation.Snapshot, published, error) {
	if s.store != nil {
		rec, err := s.store.LatestSnapshot(ctx, s.cfg.DatasetID)
		if err == nil {
			var snap annotation.Snapshot
			if err := json.Unmarshal(rec.Payload, &snap); err != nil {
				return annotation.Snapshot{}, published{}, fmt.Errorf("decode stored snapshot %d: %w", rec.ID, err)
			}
			return snap, published{revision: rec.Revision, fingerprint: rec.Fingerprint, commit: rec.CommitHash}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return annotation.Snapshot{}, published{}, err
		}
	}
	if s.git == nil {
		return annotation.Snapshot{}, published{}, store.ErrNotFound
	}
	snap, info, err := s.git.HeadSnapshot(s.cfg.DatasetID)
	if err != nil {
		return annotation.Snapshot{}, published{}, err
	}
	fingerprint := info.Fingerprint
	if fingerprint == "" {
		if fingerprint, err = snap.Fingerprint(); err != nil {
			return annotation.Snapshot{}, published{}, err
		}
	}
	return snap, published{revision: snap.Revision, fingerprint: fingerprint, commit: info.Hash}, nil
}

// Close stops the change worker after it drains queued changes.
func (s *Service) Close() {
	s.worker.stop()
	s.hub.close()
}

const tokenLeeway = 30 * time.Second

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	verifier := auth.Verifier{Secret: []byte(s.cfg.TokenSecret), Audience: s.cfg.DatasetID, Leeway: tokenLeeway}
	claims, err := verifier.Verify(token)
	if err != nil {
		return Session{}, err
	}
	if s.revocations != nil {
		revoked, err := s.revocations.IsAccessTokenRevoked(ctx, claims.JTI)
		if err != nil {
			return Session{}, err
		}
		if revoked {
			return Session{}, auth.ErrInvalidToken
		}
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		Role:      rbac.Normalize(claims.Role),
		JTI:       claims.JTI,
		ExpiresAt: claims.ExpiresAt(),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session) error {
	if session.JTI == "" || s.revocations == nil {
		return nil
	}
	return s.revocations.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
}

func (s *Service) Can(role rbac.Role, action rbac.Action) bool {
	return rbac.Can(role, action)
}

func (s *Service) require(session Session, action rbac.Action) error {
	if s.Can(session.Role, action) {
		return nil
	}
	return forbidden(fmt.Sprintf("role %s may not %s", session.Role, action))
}

// Publish writes the current state to every configured destination at once.
// Publishing state identical to the last publish is a no-op.
func (s *Service) Publish(ctx context.Context, session Session, message string) (PublishResult, error) {
	if err := s.require(session, rbac.ActionPublish); err != nil {
		return PublishResult{}, err
	}
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	snap := s.engine.Snapshot()
	fingerprint, err := snap.Fingerprint()
	if err != nil {
		return PublishResult{}, err
	}
	if fingerprint == s.last.fingerprint {
		return PublishResult{Revision: s.last.revision, Fingerprint: fingerprint, Commit: s.last.commit, Unchanged: true}, nil
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return PublishResult{}, fmt.Errorf("marshal snapshot: %w", err)
	}

	result := PublishResult{Revision: snap.Revision, Fingerprint: fingerprint}
	g, gctx := errgroup.WithContext(ctx)
	if s.store != nil {
		g.Go(func() error {
			id, err := s.store.SaveSnapshot(gctx, store.SnapshotRecord{
				DatasetID:   s.cfg.DatasetID,
				Revision:    snap.Revision,
				Fingerprint: fingerprint,
				Payload:     payload,
				PublishedBy: session.UserID,
			})
			result.SnapshotID = id
			return err
		})
	}
	if s.git != nil {
		g.Go(func() error {
			info, err := s.git.CommitSnapshot(s.cfg.DatasetID, snap, firstNonBlank(session.UserName, session.UserID), message)
			result.Commit = info.Hash
			return err
		})
	}
	if s.archive != nil {
		g.Go(func() error {
			obj, err := s.archive.PutSnapshot(gctx, s.cfg.DatasetID, snap)
			if err == nil {
				result.Archive = &obj
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return PublishResult{}, fmt.Errorf("publish snapshot: %w", err)
	}

	if result.SnapshotID != 0 && result.Commit != "" {
		if err := s.store.AttachCommit(ctx, result.SnapshotID, result.Commit); err != nil {
			s.log.Warn("attach commit to snapshot", zap.Int64("snapshot", result.SnapshotID), zap.Error(err))
		}
	}
	s.last = published{revision: snap.Revision, fingerprint: fingerprint, commit: result.Commit}
	s.log.Info("published snapshot",
		zap.Uint64("revision", snap.Revision),
		zap.String("fingerprint", fingerprint),
		zap.String("commit", result.Commit),
		zap.String("by", session.UserID))
	return result, nil
}

func (s *Service) PublishHistory(limit int) ([]gitrepo.CommitInfo, error) {
	if s.git == nil {
		return []gitrepo.CommitInfo{}, nil
	}
	return s.git.History(s.cfg.DatasetID, limit)
}

func (s *Service) PublishedSnapshot(hash string) (annotation.Snapshot, gitrepo.CommitInfo, error) {
	if s.git == nil {
		return annotation.Snapshot{}, gitrepo.CommitInfo{}, gitrepo.ErrNotFound
	}
	return s.git.SnapshotByHash(s.cfg.DatasetID, hash)
}

// Restore replaces the live state with snap.
func (s *Service) Restore(session Session, snap annotation.Snapshot) error {
	if err := s.require(session, rbac.ActionPublish); err != nil {
		return err
	}
	if err := s.engine.Load(snap); err != nil {
		return err
	}
	s.log.Info("restored snapshot", zap.Uint64("revision", s.engine.Revision()), zap.String("by", session.UserID))
	return nil
}

func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text, Source: "none"}
	}
	return s.search.Search(q)
}

// Export renders a field report and, when requested, keeps a copy in the
// archive. Archive failures do not fail the export.
func (s *Service) Export(ctx context.Context, req export.Request, keep bool) (*export.Result, error) {
	if s.exporter == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export is not configured", nil)
	}
	res, err := s.exporter.Export(ctx, req)
	if err != nil {
		return nil, err
	}
	if keep && s.archive != nil {
		ext := strings.TrimPrefix(string(req.Format), ".")
		if _, err := s.archive.PutReport(ctx, s.cfg.DatasetID, req.Field, ext, res.MimeType, res.Data); err != nil {
			s.log.Warn("archive report", zap.String("field", req.Field), zap.Error(err))
		}
	}
	return res, nil
}

func (s *Service) Audit(ctx context.Context, field string, limit int) ([]store.AuditEntry, error) {
	if s.store == nil {
		return []store.AuditEntry{}, nil
	}
	return s.store.ListAudit(ctx, s.cfg.DatasetID, field, limit)
}

func (s *Service) Ping(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	return s.store.Ping(ctx)
}

// Events streams changes for server-sent events. With a shared feed every
// instance sees every change; otherwise only local ones.
func (s *Service) Events(ctx context.Context) (<-chan annotation.Change, func(), error) {
	if s.feed != nil {
		ch, err := s.feed.Subscribe(ctx)
		if err != nil {
			return nil, nil, err
		}
		return ch, func() {}, nil
	}
	ch, cancel := s.hub.subscribe()
	return ch, cancel, nil
}

func (s *Service) reindexAll() {
	if s.search == nil {
		return
	}
	var records []search.SuggestionRecord
	for _, key := range s.engine.Buckets("") {
		records = append(records, search.RecordsFor(s.cfg.DatasetID, key, s.engine.Suggestions(key))...)
	}
	s.search.ReindexAll(records)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
