// Package gitrepo keeps one git repository per dataset. Every publish commits
// the dataset's annotation snapshot to main, so published states stay
// reviewable with ordinary git tooling.
package gitrepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"cellucid/annotation/internal/annotation"
)

const (
	snapshotFile = "snapshot.json"
	mainBranch   = "main"
)

var ErrNotFound = errors.New("gitrepo: not found")

type CommitInfo struct {
	Hash        string    `json:"hash"`
	FullHash    string    `json:"fullHash"`
	Message     string    `json:"message"`
	Author      string    `json:"author"`
	CreatedAt   time.Time `json:"createdAt"`
	Revision    uint64    `json:"revision"`
	Fingerprint string    `json:"fingerprint,omitempty"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// CommitSnapshot writes snap to the dataset repo and commits it on main,
// creating the repo on first use. A snapshot identical to HEAD produces no
// commit; HEAD is returned instead.
func (s *Service) CommitSnapshot(dataset string, snap annotation.Snapshot, author, message string) (CommitInfo, error) {
	lock := s.datasetLock(dataset)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(dataset)
	if err != nil {
		return CommitInfo{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return CommitInfo{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(filepath.Join(worktree.Filesystem.Root(), snapshotFile), append(payload, '\n'), 0o644); err != nil {
		return CommitInfo{}, fmt.Errorf("write %s: %w", snapshotFile, err)
	}
	if _, err := worktree.Add(snapshotFile); err != nil {
		return CommitInfo{}, fmt.Errorf("git add snapshot: %w", err)
	}

	status, err := worktree.Status()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("worktree status: %w", err)
	}
	if status.IsClean() {
		if head, err := repo.Head(); err == nil {
			commitObj, err := repo.CommitObject(head.Hash())
			if err != nil {
				return CommitInfo{}, fmt.Errorf("read head commit: %w", err)
			}
			return toCommitInfo(commitObj), nil
		}
	}

	fingerprint, err := snap.Fingerprint()
	if err != nil {
		return CommitInfo{}, err
	}
	if strings.TrimSpace(message) == "" {
		message = fmt.Sprintf("Publish revision %d", snap.Revision)
	}
	full := fmt.Sprintf("%s\n\nrevision: %d\nfingerprint: %s\n", message, snap.Revision, fingerprint)

	hash, err := worktree.Commit(full, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.cellucid.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return CommitInfo{}, fmt.Errorf("commit snapshot: %w", err)
	}

	tag := fmt.Sprintf("rev-%d", snap.Revision)
	if _, err := repo.CreateTag(tag, hash, nil); err != nil && !errors.Is(err, git.ErrTagExists) {
		return CommitInfo{}, fmt.Errorf("create tag %s: %w", tag, err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// HeadSnapshot returns the latest published snapshot.
func (s *Service) HeadSnapshot(dataset string) (annotation.Snapshot, CommitInfo, error) {
	lock := s.datasetLock(dataset)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(dataset)
	if err != nil {
		return annotation.Snapshot{}, CommitInfo{}, err
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return annotation.Snapshot{}, CommitInfo{}, ErrNotFound
	}
	if err != nil {
		return annotation.Snapshot{}, CommitInfo{}, fmt.Errorf("resolve branch %s: %w", mainBranch, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return annotation.Snapshot{}, CommitInfo{}, fmt.Errorf("load commit object: %w", err)
	}
	snap, err := readSnapshotFromCommit(commitObj)
	if err != nil {
		return annotation.Snapshot{}, CommitInfo{}, err
	}
	return snap, toCommitInfo(commitObj), nil
}

// SnapshotByHash accepts full or abbreviated hashes and tag names.
func (s *Service) SnapshotByHash(dataset, hash string) (annotation.Snapshot, CommitInfo, error) {
	lock := s.datasetLock(dataset)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(dataset)
	if err != nil {
		return annotation.Snapshot{}, CommitInfo{}, err
	}
	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return annotation.Snapshot{}, CommitInfo{}, err
	}
	commitObj, err := repo.CommitObject(resolvedHash)
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return annotation.Snapshot{}, CommitInfo{}, fmt.Errorf("commit %s: %w", hash, ErrNotFound)
	}
	if err != nil {
		return annotation.Snapshot{}, CommitInfo{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	snap, err := readSnapshotFromCommit(commitObj)
	if err != nil {
		return annotation.Snapshot{}, CommitInfo{}, err
	}
	return snap, toCommitInfo(commitObj), nil
}

// History lists published commits, newest first. A dataset that was never
// published has an empty history.
func (s *Service) History(dataset string, limit int) ([]CommitInfo, error) {
	lock := s.datasetLock(dataset)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(dataset)
	if errors.Is(err, ErrNotFound) {
		return []CommitInfo{}, nil
	}
	if err != nil {
		return nil, err
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return []CommitInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", mainBranch, err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

func (s *Service) repoPath(dataset string) string {
	return filepath.Join(s.baseDir, dataset)
}

func (s *Service) open(dataset string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(dataset))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("repo %s: %w", dataset, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) openOrInit(dataset string) (*git.Repository, error) {
	path := s.repoPath(dataset)
	if _, err := os.Stat(path); err == nil {
		return s.open(dataset)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	// HEAD points at an unborn main so the first commit creates it.
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))); err != nil {
		return nil, fmt.Errorf("set HEAD to %s: %w", mainBranch, err)
	}
	return repo, nil
}

func (s *Service) datasetLock(dataset string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[dataset]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[dataset] = lock
	return lock
}

func readSnapshotFromCommit(commitObj *object.Commit) (annotation.Snapshot, error) {
	file, err := commitObj.File(snapshotFile)
	if err != nil {
		return annotation.Snapshot{}, fmt.Errorf("load %s from commit: %w", snapshotFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return annotation.Snapshot{}, fmt.Errorf("open snapshot reader: %w", err)
	}
	defer reader.Close()

	var snap annotation.Snapshot
	if err := json.NewDecoder(reader).Decode(&snap); err != nil {
		return annotation.Snapshot{}, fmt.Errorf("decode commit snapshot: %w", err)
	}
	return snap, nil
}

// toCommitInfo reads the revision and fingerprint trailers written by
// CommitSnapshot back out of the message.
func toCommitInfo(commitObj *object.Commit) CommitInfo {
	info := CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		FullHash:  commitObj.Hash.String(),
		Message:   strings.TrimSpace(commitObj.Message),
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
	for _, line := range strings.Split(commitObj.Message, "\n") {
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		switch key {
		case "revision":
			if rev, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64); err == nil {
				info.Revision = rev
			}
		case "fingerprint":
			info.Fingerprint = strings.TrimSpace(value)
		}
	}
	if subject, _, ok := strings.Cut(info.Message, "\n"); ok {
		info.Message = subject
	}
	return info
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return plumbing.ZeroHash, fmt.Errorf("empty hash: %w", ErrNotFound)
	}
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, ErrNotFound)
	}
	return *resolved, nil
}
