// Package staterepo keeps a git history of each persisted document state:
// one repository per state, one state.json file, commits on every save.
package staterepo

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tagdoc/api/internal/tags"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const stateFile = "state.json"

// CommitInfo describes one entry of a state's history.
type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
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

// EnsureStateRepo initializes the repository for a state with a baseline
// commit of the given document. Existing repositories are left alone.
func (s *Service) EnsureStateRepo(stateID string, doc *tags.Document, author string) error {
	lock := s.stateLock(stateID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(stateID)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}

	hash, err := s.writeAndCommit(repo, doc, author, "Import state baseline")
	if err != nil {
		return err
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

// CommitState records the document as a new commit on main.
func (s *Service) CommitState(stateID string, doc *tags.Document, author, message string) (CommitInfo, error) {
	lock := s.stateLock(stateID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(stateID))
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}
	hash, err := s.writeAndCommit(repo, doc, author, message)
	if err != nil {
		return CommitInfo{}, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// History lists commits on main, newest first.
func (s *Service) History(stateID string, limit int) ([]CommitInfo, error) {
	lock := s.stateLock(stateID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(stateID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return nil, fmt.Errorf("resolve main: %w", err)
	}
	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// StateAt loads the document as it was at the given commit.
func (s *Service) StateAt(stateID, hash string) (*tags.Document, error) {
	lock := s.stateLock(stateID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(stateID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return nil, err
	}
	commitObj, err := repo.CommitObject(resolvedHash)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readStateFromCommit(commitObj)
}

// HasChanges reports whether two documents differ, comparing normalized
// JSON so map ordering never produces phantom commits.
func HasChanges(from, to *tags.Document) bool {
	return !bytes.Equal(normalizeJSON(from), normalizeJSON(to))
}

func (s *Service) repoPath(stateID string) string {
	return filepath.Join(s.baseDir, stateID)
}

func (s *Service) stateLock(stateID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[stateID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[stateID] = lock
	return lock
}

func (s *Service) writeAndCommit(repo *git.Repository, doc *tags.Document, author, message string) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("marshal state: %w", err)
	}
	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, stateFile), append(payload, '\n'), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", stateFile, err)
	}
	if _, err := worktree.Add(stateFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add state: %w", err)
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.tagdoc.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit state: %w", err)
	}
	return hash, nil
}

func readStateFromCommit(commitObj *object.Commit) (*tags.Document, error) {
	file, err := commitObj.File(stateFile)
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", stateFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open state reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read state bytes: %w", err)
	}
	var doc tags.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode commit state: %w", err)
	}
	return &doc, nil
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
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

func normalizeJSON(doc *tags.Document) []byte {
	if doc == nil {
		return nil
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return nil
	}
	return payload
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
