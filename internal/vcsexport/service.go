// Package vcsexport writes the version history of one (owner,label) into a
// local git repository for human-facing rollback tooling. It is an export
// path only: the relational log stays the single system of record, and
// nothing on the request path depends on these repositories.
package vcsexport

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"

	"mentora/memory/internal/codec"
	"mentora/memory/internal/schema"
	"mentora/memory/internal/store"
)

const (
	documentFile = "record.md"
	markerFile   = "VERSION"
)

// Service exports histories under baseDir/<owner>/<label>.
type Service struct {
	baseDir string
	reg     *schema.Registry
	cod     *codec.Codec
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string, reg *schema.Registry, cod *codec.Codec) *Service {
	return &Service{
		baseDir: baseDir,
		reg:     reg,
		cod:     cod,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Export renders every version of (owner,label) not yet committed and
// commits them in sequence order. Re-running is incremental and idempotent.
func (s *Service) Export(versions []store.Version, owner, label string) (int, error) {
	lock := s.repoLock(owner, label)
	lock.Lock()
	defer lock.Unlock()

	b, ok := s.reg.Get(label)
	if !ok {
		return 0, fmt.Errorf("export: unknown block label %q", label)
	}

	path := s.repoPath(owner, label)
	repo, err := s.openOrInit(path)
	if err != nil {
		return 0, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return 0, fmt.Errorf("open worktree: %w", err)
	}

	lastExported, err := readMarker(path)
	if err != nil {
		return 0, err
	}

	exported := 0
	for _, v := range versions {
		if v.Seq <= lastExported {
			continue
		}
		record, err := s.cod.Decode(b, s.reg.Generation(), v.Content)
		if err != nil {
			return exported, err
		}
		doc, err := s.cod.EncodeDocument(record, codec.Meta{
			Label:      label,
			Generation: s.reg.Generation(),
			UpdatedAt:  v.CreatedAt,
			Title:      owner + "/" + label,
		})
		if err != nil {
			return exported, err
		}

		if err := os.WriteFile(filepath.Join(path, documentFile), doc, 0o644); err != nil {
			return exported, fmt.Errorf("write document: %w", err)
		}
		if err := os.WriteFile(filepath.Join(path, markerFile), []byte(strconv.FormatInt(v.Seq, 10)+"\n"), 0o644); err != nil {
			return exported, fmt.Errorf("write marker: %w", err)
		}
		if _, err := worktree.Add(documentFile); err != nil {
			return exported, fmt.Errorf("git add document: %w", err)
		}
		if _, err := worktree.Add(markerFile); err != nil {
			return exported, fmt.Errorf("git add marker: %w", err)
		}

		message := v.Message
		if message == "" {
			message = fmt.Sprintf("version %d", v.Seq)
		}
		if _, err := worktree.Commit(message, &git.CommitOptions{
			Author: &object.Signature{
				Name:  v.Author,
				Email: fmt.Sprintf("%s@memory.mentora.local", sanitizeEmail(v.Author)),
				When:  v.CreatedAt,
			},
		}); err != nil {
			return exported, fmt.Errorf("commit version %d: %w", v.Seq, err)
		}
		exported++
	}
	return exported, nil
}

func (s *Service) openOrInit(path string) (*git.Repository, error) {
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(owner, label string) string {
	return filepath.Join(s.baseDir, owner, label)
}

func (s *Service) repoLock(owner, label string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	key := owner + "/" + label
	lock, ok := s.locks[key]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[key] = lock
	return lock
}

func readMarker(path string) (int64, error) {
	raw, err := os.ReadFile(filepath.Join(path, markerFile))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read marker: %w", err)
	}
	seq, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse marker: %w", err)
	}
	return seq, nil
}

func sanitizeEmail(input string) string {
	runes := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			runes = append(runes, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			runes = append(runes, '.')
		}
	}
	if len(runes) == 0 {
		return "user"
	}
	return string(runes)
}
