package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5"

	"github.com/sakif/serviceuser/internal/apperror"
	"github.com/sakif/serviceuser/internal/repository"
)

var _ repository.Repositories = (*Manager)(nil)

// Manager opens bare repositories named <basePath>/<project>.git and keeps
// them open for the life of the process.
type Manager struct {
	basePath string
	publish  Publisher
	logger   *slog.Logger

	mu    sync.Mutex
	repos map[string]*Repo
}

// NewManager creates a Manager. An empty basePath means only repositories
// registered with Add can be opened.
func NewManager(basePath string, publish Publisher, logger *slog.Logger) *Manager {
	return &Manager{
		basePath: basePath,
		publish:  publish,
		logger:   logger,
		repos:    make(map[string]*Repo),
	}
}

// BasePath returns the directory holding on-disk repositories.
func (m *Manager) BasePath() string {
	return m.basePath
}

// Add registers an already built repository, typically an in-memory one.
func (m *Manager) Add(r *Repo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.repos[r.Project()] = r
}

func (m *Manager) Open(_ context.Context, project string) (repository.Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.repos[project]; ok {
		return r, nil
	}

	path, err := m.path(project)
	if err != nil {
		return nil, err
	}
	g, err := git.PlainOpen(path)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, apperror.NotFound("project", project)
		}
		return nil, apperror.IO("opening "+project, err)
	}

	r := New(project, g, m.publish)
	m.repos[project] = r
	m.logger.Debug("opened repository", slog.String("project", project), slog.String("path", path))
	return r, nil
}

// OpenOrInit opens project, creating an empty bare repository (or an
// in-memory one when there is no base path) if it does not exist.
func (m *Manager) OpenOrInit(ctx context.Context, project string) (repository.Repository, error) {
	r, err := m.Open(ctx, project)
	if err == nil || !errors.Is(err, apperror.ErrNotFound) {
		return r, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.repos[project]; ok {
		return r, nil
	}

	var created *Repo
	if m.basePath == "" {
		created, err = NewMemory(project, m.publish)
		if err != nil {
			return nil, err
		}
	} else {
		path, err := m.path(project)
		if err != nil {
			return nil, err
		}
		g, err := git.PlainInit(path, true)
		if err != nil {
			return nil, apperror.IO("initializing "+project, err)
		}
		created = New(project, g, m.publish)
	}

	m.repos[project] = created
	m.logger.Info("initialized repository", slog.String("project", project))
	return created, nil
}

func (m *Manager) path(project string) (string, error) {
	if m.basePath == "" {
		return "", apperror.NotFound("project", project)
	}
	if project == "" || strings.HasPrefix(project, "/") || strings.Contains(project, "..") {
		return "", apperror.ValidationFailed("project", fmt.Sprintf("invalid project name %q", project))
	}
	return filepath.Join(m.basePath, filepath.FromSlash(project)+".git"), nil
}
