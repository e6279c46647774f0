package registry

import (
	"context"
	"errors"
	"log/slog"

	"github.com/sakif/serviceuser/internal/apperror"
	"github.com/sakif/serviceuser/internal/model"
	"github.com/sakif/serviceuser/internal/repository"
)

// StoreConfig locates the registry file.
type StoreConfig struct {
	Project string // administrative repository, e.g. All-Projects
	Ref     string // e.g. refs/meta/config
	File    string // e.g. serviceuser.db
	Author  model.Identity
}

// Store reads and writes the registry file through the repository's
// compare-and-swap primitive. It does no caching; see Cache.
type Store struct {
	repos  repository.Repositories
	cfg    StoreConfig
	logger *slog.Logger
}

func NewStore(repos repository.Repositories, cfg StoreConfig, logger *slog.Logger) *Store {
	return &Store{repos: repos, cfg: cfg, logger: logger}
}

// Project returns the administrative repository name.
func (s *Store) Project() string { return s.cfg.Project }

// Ref returns the administrative branch.
func (s *Store) Ref() string { return s.cfg.Ref }

// Load reads the registry at the branch tip. A missing branch or file is an
// empty registry.
func (s *Store) Load(ctx context.Context) (*Registry, error) {
	repo, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	tip, doc, err := s.read(ctx, repo)
	if err != nil {
		return nil, err
	}
	return doc.snapshot(tip), nil
}

// Mutate applies fn to the document at the current tip and commits the
// result with message. A document fn leaves unchanged is not committed.
//
// If another writer moved the branch first, the error matches
// apperror.ErrConcurrentUpdate and the caller may retry.
func (s *Store) Mutate(ctx context.Context, fn func(*Document) error, message string) (*Registry, error) {
	repo, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	tip, doc, err := s.read(ctx, repo)
	if err != nil {
		return nil, err
	}

	if err := fn(doc); err != nil {
		return nil, err
	}
	if !doc.Changed() {
		return doc.snapshot(tip), nil
	}

	data, err := doc.encode()
	if err != nil {
		return nil, apperror.Internal("encoding registry", err)
	}
	id, err := repo.CommitFile(ctx, repository.CommitFileRequest{
		Ref:     s.cfg.Ref,
		Base:    tip,
		Path:    s.cfg.File,
		Content: data,
		Message: message,
		Author:  s.cfg.Author,
	})
	if err != nil {
		return nil, asIO("committing registry", err)
	}

	s.logger.Info("service user registry updated",
		slog.String("project", s.cfg.Project),
		slog.String("ref", s.cfg.Ref),
		slog.String("revision", id.String()),
	)
	return doc.snapshot(id), nil
}

func (s *Store) open(ctx context.Context) (repository.Repository, error) {
	repo, err := s.repos.Open(ctx, s.cfg.Project)
	if err != nil {
		return nil, asIO("opening "+s.cfg.Project, err)
	}
	return repo, nil
}

func (s *Store) read(ctx context.Context, repo repository.Repository) (model.ObjectID, *Document, error) {
	tip, err := repo.ReadRef(ctx, s.cfg.Ref)
	if err != nil {
		return model.ZeroID, nil, asIO("reading "+s.cfg.Ref, err)
	}
	if tip.IsZero() {
		return tip, emptyDocument(), nil
	}

	data, err := repo.ReadFile(ctx, tip, s.cfg.File)
	if errors.Is(err, apperror.ErrNotFound) {
		return tip, emptyDocument(), nil
	}
	if err != nil {
		return model.ZeroID, nil, asIO("reading "+s.cfg.File, err)
	}

	doc, err := parseDocument(data)
	if err != nil {
		return model.ZeroID, nil, err
	}
	return tip, doc, nil
}

// asIO keeps classified errors as they are and turns anything else into an
// IO error.
func asIO(op string, err error) error {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return apperror.IO(op, err)
}
