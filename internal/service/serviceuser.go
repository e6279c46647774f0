// Package service holds the business logic: the administrative write path
// for service users, the owner resolver shared by the audit and policy
// code, the audit note engine and the commit policy validator.
//
// Everything here depends on the interfaces in package repository and on
// the registry cache, never on a concrete storage adapter, so tests run on
// hand-written fakes or in-memory repositories.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sakif/serviceuser/internal/apperror"
	"github.com/sakif/serviceuser/internal/model"
	"github.com/sakif/serviceuser/internal/namepolicy"
	"github.com/sakif/serviceuser/internal/registry"
	"github.com/sakif/serviceuser/internal/repository"
)

// maxConflictRetries bounds retries of a registry write that lost the
// compare-and-swap race.
const maxConflictRetries = 3

// RegisterRequest is the input of ServiceUserService.Register.
type RegisterRequest struct {
	Username  string
	CreatorID int64
	Owner     string // optional group ref
}

// ServiceUserService registers service users and manages their owners.
type ServiceUserService struct {
	cache  *registry.Cache
	dir    repository.Directory
	policy *namepolicy.Holder
	now    func() time.Time
	logger *slog.Logger
}

func NewServiceUserService(cache *registry.Cache, dir repository.Directory, policy *namepolicy.Holder, logger *slog.Logger) *ServiceUserService {
	return &ServiceUserService{
		cache:  cache,
		dir:    dir,
		policy: policy,
		now:    time.Now,
		logger: logger,
	}
}

// Register records a new service user. Registering a username that already
// exists returns the existing record unchanged.
func (s *ServiceUserService) Register(ctx context.Context, req RegisterRequest) (*model.ServiceUser, error) {
	// === VALIDATION ===
	username := strings.TrimSpace(req.Username)
	if username == "" {
		return nil, apperror.ValidationFailed("username", "username is required")
	}
	if !namepolicy.ValidUsername(username) {
		return nil, apperror.ValidationFailed("username", fmt.Sprintf("invalid username %q", username))
	}
	if rule, blocked := s.policy.Policy().Match(username); blocked {
		s.logger.Info("blocked service user name rejected",
			slog.String("username", username),
			slog.String("rule", rule.Entry),
			slog.String("kind", rule.Kind.String()),
		)
		return nil, apperror.ValidationFailed("username", fmt.Sprintf("username %q is not allowed", username))
	}

	creator, err := s.dir.AccountByID(ctx, req.CreatorID)
	if errors.Is(err, apperror.ErrNotFound) {
		return nil, apperror.ValidationFailed("creatorId", fmt.Sprintf("unknown creator account %d", req.CreatorID))
	}
	if err != nil {
		return nil, fmt.Errorf("looking up creator %d: %w", req.CreatorID, err)
	}

	owner := strings.TrimSpace(req.Owner)
	if err := s.checkGroup(ctx, owner); err != nil {
		return nil, err
	}

	// === WRITE ===
	candidate := model.ServiceUser{
		Username:    username,
		CreatorID:   creator.ID,
		CreatorName: creator.FullName,
		CreatedAt:   s.now().Format(model.CreatedAtLayout),
		Owner:       owner,
	}
	var stored model.ServiceUser
	var added bool
	_, err = s.mutate(ctx, func(doc *registry.Document) error {
		stored, added = doc.Add(candidate)
		return nil
	}, fmt.Sprintf("Create service user '%s'", username))
	if err != nil {
		return nil, err
	}

	if added {
		s.logger.Info("service user registered",
			slog.String("username", username),
			slog.Int64("creatorId", creator.ID),
		)
	}
	return &stored, nil
}

// SetOwner sets the owner group of username; an empty groupRef clears it.
func (s *ServiceUserService) SetOwner(ctx context.Context, username, groupRef string) (*model.ServiceUser, error) {
	groupRef = strings.TrimSpace(groupRef)
	if err := s.checkGroup(ctx, groupRef); err != nil {
		return nil, err
	}

	msg := fmt.Sprintf("Set owner for service user '%s' to '%s'", username, groupRef)
	if groupRef == "" {
		msg = fmt.Sprintf("Remove owner of service user '%s'", username)
	}
	reg, err := s.mutate(ctx, func(doc *registry.Document) error {
		return doc.SetOwner(username, groupRef)
	}, msg)
	if err != nil {
		return nil, err
	}

	u, ok := reg.Get(username)
	if !ok {
		return nil, apperror.NotFound("service user", username)
	}
	return &u, nil
}

// Remove deletes the registry record of username. The account itself is
// left alone.
func (s *ServiceUserService) Remove(ctx context.Context, username string) error {
	_, err := s.mutate(ctx, func(doc *registry.Document) error {
		if !doc.Remove(username) {
			return apperror.NotFound("service user", username)
		}
		return nil
	}, fmt.Sprintf("Delete service user '%s'", username))
	return err
}

func (s *ServiceUserService) Get(ctx context.Context, username string) (*model.ServiceUser, error) {
	u, ok := s.cache.Get(ctx).Get(username)
	if !ok {
		return nil, apperror.NotFound("service user", username)
	}
	return &u, nil
}

func (s *ServiceUserService) List(ctx context.Context) []model.ServiceUser {
	return s.cache.Get(ctx).List()
}

func (s *ServiceUserService) checkGroup(ctx context.Context, groupRef string) error {
	if groupRef == "" {
		return nil
	}
	_, err := s.dir.GroupByRef(ctx, groupRef)
	if errors.Is(err, apperror.ErrNotFound) {
		return apperror.ValidationFailed("owner", fmt.Sprintf("group %s does not exist", groupRef))
	}
	if err != nil {
		return fmt.Errorf("looking up group %s: %w", groupRef, err)
	}
	return nil
}

func (s *ServiceUserService) mutate(ctx context.Context, fn func(*registry.Document) error, message string) (*registry.Registry, error) {
	for attempt := 0; ; attempt++ {
		reg, err := s.cache.Mutate(ctx, fn, message)
		if err == nil {
			return reg, nil
		}
		if !errors.Is(err, apperror.ErrConcurrentUpdate) || attempt == maxConflictRetries {
			return nil, err
		}
		s.logger.Warn("service user registry changed concurrently, retrying",
			slog.Int("attempt", attempt+1),
		)
	}
}
