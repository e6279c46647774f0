package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sakif/serviceuser/internal/apperror"
	"github.com/sakif/serviceuser/internal/model"
	"github.com/sakif/serviceuser/internal/registry"
	"github.com/sakif/serviceuser/internal/repository"
)

// RegistryReader returns the current registry snapshot. *registry.Cache
// implements it.
type RegistryReader interface {
	Get(ctx context.Context) *registry.Registry
}

// OwnerResolver maps committer identities to service user records and
// lists the accounts accountable for them.
type OwnerResolver struct {
	dir      repository.Directory
	registry RegistryReader
	logger   *slog.Logger
}

func NewOwnerResolver(dir repository.Directory, reg RegistryReader, logger *slog.Logger) *OwnerResolver {
	return &OwnerResolver{dir: dir, registry: reg, logger: logger}
}

// AsServiceUser returns the record of the service user behind committer,
// or nil when committer is not a registered service user. Directory
// failures are returned as errors.
func (r *OwnerResolver) AsServiceUser(ctx context.Context, committer model.Identity) (*model.ServiceUser, error) {
	ident := fmt.Sprintf("%s <%s> ", committer.Name, committer.Email)

	account, err := r.dir.ResolveAccountByIdentity(ctx, ident)
	if errors.Is(err, apperror.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolving account for %q: %w", strings.TrimSpace(ident), err)
	}

	u, ok := r.registry.Get(ctx).Get(account.Username)
	if !ok {
		return nil, nil
	}
	return &u, nil
}

// Owners returns the recursive members of the user's owner group, or nil
// when no owner group is set.
func (r *OwnerResolver) Owners(ctx context.Context, u model.ServiceUser) ([]model.Account, error) {
	if !u.HasOwner() {
		return nil, nil
	}
	members, err := r.dir.GroupMembers(ctx, u.Owner, true)
	if err != nil {
		return nil, fmt.Errorf("listing members of owner group %s: %w", u.Owner, err)
	}
	return members, nil
}

// ActiveOwners is Owners filtered to accounts the directory reports active.
func (r *OwnerResolver) ActiveOwners(ctx context.Context, u model.ServiceUser) ([]model.Account, error) {
	owners, err := r.Owners(ctx, u)
	if err != nil {
		return nil, err
	}
	var active []model.Account
	for _, o := range owners {
		ok, err := r.dir.IsAccountActive(ctx, o.ID)
		if err != nil {
			return nil, fmt.Errorf("checking owner %d of %s: %w", o.ID, u.Username, err)
		}
		if ok {
			active = append(active, o)
		}
	}
	return active, nil
}

// ListOwners is the best-effort form of Owners used for audit notes: a
// failure is logged and yields an empty list.
func (r *OwnerResolver) ListOwners(ctx context.Context, u model.ServiceUser) []model.Account {
	owners, err := r.Owners(ctx, u)
	if err != nil {
		r.logOwnerFailure(u, err)
		return nil
	}
	return owners
}

// ListActiveOwners is the best-effort form of ActiveOwners.
func (r *OwnerResolver) ListActiveOwners(ctx context.Context, u model.ServiceUser) []model.Account {
	owners, err := r.ActiveOwners(ctx, u)
	if err != nil {
		r.logOwnerFailure(u, err)
		return nil
	}
	return owners
}

func (r *OwnerResolver) logOwnerFailure(u model.ServiceUser, err error) {
	r.logger.Error("owner lookup failed, treating service user as unowned",
		slog.String("username", u.Username),
		slog.String("owner", u.Owner),
		slog.String("error", err.Error()),
	)
}
