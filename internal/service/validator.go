package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sakif/serviceuser/internal/apperror"
	"github.com/sakif/serviceuser/internal/model"
	"github.com/sakif/serviceuser/internal/repository"
)

// CommitValidator rejects commits from service users that no active human
// is accountable for.
//
// A nil error accepts. Errors match either apperror.ErrPolicyViolation or
// apperror.ErrInternal; both reject, the policy fails closed.
type CommitValidator struct {
	repos  repository.Repositories
	owners *OwnerResolver
	dir    repository.Directory
	logger *slog.Logger
}

func NewCommitValidator(repos repository.Repositories, owners *OwnerResolver, dir repository.Directory, logger *slog.Logger) *CommitValidator {
	return &CommitValidator{repos: repos, owners: owners, dir: dir, logger: logger}
}

// ValidateCommit decides on a single commit pushed to project.
func (v *CommitValidator) ValidateCommit(ctx context.Context, project string, c *model.Commit) error {
	u, err := v.owners.AsServiceUser(ctx, c.Committer)
	if err != nil {
		return v.internal(project, c.ID, err)
	}
	if u == nil {
		return nil
	}

	active, err := v.dir.IsAccountActive(ctx, u.CreatorID)
	if err != nil && !errors.Is(err, apperror.ErrNotFound) {
		return v.internal(project, c.ID, err)
	}
	if active {
		return nil
	}

	owners, err := v.owners.ActiveOwners(ctx, *u)
	if err != nil {
		return v.internal(project, c.ID, err)
	}
	if len(owners) > 0 {
		return nil
	}

	msg := fmt.Sprintf("commit %s rejected: the creator of service user %s <%s> is not active",
		c.ID, c.Committer.Name, c.Committer.Email)
	if u.HasOwner() {
		msg += fmt.Sprintf(" and owner group %s has no active members", u.Owner)
	}

	v.logger.Info("service user commit rejected",
		slog.String("project", project),
		slog.String("commit", c.ID.String()),
		slog.String("username", u.Username),
	)
	return apperror.PolicyViolation(msg)
}

// ValidatePush checks every commit ev would introduce. The first rejected
// commit rejects the whole push. Deletions are always accepted.
func (v *CommitValidator) ValidatePush(ctx context.Context, ev model.RefUpdate) error {
	if ev.IsDelete() {
		return nil
	}

	repo, err := v.repos.Open(ctx, ev.Project)
	if err != nil {
		return v.internal(ev.Project, ev.NewID, err)
	}
	commits, err := newCommits(ctx, repo, ev)
	if err != nil {
		return v.internal(ev.Project, ev.NewID, err)
	}

	for _, c := range commits {
		if err := v.ValidateCommit(ctx, ev.Project, c); err != nil {
			return err
		}
	}
	return nil
}

func (v *CommitValidator) internal(project string, commit model.ObjectID, err error) error {
	v.logger.Error("service user policy check failed",
		slog.String("project", project),
		slog.String("commit", commit.String()),
		slog.String("error", err.Error()),
	)
	return apperror.Internal(fmt.Sprintf("commit %s rejected: internal error while checking service user policy", commit), err)
}
