package service

import (
	"context"

	"github.com/sakif/serviceuser/internal/model"
	"github.com/sakif/serviceuser/internal/repository"
	"github.com/sakif/serviceuser/internal/revwalk"
)

// commitGraph reads commits from a repository, remembering each one so the
// walk and the caller do not fetch the same commit twice.
type commitGraph struct {
	repo    repository.Repository
	commits map[model.ObjectID]*model.Commit
}

func newCommitGraph(repo repository.Repository) *commitGraph {
	return &commitGraph{repo: repo, commits: make(map[model.ObjectID]*model.Commit)}
}

func (g *commitGraph) commit(ctx context.Context, id model.ObjectID) (*model.Commit, error) {
	if c, ok := g.commits[id]; ok {
		return c, nil
	}
	c, err := g.repo.Commit(ctx, id)
	if err != nil {
		return nil, err
	}
	g.commits[id] = c
	return c, nil
}

func (g *commitGraph) Parents(ctx context.Context, id model.ObjectID) ([]model.ObjectID, error) {
	c, err := g.commit(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.Parents, nil
}

// newCommits returns the commits ev introduced: reachable from the new tip
// but not from the old tip or any other branch or tag.
//
// A single commit fast-forwarded onto the old tip only needs the old tip as
// boundary; anything else (merges, rebases, new branches) is bounded by the
// tips of every other ref.
func newCommits(ctx context.Context, repo repository.Repository, ev model.RefUpdate) ([]*model.Commit, error) {
	if ev.IsDelete() {
		return nil, nil
	}

	g := newCommitGraph(repo)
	tip, err := g.commit(ctx, ev.NewID)
	if err != nil {
		return nil, err
	}

	var boundary []model.ObjectID
	if len(tip.Parents) == 1 && tip.Parents[0] == ev.OldID {
		boundary = []model.ObjectID{ev.OldID}
	} else {
		refs, err := repo.Refs(ctx)
		if err != nil {
			return nil, err
		}
		for _, ref := range refs {
			if ref.Name != ev.RefName {
				boundary = append(boundary, ref.Target)
			}
		}
		if !ev.OldID.IsZero() {
			boundary = append(boundary, ev.OldID)
		}
	}

	var out []*model.Commit
	err = revwalk.Walk(ctx, g, ev.NewID, boundary, func(id model.ObjectID) error {
		c, err := g.commit(ctx, id)
		if err != nil {
			return err
		}
		out = append(out, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
