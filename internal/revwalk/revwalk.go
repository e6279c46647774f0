// Package revwalk computes "commits reachable from X but not from Y".
//
// TWO PASSES:
// A single walk from X that stops at boundary commits is not enough: a
// commit can be reachable from X along one path and from a boundary along
// another, e.g. a merge of an already published branch:
//
//	B --- M (X)
//	     /
//	    C ---- Y (boundary)
//
// Walking from X and stopping only at Y visits C, although C is already
// published. So the first pass collects candidates from X, stopping at
// boundary commits it meets, and the second pass walks from the boundary
// and removes every candidate it reaches. What survives is visited in the
// order the first pass discovered it.
package revwalk

import (
	"context"
	"errors"

	"github.com/sakif/serviceuser/internal/apperror"
	"github.com/sakif/serviceuser/internal/model"
)

// Graph exposes the parent edges of a commit graph.
type Graph interface {
	Parents(ctx context.Context, id model.ObjectID) ([]model.ObjectID, error)
}

// GraphFunc adapts a function to Graph.
type GraphFunc func(ctx context.Context, id model.ObjectID) ([]model.ObjectID, error)

func (f GraphFunc) Parents(ctx context.Context, id model.ObjectID) ([]model.ObjectID, error) {
	return f(ctx, id)
}

// Walk calls visit for every commit reachable from start that is not
// reachable from any boundary commit, in breadth-first order from start.
//
// Boundary commits unknown to the graph are ignored. A start commit that is
// itself reachable from the boundary yields no visits.
func Walk(ctx context.Context, g Graph, start model.ObjectID, boundary []model.ObjectID, visit func(model.ObjectID) error) error {
	if start.IsZero() {
		return nil
	}

	stop := make(map[model.ObjectID]bool, len(boundary))
	for _, b := range boundary {
		if !b.IsZero() {
			stop[b] = true
		}
	}

	// Pass 1: everything reachable from start, without crossing a boundary tip.
	var order []model.ObjectID
	candidates := make(map[model.ObjectID]bool)
	queue := []model.ObjectID{start}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		id := queue[0]
		queue = queue[1:]
		if stop[id] || candidates[id] {
			continue
		}
		candidates[id] = true
		order = append(order, id)

		parents, err := g.Parents(ctx, id)
		if err != nil {
			return err
		}
		queue = append(queue, parents...)
	}

	// Pass 2: drop candidates that some boundary tip can also reach. Stops
	// early once no candidate is left.
	seen := make(map[model.ObjectID]bool)
	remaining := len(candidates)
	queue = queue[:0]
	for id := range stop {
		queue = append(queue, id)
	}
	for len(queue) > 0 && remaining > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		if candidates[id] {
			delete(candidates, id)
			remaining--
		}

		parents, err := g.Parents(ctx, id)
		if err != nil {
			if stop[id] && errors.Is(err, apperror.ErrNotFound) {
				continue
			}
			return err
		}
		queue = append(queue, parents...)
	}

	for _, id := range order {
		if !candidates[id] {
			continue
		}
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}
