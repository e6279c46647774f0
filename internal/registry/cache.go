package registry

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/sakif/serviceuser/internal/model"
)

// Backend is the storage a Cache reads through. *Store implements it.
type Backend interface {
	Load(ctx context.Context) (*Registry, error)
	Mutate(ctx context.Context, fn func(*Document) error, message string) (*Registry, error)
}

// Cache holds one parsed registry snapshot.
//
// GENERATIONS:
// Invalidate bumps gen and drops the snapshot. A load remembers the gen it
// started in and installs its result only if gen is still the same when it
// finishes. Without that check this interleaving would cache stale data
// until the next invalidation:
//
//	Get: miss, start loading revision A
//	            administrator commits revision B, Invalidate
//	Get: load of A finishes, installs A   <- stale
//
// The result of a superseded load is still returned to its own callers;
// it was current when they asked.
//
// SINGLEFLIGHT:
// Every push consults the registry, so a miss after an invalidation can
// hit many goroutines at once. They share one load through singleflight,
// keyed by the generation, so callers from a newer generation never join
// a load that started before the invalidation.
type Cache struct {
	backend Backend
	logger  *slog.Logger

	mu       sync.RWMutex
	snapshot *Registry
	gen      uint64

	loads singleflight.Group
}

func NewCache(backend Backend, logger *slog.Logger) *Cache {
	return &Cache{backend: backend, logger: logger}
}

// Get returns the current snapshot, loading it on a miss. It never fails: a
// load error is logged and an empty registry is returned without caching it.
func (c *Cache) Get(ctx context.Context) *Registry {
	c.mu.RLock()
	snap, gen := c.snapshot, c.gen
	c.mu.RUnlock()
	if snap != nil {
		return snap
	}

	v, _, _ := c.loads.Do(strconv.FormatUint(gen, 10), func() (any, error) {
		return c.load(ctx, gen), nil
	})
	return v.(*Registry)
}

func (c *Cache) load(ctx context.Context, gen uint64) *Registry {
	c.mu.RLock()
	if c.gen == gen && c.snapshot != nil {
		snap := c.snapshot
		c.mu.RUnlock()
		return snap
	}
	c.mu.RUnlock()

	// The result is shared with other callers, so one caller's cancellation
	// must not fail the load for everyone.
	reg, err := c.backend.Load(context.WithoutCancel(ctx))
	if err != nil {
		c.logger.Error("loading service user registry",
			slog.String("error", err.Error()),
		)
		return Empty()
	}

	c.mu.Lock()
	if c.gen == gen {
		c.snapshot = reg
	}
	c.mu.Unlock()
	return reg
}

// Invalidate drops the snapshot. Idempotent and safe to call concurrently
// with Get.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.snapshot = nil
	c.gen++
	c.mu.Unlock()
}

// Mutate writes through the backend and invalidates afterwards, whether or
// not the write succeeded.
func (c *Cache) Mutate(ctx context.Context, fn func(*Document) error, message string) (*Registry, error) {
	defer c.Invalidate()
	return c.backend.Mutate(ctx, fn, message)
}

// InvalidationListener drops the cached snapshot when the administrative
// branch moves, whichever instance moved it.
type InvalidationListener struct {
	cache   *Cache
	project string
	ref     string
	logger  *slog.Logger
}

func NewInvalidationListener(cache *Cache, project, ref string, logger *slog.Logger) *InvalidationListener {
	return &InvalidationListener{cache: cache, project: project, ref: ref, logger: logger}
}

func (l *InvalidationListener) OnRefUpdated(_ context.Context, ev model.RefUpdate) {
	if ev.Project != l.project || ev.RefName != l.ref {
		return
	}
	l.cache.Invalidate()
	l.logger.Debug("service user registry invalidated",
		slog.String("event", ev.ID),
		slog.String("origin", ev.Origin),
		slog.String("revision", ev.NewID.String()),
	)
}
