package registry_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/serviceuser/internal/model"
	"github.com/sakif/serviceuser/internal/registry"
)

// countingBackend wraps a Store, counting loads and optionally holding
// each load until release is closed.
type countingBackend struct {
	store   *registry.Store
	loads   atomic.Int32
	started chan struct{}
	release chan struct{}
	fail    atomic.Bool
}

func (b *countingBackend) Load(ctx context.Context) (*registry.Registry, error) {
	b.loads.Add(1)
	if b.started != nil {
		b.started <- struct{}{}
	}
	if b.release != nil {
		<-b.release
	}
	if b.fail.Load() {
		return nil, errors.New("repository unavailable")
	}
	return b.store.Load(ctx)
}

func (b *countingBackend) Mutate(ctx context.Context, fn func(*registry.Document) error, message string) (*registry.Registry, error) {
	return b.store.Mutate(ctx, fn, message)
}

func newCache(t *testing.T) (*registry.Cache, *countingBackend) {
	t.Helper()
	store, _ := newStore(t)
	backend := &countingBackend{store: store}
	return registry.NewCache(backend, discardLogger()), backend
}

func TestCache_GetCachesSnapshot(t *testing.T) {
	ctx := context.Background()
	cache, backend := newCache(t)

	first := cache.Get(ctx)
	second := cache.Get(ctx)
	assert.Same(t, first, second)
	assert.Equal(t, int32(1), backend.loads.Load())
}

func TestCache_MutateInvalidates(t *testing.T) {
	ctx := context.Background()
	cache, _ := newCache(t)
	assert.Equal(t, 0, cache.Get(ctx).Len())

	_, err := cache.Mutate(ctx, register(model.ServiceUser{Username: "bot", CreatorID: 1, CreatedAt: "now"}), "Create service user bot")
	require.NoError(t, err)

	_, ok := cache.Get(ctx).Get("bot")
	assert.True(t, ok, "local write must be visible to the writer's next read")
}

func TestCache_InvalidateSeesConcurrentWriter(t *testing.T) {
	ctx := context.Background()
	cache, backend := newCache(t)
	assert.Equal(t, 0, cache.Get(ctx).Len())

	// another instance writes straight to the store
	_, err := backend.store.Mutate(ctx, register(model.ServiceUser{Username: "bot", CreatorID: 1, CreatedAt: "now"}), "m")
	require.NoError(t, err)
	assert.Equal(t, 0, cache.Get(ctx).Len(), "stale until invalidated")

	cache.Invalidate()
	cache.Invalidate()
	assert.Equal(t, 1, cache.Get(ctx).Len())
}

func TestCache_LoadFailureReturnsEmptyUncached(t *testing.T) {
	ctx := context.Background()
	cache, backend := newCache(t)
	backend.fail.Store(true)

	reg := cache.Get(ctx)
	assert.Equal(t, 0, reg.Len())

	backend.fail.Store(false)
	cache.Get(ctx)
	assert.Equal(t, int32(2), backend.loads.Load(), "failed load must not be cached")
}

func TestCache_ConcurrentMissesLoadOnce(t *testing.T) {
	cache, backend := newCache(t)
	backend.started = make(chan struct{}, 16)
	backend.release = make(chan struct{})

	const readers = 16
	var wg sync.WaitGroup
	results := make([]*registry.Registry, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = cache.Get(context.Background())
		}(i)
	}

	<-backend.started
	// let the other readers pile up on the in-flight load
	time.Sleep(50 * time.Millisecond)
	close(backend.release)
	wg.Wait()

	assert.Equal(t, int32(1), backend.loads.Load())
	for _, r := range results {
		assert.Same(t, results[0], r)
	}
}

func TestCache_LoadStartedBeforeInvalidateIsNotInstalled(t *testing.T) {
	ctx := context.Background()
	cache, backend := newCache(t)
	backend.started = make(chan struct{}, 4)
	backend.release = make(chan struct{})

	done := make(chan *registry.Registry)
	go func() { done <- cache.Get(ctx) }()
	<-backend.started

	// a writer commits and invalidates while the old load is in flight
	_, err := backend.store.Mutate(ctx, register(model.ServiceUser{Username: "bot", CreatorID: 1, CreatedAt: "now"}), "m")
	require.NoError(t, err)
	cache.Invalidate()
	close(backend.release)
	<-done

	_, ok := cache.Get(ctx).Get("bot")
	assert.True(t, ok)
	assert.Equal(t, int32(2), backend.loads.Load())
}

func TestInvalidationListener(t *testing.T) {
	ctx := context.Background()
	cache, backend := newCache(t)
	listener := registry.NewInvalidationListener(cache, "All-Projects", "refs/meta/config", discardLogger())

	cache.Get(ctx)
	listener.OnRefUpdated(ctx, model.RefUpdate{Project: "other", RefName: "refs/meta/config"})
	listener.OnRefUpdated(ctx, model.RefUpdate{Project: "All-Projects", RefName: "refs/heads/main"})
	cache.Get(ctx)
	assert.Equal(t, int32(1), backend.loads.Load())

	listener.OnRefUpdated(ctx, model.RefUpdate{Project: "All-Projects", RefName: "refs/meta/config"})
	cache.Get(ctx)
	assert.Equal(t, int32(2), backend.loads.Load())
}
