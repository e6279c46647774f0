// Package event delivers ref update notifications to in-process listeners
// and to peer instances.
package event

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/rs/xid"

	"github.com/sakif/serviceuser/internal/model"
)

// Listener reacts to ref updates. Implementations must tolerate duplicate
// and out-of-order delivery.
type Listener interface {
	OnRefUpdated(ctx context.Context, ev model.RefUpdate)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, ev model.RefUpdate)

func (f ListenerFunc) OnRefUpdated(ctx context.Context, ev model.RefUpdate) {
	f(ctx, ev)
}

// Bus fans ref updates out to subscribed listeners, synchronously and in
// subscription order.
type Bus struct {
	origin string
	logger *slog.Logger

	mu        sync.RWMutex
	nextID    int
	listeners map[int]Listener
}

// NewBus creates a bus. origin identifies this instance and is stamped on
// every event published without one.
func NewBus(origin string, logger *slog.Logger) *Bus {
	return &Bus{
		origin:    origin,
		logger:    logger,
		listeners: make(map[int]Listener),
	}
}

func (b *Bus) Origin() string {
	return b.origin
}

// Subscribe registers l and returns a function that removes it.
func (b *Bus) Subscribe(l Listener) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = l
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

// Publish delivers ev to every listener. A panicking listener is logged
// and does not stop delivery to the others.
func (b *Bus) Publish(ctx context.Context, ev model.RefUpdate) {
	if ev.ID == "" {
		ev.ID = xid.New().String()
	}
	if ev.Origin == "" {
		ev.Origin = b.origin
	}

	b.mu.RLock()
	ids := make([]int, 0, len(b.listeners))
	for id := range b.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]Listener, len(ids))
	for i, id := range ids {
		listeners[i] = b.listeners[id]
	}
	b.mu.RUnlock()

	b.logger.Debug("publishing ref update",
		slog.String("event", ev.ID),
		slog.String("origin", ev.Origin),
		slog.String("project", ev.Project),
		slog.String("ref", ev.RefName),
		slog.Int("listeners", len(listeners)),
	)
	for _, l := range listeners {
		b.deliver(ctx, l, ev)
	}
}

func (b *Bus) deliver(ctx context.Context, l Listener, ev model.RefUpdate) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("ref update listener panicked",
				slog.String("event", ev.ID),
				slog.Any("panic", r),
			)
		}
	}()
	l.OnRefUpdated(ctx, ev)
}
