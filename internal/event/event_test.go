package event

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/serviceuser/internal/apperror"
	"github.com/sakif/serviceuser/internal/model"
	"github.com/sakif/serviceuser/internal/worker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recorder struct {
	mu     sync.Mutex
	events []model.RefUpdate
}

func (r *recorder) OnRefUpdated(_ context.Context, ev model.RefUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []model.RefUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.RefUpdate(nil), r.events...)
}

func TestBus_PublishStampsIDAndOrigin(t *testing.T) {
	bus := NewBus("instance-a", discardLogger())
	rec := &recorder{}
	bus.Subscribe(rec)

	bus.Publish(context.Background(), model.RefUpdate{Project: "p", RefName: "refs/heads/main"})
	bus.Publish(context.Background(), model.RefUpdate{ID: "given", Origin: "instance-b", Project: "p", RefName: "refs/heads/main"})

	events := rec.all()
	require.Len(t, events, 2)
	assert.NotEmpty(t, events[0].ID)
	assert.Equal(t, "instance-a", events[0].Origin)
	assert.Equal(t, "given", events[1].ID)
	assert.Equal(t, "instance-b", events[1].Origin)
}

func TestBus_OrderUnsubscribeAndPanics(t *testing.T) {
	bus := NewBus("a", discardLogger())
	var order []string

	bus.Subscribe(ListenerFunc(func(context.Context, model.RefUpdate) { order = append(order, "first") }))
	bus.Subscribe(ListenerFunc(func(context.Context, model.RefUpdate) { panic("listener bug") }))
	unsubscribe := bus.Subscribe(ListenerFunc(func(context.Context, model.RefUpdate) { order = append(order, "third") }))

	bus.Publish(context.Background(), model.RefUpdate{Project: "p", RefName: "refs/heads/main"})
	assert.Equal(t, []string{"first", "third"}, order)

	unsubscribe()
	order = nil
	bus.Publish(context.Background(), model.RefUpdate{Project: "p", RefName: "refs/heads/main"})
	assert.Equal(t, []string{"first"}, order)
}

func TestNotification_RefUpdate(t *testing.T) {
	hex := "e83c5163316f89bfbde7d9ab23ca2e25604af290"

	tests := []struct {
		name      string
		n         Notification
		wantField string
	}{
		{name: "valid", n: Notification{Project: "p", RefName: "refs/heads/main", NewID: hex}},
		{name: "missing project", n: Notification{RefName: "refs/heads/main", NewID: hex}, wantField: "project"},
		{name: "bad ref", n: Notification{Project: "p", RefName: "main", NewID: hex}, wantField: "refName"},
		{name: "bad id", n: Notification{Project: "p", RefName: "refs/heads/main", NewID: "xyz"}, wantField: "newId"},
		{name: "both zero", n: Notification{Project: "p", RefName: "refs/heads/main"}, wantField: "newId"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := tt.n.RefUpdate()
			if tt.wantField == "" {
				require.NoError(t, err)
				assert.Equal(t, hex, ev.NewID.String())
				assert.True(t, ev.IsCreate())
				return
			}
			var appErr *apperror.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, tt.wantField, appErr.Field)
		})
	}
}

func TestNotification_RoundTrip(t *testing.T) {
	ev := model.RefUpdate{ID: "id", Origin: "a", Project: "p", RefName: "refs/heads/main",
		OldID: model.ObjectID{1}, NewID: model.ObjectID{2}}

	data, err := json.Marshal(NewNotification(ev))
	require.NoError(t, err)
	var n Notification
	require.NoError(t, json.Unmarshal(data, &n))
	got, err := n.RefUpdate()
	require.NoError(t, err)
	assert.Equal(t, ev, got)
}

func TestForwarder(t *testing.T) {
	var mu sync.Mutex
	var received []Notification
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, HookPath, r.URL.Path)
		var n Notification
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&n))
		mu.Lock()
		received = append(received, n)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer peer.Close()

	f := NewForwarder("self", []string{peer.URL + "/", " "}, peer.Client(), nil, discardLogger())
	ctx := context.Background()

	f.OnRefUpdated(ctx, model.RefUpdate{ID: "local", Origin: "self", Project: "p", RefName: "refs/meta/config", NewID: model.ObjectID{1}})
	f.OnRefUpdated(ctx, model.RefUpdate{ID: "remote", Origin: "other", Project: "p", RefName: "refs/meta/config", NewID: model.ObjectID{2}})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "local", received[0].ID)
	assert.Equal(t, "self", received[0].Origin)
}

func TestForwarder_Queued(t *testing.T) {
	hits := make(chan struct{}, 1)
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits <- struct{}{}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer peer.Close()

	q := worker.New(worker.Config{Workers: 1, QueueSize: 1}, discardLogger())
	q.Start()
	defer q.Stop()

	f := NewForwarder("self", []string{peer.URL}, peer.Client(), q, discardLogger())
	f.OnRefUpdated(context.Background(), model.RefUpdate{Origin: "self", Project: "p", RefName: "refs/meta/config", NewID: model.ObjectID{1}})

	select {
	case <-hits:
	case <-time.After(2 * time.Second):
		t.Fatal("peer was not called")
	}
}
