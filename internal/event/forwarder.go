package event

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sakif/serviceuser/internal/model"
	"github.com/sakif/serviceuser/internal/worker"
)

// HookPath is where instances accept forwarded notifications.
const HookPath = "/hooks/ref-updated"

// Forwarder posts locally originated ref updates to peer instances so their
// caches and listeners see writes made here. Events that came from a peer
// are not forwarded again.
type Forwarder struct {
	origin string
	peers  []string
	client *http.Client
	queue  *worker.Queue
	logger *slog.Logger
}

// NewForwarder creates a Forwarder. With a nil queue, posts happen in the
// publishing goroutine.
func NewForwarder(origin string, peers []string, client *http.Client, queue *worker.Queue, logger *slog.Logger) *Forwarder {
	urls := make([]string, 0, len(peers))
	for _, p := range peers {
		if p = strings.TrimRight(strings.TrimSpace(p), "/"); p != "" {
			urls = append(urls, p+HookPath)
		}
	}
	return &Forwarder{origin: origin, peers: urls, client: client, queue: queue, logger: logger}
}

func (f *Forwarder) OnRefUpdated(ctx context.Context, ev model.RefUpdate) {
	if ev.Origin != f.origin || len(f.peers) == 0 {
		return
	}

	body, err := json.Marshal(NewNotification(ev))
	if err != nil {
		f.logger.Error("encoding ref update", slog.String("error", err.Error()))
		return
	}

	send := func(ctx context.Context) {
		for _, url := range f.peers {
			if err := f.post(ctx, url, body); err != nil {
				f.logger.Warn("forwarding ref update failed",
					slog.String("event", ev.ID),
					slog.String("peer", url),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	if f.queue == nil {
		send(ctx)
		return
	}
	if _, err := f.queue.Submit(ctx, "forward "+ev.ID, send); err != nil {
		f.logger.Warn("ref update not forwarded",
			slog.String("event", ev.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (f *Forwarder) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("peer answered %s", resp.Status)
	}
	return nil
}
