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
	"github.com/sakif/serviceuser/internal/repository"
	"github.com/sakif/serviceuser/internal/worker"
)

const noteBatchTitle = "Update notes for service user commits"

// NoteConfig configures where and as whom audit notes are written.
type NoteConfig struct {
	Ref    string // e.g. refs/notes/serviceuser
	Author model.Identity
}

// NoteEngine attaches an audit note to every new commit made by a service
// user. One ref update produces at most one commit on the notes ref.
type NoteEngine struct {
	repos  repository.Repositories
	owners *OwnerResolver
	dir    repository.Directory
	cfg    NoteConfig
	now    func() time.Time
	logger *slog.Logger
}

func NewNoteEngine(repos repository.Repositories, owners *OwnerResolver, dir repository.Directory, cfg NoteConfig, logger *slog.Logger) *NoteEngine {
	return &NoteEngine{
		repos:  repos,
		owners: owners,
		dir:    dir,
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
	}
}

// Process audits the commits introduced by ev and returns the new notes
// commit, or ZeroID when nothing needed a note. Nothing is written unless
// every commit was processed.
func (e *NoteEngine) Process(ctx context.Context, ev model.RefUpdate) (model.ObjectID, error) {
	if ev.IsDelete() || strings.HasPrefix(ev.RefName, "refs/notes/") {
		return model.ZeroID, nil
	}

	repo, err := e.repos.Open(ctx, ev.Project)
	if err != nil {
		return model.ZeroID, fmt.Errorf("opening %s: %w", ev.Project, err)
	}
	commits, err := newCommits(ctx, repo, ev)
	if err != nil {
		return model.ZeroID, fmt.Errorf("walking %s %s..%s: %w", ev.RefName, ev.OldID, ev.NewID, err)
	}

	now := e.now()
	notes := make(map[model.ObjectID]model.ObjectID)
	var summaries []string
	for _, c := range commits {
		u, err := e.owners.AsServiceUser(ctx, c.Committer)
		if err != nil {
			return model.ZeroID, fmt.Errorf("resolving committer of %s: %w", c.ID, err)
		}
		if u == nil {
			continue
		}

		body := e.render(ctx, ev, *u, now)
		existing, err := repo.ReadNote(ctx, e.cfg.Ref, c.ID)
		switch {
		case err == nil && sameAudit(string(existing), body):
			// redelivered event: the note already says this
			continue
		case err != nil && !errors.Is(err, apperror.ErrNotFound):
			return model.ZeroID, fmt.Errorf("reading note for %s: %w", c.ID, err)
		}

		blob, err := repo.CreateBlob(ctx, []byte(body))
		if err != nil {
			return model.ZeroID, fmt.Errorf("storing note for %s: %w", c.ID, err)
		}
		notes[c.ID] = blob
		summaries = append(summaries, "* "+c.Summary())
	}
	if len(notes) == 0 {
		return model.ZeroID, nil
	}

	author := e.cfg.Author
	author.When = now
	id, err := repo.WriteNotes(ctx, repository.WriteNotesRequest{
		Ref:     e.cfg.Ref,
		Notes:   notes,
		Message: noteBatchTitle + "\n\n" + strings.Join(summaries, "\n") + "\n",
		Author:  author,
	})
	if err != nil {
		return model.ZeroID, fmt.Errorf("writing %s: %w", e.cfg.Ref, err)
	}

	e.logger.Info("service user commits annotated",
		slog.String("project", ev.Project),
		slog.String("ref", ev.RefName),
		slog.Int("notes", len(notes)),
		slog.String("notesCommit", id.String()),
	)
	return id, nil
}

// OnRefUpdated runs Process as an event listener. Failures never reach
// the pusher; they are logged and the batch is dropped.
func (e *NoteEngine) OnRefUpdated(ctx context.Context, ev model.RefUpdate) {
	if _, err := e.Process(ctx, ev); err != nil {
		e.logger.Error("audit notes not written",
			slog.String("event", ev.ID),
			slog.String("project", ev.Project),
			slog.String("ref", ev.RefName),
			slog.String("error", err.Error()),
		)
	}
}

func (e *NoteEngine) render(ctx context.Context, ev model.RefUpdate, u model.ServiceUser, now time.Time) string {
	var b strings.Builder
	header := func(key, value string) {
		b.WriteString(key)
		b.WriteString(": ")
		b.WriteString(value)
		b.WriteByte('\n')
	}

	header("Date", now.Format(model.CreatedAtLayout))
	header("Project", ev.Project)
	header("Branch", ev.RefName)
	header("CreatedBy", e.creator(ctx, u).DisplayIdentity())
	for _, owner := range e.owners.ListOwners(ctx, u) {
		header("Owner", owner.DisplayIdentity())
	}
	return b.String()
}

// sameAudit compares two notes ignoring their Date lines.
func sameAudit(a, b string) bool {
	return stripDate(a) == stripDate(b)
}

func stripDate(note string) string {
	var b strings.Builder
	for _, line := range strings.SplitAfter(note, "\n") {
		if !strings.HasPrefix(line, "Date: ") {
			b.WriteString(line)
		}
	}
	return b.String()
}

// creator looks the creator up in the directory, falling back to the name
// recorded at registration.
func (e *NoteEngine) creator(ctx context.Context, u model.ServiceUser) model.Account {
	account, err := e.dir.AccountByID(ctx, u.CreatorID)
	if err == nil {
		return *account
	}
	if !errors.Is(err, apperror.ErrNotFound) {
		e.logger.Warn("creator lookup failed",
			slog.Int64("creatorId", u.CreatorID),
			slog.String("error", err.Error()),
		)
	}
	return model.Account{ID: u.CreatorID, FullName: u.CreatorName}
}

// NoteListener feeds ref updates to a NoteEngine, inline when queue is nil
// and on the queue otherwise.
//
// Only events that originated on this instance are audited. A peer that
// forwards its push here has already written the notes for it; auditing
// again would add a second notes revision for the same ref update. Events
// without an origin have not passed through a bus and count as local.
type NoteListener struct {
	engine *NoteEngine
	origin string
	queue  *worker.Queue
	logger *slog.Logger
}

func NewNoteListener(engine *NoteEngine, origin string, queue *worker.Queue, logger *slog.Logger) *NoteListener {
	return &NoteListener{engine: engine, origin: origin, queue: queue, logger: logger}
}

func (l *NoteListener) OnRefUpdated(ctx context.Context, ev model.RefUpdate) {
	if ev.Origin != "" && ev.Origin != l.origin {
		l.logger.Debug("skipping audit of forwarded ref update",
			slog.String("event", ev.ID),
			slog.String("origin", ev.Origin),
		)
		return
	}
	if l.queue == nil {
		l.engine.OnRefUpdated(ctx, ev)
		return
	}

	_, err := l.queue.Submit(ctx, "notes "+ev.Project+" "+ev.RefName, func(jobCtx context.Context) {
		l.engine.OnRefUpdated(jobCtx, ev)
	})
	if err != nil {
		l.logger.Warn("audit notes dropped",
			slog.String("event", ev.ID),
			slog.String("project", ev.Project),
			slog.String("ref", ev.RefName),
			slog.String("error", err.Error()),
		)
	}
}
