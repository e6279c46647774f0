// Package gitrepo implements repository.Repository on top of go-git.
//
// Every ref update goes through the storer's compare-and-swap
// (CheckAndSetReference), which is the only mutation path the registry and
// the note engine use. A successful update is reported to the Publisher so
// the rest of the process (and, through the event forwarder, other
// instances) observe it as a RefUpdate.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/sakif/serviceuser/internal/apperror"
	"github.com/sakif/serviceuser/internal/model"
	"github.com/sakif/serviceuser/internal/repository"
)

// compile-time check that *Repo implements repository.Repository
var _ repository.Repository = (*Repo)(nil)

// Publisher receives every ref update made through a Repo.
type Publisher func(ctx context.Context, ev model.RefUpdate)

// Repo wraps a go-git repository.
//
// go-git storers are not safe for concurrent writes (the memory storer is a
// set of plain maps), so all access is serialized through mu. The lock is
// always released before publishing, because listeners call back into the
// same Repo.
type Repo struct {
	mu      sync.RWMutex
	project string
	git     *git.Repository
	publish Publisher
}

// New wraps an already opened go-git repository.
func New(project string, r *git.Repository, publish Publisher) *Repo {
	return &Repo{project: project, git: r, publish: publish}
}

// NewMemory creates an empty bare repository held in memory.
func NewMemory(project string, publish Publisher) (*Repo, error) {
	r, err := git.Init(memory.NewStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("gitrepo: init memory repository: %w", err)
	}
	return New(project, r, publish), nil
}

func (r *Repo) Project() string {
	return r.project
}

func (r *Repo) ReadRef(_ context.Context, name string) (model.ObjectID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.readRefLocked(name)
}

func (r *Repo) readRefLocked(name string) (model.ObjectID, error) {
	ref, err := r.git.Reference(plumbing.ReferenceName(name), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return model.ZeroID, nil
		}
		return model.ZeroID, apperror.IO("reading ref "+name, err)
	}
	return ref.Hash(), nil
}

// ReadFile returns the content of path in commit's tree.
func (r *Repo) ReadFile(_ context.Context, commit model.ObjectID, path string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, err := r.git.CommitObject(commit)
	if err != nil {
		return nil, objectErr("commit", commit, err)
	}
	f, err := c.File(path)
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return nil, apperror.NotFound("file", path)
		}
		return nil, apperror.IO("reading "+path, err)
	}
	content, err := f.Contents()
	if err != nil {
		return nil, apperror.IO("reading "+path, err)
	}
	return []byte(content), nil
}

// CommitFile writes req.Content at req.Path on top of req.Base and moves
// req.Ref to the new commit. Only root-level paths are supported.
//
// COMPARE-AND-SWAP:
// The caller read the file at req.Base and built the new content from it.
// If the ref moved in the meantime, committing on top of the new tip would
// silently drop the other writer's change. So the write is conditional:
//
//  1. under mu, the current tip must still equal req.Base
//  2. blob, tree and commit objects are stored (unreferenced objects are
//     harmless if the next step fails)
//  3. the ref is moved with CheckAndSetReference, which re-checks the old
//     value inside the storer for writers outside this process
//
// Losing at step 1 or 3 returns apperror.ErrConcurrentUpdate; the caller
// re-reads and retries. The ref update is published after mu is released,
// since listeners (cache invalidation, audit notes) read this Repo again.
func (r *Repo) CommitFile(ctx context.Context, req repository.CommitFileRequest) (model.ObjectID, error) {
	if req.Path == "" || strings.Contains(req.Path, "/") {
		return model.ZeroID, apperror.ValidationFailed("path", fmt.Sprintf("unsupported path %q", req.Path))
	}

	r.mu.Lock()
	id, err := r.commitFileLocked(req)
	r.mu.Unlock()
	if err != nil {
		return model.ZeroID, err
	}

	r.notify(ctx, req.Ref, req.Base, id)
	return id, nil
}

func (r *Repo) commitFileLocked(req repository.CommitFileRequest) (model.ObjectID, error) {
	current, err := r.readRefLocked(req.Ref)
	if err != nil {
		return model.ZeroID, err
	}
	if current != req.Base {
		return model.ZeroID, apperror.ConcurrentUpdate(req.Ref)
	}

	entries := make(map[string]object.TreeEntry)
	var parents []plumbing.Hash
	if !req.Base.IsZero() {
		if err := r.collectEntries(req.Base, entries); err != nil {
			return model.ZeroID, err
		}
		parents = []plumbing.Hash{req.Base}
	}

	blob, err := r.storeBlob(req.Content)
	if err != nil {
		return model.ZeroID, err
	}
	entries[req.Path] = object.TreeEntry{Name: req.Path, Mode: filemode.Regular, Hash: blob}

	tree, err := r.storeTree(entries)
	if err != nil {
		return model.ZeroID, err
	}
	commit, err := r.storeCommit(tree, parents, req.Author, req.Message)
	if err != nil {
		return model.ZeroID, err
	}
	if err := r.casRef(req.Ref, req.Base, commit); err != nil {
		return model.ZeroID, err
	}
	return commit, nil
}

func (r *Repo) Commit(_ context.Context, id model.ObjectID) (*model.Commit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, err := r.git.CommitObject(id)
	if err != nil {
		return nil, objectErr("commit", id, err)
	}
	return &model.Commit{
		ID:        c.Hash,
		Parents:   append([]model.ObjectID(nil), c.ParentHashes...),
		Author:    identity(c.Author),
		Committer: identity(c.Committer),
		Message:   c.Message,
	}, nil
}

// Refs lists branch and tag tips sorted by name. Annotated tags are peeled;
// tags that do not point at a commit are skipped.
func (r *Repo) Refs(_ context.Context) ([]model.Ref, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	iter, err := r.git.References()
	if err != nil {
		return nil, apperror.IO("listing refs", err)
	}
	defer iter.Close()

	var refs []model.Ref
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() != plumbing.HashReference {
			return nil
		}
		if !ref.Name().IsBranch() && !ref.Name().IsTag() {
			return nil
		}
		target := ref.Hash()
		if tag, err := r.git.TagObject(target); err == nil {
			if tag.TargetType != plumbing.CommitObject {
				return nil
			}
			target = tag.Target
		}
		refs = append(refs, model.Ref{Name: ref.Name().String(), Target: target})
		return nil
	})
	if err != nil {
		return nil, apperror.IO("listing refs", err)
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

func (r *Repo) CreateBlob(_ context.Context, data []byte) (model.ObjectID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.storeBlob(data)
}

// WriteNotes adds req.Notes to the notes tree of req.Ref in one commit.
// Existing notes for the same commits are replaced.
func (r *Repo) WriteNotes(ctx context.Context, req repository.WriteNotesRequest) (model.ObjectID, error) {
	if len(req.Notes) == 0 {
		return model.ZeroID, apperror.ValidationFailed("notes", "no notes to write")
	}

	r.mu.Lock()
	old, id, err := r.writeNotesLocked(req)
	r.mu.Unlock()
	if err != nil {
		return model.ZeroID, err
	}

	r.notify(ctx, req.Ref, old, id)
	return id, nil
}

func (r *Repo) writeNotesLocked(req repository.WriteNotesRequest) (model.ObjectID, model.ObjectID, error) {
	current, err := r.readRefLocked(req.Ref)
	if err != nil {
		return model.ZeroID, model.ZeroID, err
	}

	entries := make(map[string]object.TreeEntry)
	var parents []plumbing.Hash
	if !current.IsZero() {
		if err := r.collectEntries(current, entries); err != nil {
			return model.ZeroID, model.ZeroID, err
		}
		parents = []plumbing.Hash{current}
	}
	for commit, blob := range req.Notes {
		name := commit.String()
		if err := r.dropFanoutNote(entries, name); err != nil {
			return model.ZeroID, model.ZeroID, err
		}
		entries[name] = object.TreeEntry{Name: name, Mode: filemode.Regular, Hash: blob}
	}

	tree, err := r.storeTree(entries)
	if err != nil {
		return model.ZeroID, model.ZeroID, err
	}
	id, err := r.storeCommit(tree, parents, req.Author, req.Message)
	if err != nil {
		return model.ZeroID, model.ZeroID, err
	}
	if err := r.casRef(req.Ref, current, id); err != nil {
		return model.ZeroID, model.ZeroID, err
	}
	return current, id, nil
}

// dropFanoutNote removes the "xx/rest" twin of a flat note name from a notes
// tree written by a tool that uses fanout. Without this one commit would
// carry two notes after a rewrite. The fanout directory is removed once it
// is empty.
func (r *Repo) dropFanoutNote(entries map[string]object.TreeEntry, hex string) error {
	dir, ok := entries[hex[:2]]
	if !ok || dir.Mode != filemode.Dir {
		return nil
	}
	sub, err := r.git.TreeObject(dir.Hash)
	if err != nil {
		return objectErr("tree", dir.Hash, err)
	}

	kept := make(map[string]object.TreeEntry, len(sub.Entries))
	for _, e := range sub.Entries {
		if e.Name != hex[2:] {
			kept[e.Name] = e
		}
	}
	switch {
	case len(kept) == len(sub.Entries):
		return nil
	case len(kept) == 0:
		delete(entries, hex[:2])
		return nil
	}

	id, err := r.storeTree(kept)
	if err != nil {
		return err
	}
	dir.Hash = id
	entries[hex[:2]] = dir
	return nil
}

// ReadNote returns the note attached to commit, in flat or fanout layout.
func (r *Repo) ReadNote(_ context.Context, notesRef string, commit model.ObjectID) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tip, err := r.readRefLocked(notesRef)
	if err != nil {
		return nil, err
	}
	if tip.IsZero() {
		return nil, apperror.NotFound("note", commit.String())
	}
	tree, err := r.treeOf(tip)
	if err != nil {
		return nil, err
	}

	hex := commit.String()
	for _, path := range []string{hex, hex[:2] + "/" + hex[2:]} {
		f, err := tree.File(path)
		if err != nil {
			continue
		}
		content, err := f.Contents()
		if err != nil {
			return nil, apperror.IO("reading note "+hex, err)
		}
		return []byte(content), nil
	}
	return nil, apperror.NotFound("note", hex)
}

func (r *Repo) notify(ctx context.Context, ref string, old, new model.ObjectID) {
	if r.publish == nil {
		return
	}
	r.publish(ctx, model.RefUpdate{
		Project: r.project,
		RefName: ref,
		OldID:   old,
		NewID:   new,
	})
}

func (r *Repo) treeOf(commit model.ObjectID) (*object.Tree, error) {
	c, err := r.git.CommitObject(commit)
	if err != nil {
		return nil, objectErr("commit", commit, err)
	}
	tree, err := c.Tree()
	if err != nil {
		return nil, objectErr("tree", c.TreeHash, err)
	}
	return tree, nil
}

func (r *Repo) collectEntries(commit model.ObjectID, into map[string]object.TreeEntry) error {
	tree, err := r.treeOf(commit)
	if err != nil {
		return err
	}
	for _, e := range tree.Entries {
		into[e.Name] = e
	}
	return nil
}

func (r *Repo) storeBlob(data []byte) (model.ObjectID, error) {
	obj := r.git.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return model.ZeroID, apperror.IO("writing blob", err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return model.ZeroID, apperror.IO("writing blob", err)
	}
	if err := w.Close(); err != nil {
		return model.ZeroID, apperror.IO("writing blob", err)
	}
	return r.store(obj, "blob")
}

// storeTree writes entries in git's canonical order: directories sort as
// if their name ended in "/".
func (r *Repo) storeTree(entries map[string]object.TreeEntry) (model.ObjectID, error) {
	sorted := make([]object.TreeEntry, 0, len(entries))
	for _, e := range entries {
		sorted = append(sorted, e)
	}
	sort.Slice(sorted, func(i, j int) bool { return sortKey(sorted[i]) < sortKey(sorted[j]) })

	tree := &object.Tree{Entries: sorted}
	obj := r.git.Storer.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return model.ZeroID, apperror.IO("encoding tree", err)
	}
	return r.store(obj, "tree")
}

func (r *Repo) storeCommit(tree model.ObjectID, parents []plumbing.Hash, author model.Identity, message string) (model.ObjectID, error) {
	when := author.When
	if when.IsZero() {
		when = time.Now()
	}
	sig := object.Signature{Name: author.Name, Email: author.Email, When: when}
	if !strings.HasSuffix(message, "\n") {
		message += "\n"
	}

	commit := &object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      message,
		TreeHash:     tree,
		ParentHashes: parents,
	}
	obj := r.git.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return model.ZeroID, apperror.IO("encoding commit", err)
	}
	return r.store(obj, "commit")
}

func (r *Repo) store(obj plumbing.EncodedObject, kind string) (model.ObjectID, error) {
	id, err := r.git.Storer.SetEncodedObject(obj)
	if err != nil {
		return model.ZeroID, apperror.IO("storing "+kind, err)
	}
	return id, nil
}

// casRef moves name from old to new. old == ZeroID means "create"; the
// absence check for that case happened under mu.
func (r *Repo) casRef(name string, old, new model.ObjectID) error {
	refName := plumbing.ReferenceName(name)
	var oldRef *plumbing.Reference
	if !old.IsZero() {
		oldRef = plumbing.NewHashReference(refName, old)
	}
	if err := r.git.Storer.CheckAndSetReference(plumbing.NewHashReference(refName, new), oldRef); err != nil {
		if errors.Is(err, storage.ErrReferenceHasChanged) {
			return apperror.ConcurrentUpdate(name)
		}
		return apperror.IO("updating ref "+name, err)
	}
	return nil
}

func sortKey(e object.TreeEntry) string {
	if e.Mode == filemode.Dir {
		return e.Name + "/"
	}
	return e.Name
}

func identity(sig object.Signature) model.Identity {
	return model.Identity{Name: sig.Name, Email: sig.Email, When: sig.When}
}

func objectErr(kind string, id model.ObjectID, err error) error {
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return apperror.NotFound(kind, id.String())
	}
	return apperror.IO(fmt.Sprintf("reading %s %s", kind, id), err)
}
