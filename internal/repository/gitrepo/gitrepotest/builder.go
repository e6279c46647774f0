// Package gitrepotest builds commit graphs in in-memory repositories for
// tests.
package gitrepotest

import (
	"sort"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/stretchr/testify/require"

	"github.com/sakif/serviceuser/internal/model"
	"github.com/sakif/serviceuser/internal/repository/gitrepo"
)

// Builder writes commits directly into the storer backing Repo. It is not
// safe for concurrent use with Repo writes.
type Builder struct {
	t    testing.TB
	git  *git.Repository
	tree plumbing.Hash
	tick time.Time

	Repo *gitrepo.Repo
}

func New(t testing.TB, project string, publish gitrepo.Publisher) *Builder {
	t.Helper()

	g, err := git.Init(memory.NewStorage(), nil)
	require.NoError(t, err)

	obj := g.Storer.NewEncodedObject()
	require.NoError(t, (&object.Tree{}).Encode(obj))
	tree, err := g.Storer.SetEncodedObject(obj)
	require.NoError(t, err)

	return &Builder{
		t:    t,
		git:  g,
		tree: tree,
		tick: time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC),
		Repo: gitrepo.New(project, g, publish),
	}
}

// Ident returns an identity with a fixed timestamp.
func Ident(name, email string) model.Identity {
	return model.Identity{Name: name, Email: email, When: time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)}
}

// Commit stores a commit with an empty tree. Every call gets a distinct
// timestamp so identical commits still get distinct ids.
func (b *Builder) Commit(committer model.Identity, message string, parents ...model.ObjectID) model.ObjectID {
	b.t.Helper()

	b.tick = b.tick.Add(time.Minute)
	sig := object.Signature{Name: committer.Name, Email: committer.Email, When: b.tick}
	c := &object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      message,
		TreeHash:     b.tree,
		ParentHashes: parents,
	}
	obj := b.git.Storer.NewEncodedObject()
	require.NoError(b.t, c.Encode(obj))
	id, err := b.git.Storer.SetEncodedObject(obj)
	require.NoError(b.t, err)
	return id
}

// SetRef points name at id, bypassing compare-and-swap.
func (b *Builder) SetRef(name string, id model.ObjectID) {
	b.t.Helper()
	require.NoError(b.t, b.git.Storer.SetReference(plumbing.NewHashReference(plumbing.ReferenceName(name), id)))
}

// AnnotatedTag creates refs/tags/<name> pointing at a tag object for target.
func (b *Builder) AnnotatedTag(name string, target model.ObjectID) {
	b.t.Helper()

	tag := &object.Tag{
		Name:       name,
		Tagger:     object.Signature{Name: "Tagger", Email: "tagger@example.com", When: b.tick},
		Message:    "tag " + name + "\n",
		TargetType: plumbing.CommitObject,
		Target:     target,
	}
	obj := b.git.Storer.NewEncodedObject()
	require.NoError(b.t, tag.Encode(obj))
	id, err := b.git.Storer.SetEncodedObject(obj)
	require.NoError(b.t, err)
	b.SetRef("refs/tags/"+name, id)
}

// FanoutNotes commits notes in the "xx/rest" layout on ref, replacing
// whatever the ref held. Each note gets its own fanout directory entry.
func (b *Builder) FanoutNotes(ref string, notes map[model.ObjectID]string) model.ObjectID {
	b.t.Helper()

	dirs := make(map[string][]object.TreeEntry)
	for commit, content := range notes {
		hex := commit.String()
		dirs[hex[:2]] = append(dirs[hex[:2]], object.TreeEntry{
			Name: hex[2:], Mode: filemode.Regular, Hash: b.blob(content),
		})
	}

	var top []object.TreeEntry
	for name, entries := range dirs {
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
		top = append(top, object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: b.storeTree(entries)})
	}
	sort.Slice(top, func(i, j int) bool { return top[i].Name < top[j].Name })

	b.tick = b.tick.Add(time.Minute)
	sig := object.Signature{Name: "Notes", Email: "notes@example.com", When: b.tick}
	c := &object.Commit{Author: sig, Committer: sig, Message: "fanout notes\n", TreeHash: b.storeTree(top)}
	obj := b.git.Storer.NewEncodedObject()
	require.NoError(b.t, c.Encode(obj))
	id, err := b.git.Storer.SetEncodedObject(obj)
	require.NoError(b.t, err)
	b.SetRef(ref, id)
	return id
}

// Paths lists every file path in the tree at the tip of ref, sorted.
func (b *Builder) Paths(ref string) []string {
	b.t.Helper()

	r, err := b.git.Storer.Reference(plumbing.ReferenceName(ref))
	require.NoError(b.t, err)
	c, err := b.git.CommitObject(r.Hash())
	require.NoError(b.t, err)
	tree, err := c.Tree()
	require.NoError(b.t, err)

	var paths []string
	require.NoError(b.t, tree.Files().ForEach(func(f *object.File) error {
		paths = append(paths, f.Name)
		return nil
	}))
	sort.Strings(paths)
	return paths
}

func (b *Builder) blob(content string) plumbing.Hash {
	obj := b.git.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	require.NoError(b.t, err)
	_, err = w.Write([]byte(content))
	require.NoError(b.t, err)
	require.NoError(b.t, w.Close())
	id, err := b.git.Storer.SetEncodedObject(obj)
	require.NoError(b.t, err)
	return id
}

func (b *Builder) storeTree(entries []object.TreeEntry) plumbing.Hash {
	obj := b.git.Storer.NewEncodedObject()
	require.NoError(b.t, (&object.Tree{Entries: entries}).Encode(obj))
	id, err := b.git.Storer.SetEncodedObject(obj)
	require.NoError(b.t, err)
	return id
}
