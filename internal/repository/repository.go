// Package repository declares the collaborator interfaces the core depends
// on: the account/group directory and the versioned repositories.
//
// Concrete adapters live in sub-packages (sqlite for the directory, gitrepo
// for repositories). Services only ever see these interfaces, which keeps
// them testable with hand-written fakes.
package repository

import (
	"context"

	"github.com/sakif/serviceuser/internal/model"
)

// Directory resolves accounts and group membership.
//
// Lookups that find nothing return an error matching apperror.ErrNotFound.
type Directory interface {
	// ResolveAccountByIdentity finds the account for a "Name <email> " string.
	ResolveAccountByIdentity(ctx context.Context, nameAndEmail string) (*model.Account, error)
	AccountByID(ctx context.Context, id int64) (*model.Account, error)
	IsAccountActive(ctx context.Context, id int64) (bool, error)
	GroupByRef(ctx context.Context, groupRef string) (*model.Group, error)
	// GroupMembers lists the accounts in groupRef, following included
	// groups when recursive is set.
	GroupMembers(ctx context.Context, groupRef string, recursive bool) ([]model.Account, error)
}

// CommitFileRequest describes a single-file commit on top of Base.
type CommitFileRequest struct {
	Ref     string
	Base    model.ObjectID // expected current tip; ZeroID when the ref must not exist yet
	Path    string
	Content []byte
	Message string
	Author  model.Identity
}

// WriteNotesRequest adds or replaces notes (commit id -> blob id) on Ref.
type WriteNotesRequest struct {
	Ref     string
	Notes   map[model.ObjectID]model.ObjectID
	Message string
	Author  model.Identity
}

// Repository is one versioned repository.
//
// Ref updates go through a compare-and-swap; losing the race returns an
// error matching apperror.ErrConcurrentUpdate.
type Repository interface {
	Project() string
	// ReadRef returns the ref's commit, or ZeroID when the ref does not exist.
	ReadRef(ctx context.Context, name string) (model.ObjectID, error)
	ReadFile(ctx context.Context, commit model.ObjectID, path string) ([]byte, error)
	CommitFile(ctx context.Context, req CommitFileRequest) (model.ObjectID, error)
	Commit(ctx context.Context, id model.ObjectID) (*model.Commit, error)
	// Refs returns the tips of all branches and tags, tags peeled to commits.
	Refs(ctx context.Context) ([]model.Ref, error)
	CreateBlob(ctx context.Context, data []byte) (model.ObjectID, error)
	WriteNotes(ctx context.Context, req WriteNotesRequest) (model.ObjectID, error)
	ReadNote(ctx context.Context, notesRef string, commit model.ObjectID) ([]byte, error)
}

// Repositories opens repositories by project name.
type Repositories interface {
	Open(ctx context.Context, project string) (Repository, error)
}
