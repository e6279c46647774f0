// Package registry stores service user records in a file on a branch of the
// administrative repository and caches the parsed result.
package registry

import (
	"sort"

	"github.com/go-git/go-git/v5/plumbing/format/config"

	"github.com/sakif/serviceuser/internal/apperror"
	"github.com/sakif/serviceuser/internal/model"
)

// Registry is an immutable snapshot of all service user records at one
// revision of the administrative branch. Safe for concurrent use.
type Registry struct {
	users    map[string]model.ServiceUser
	revision model.ObjectID
}

// Empty returns a registry with no records and no revision.
func Empty() *Registry {
	return &Registry{users: map[string]model.ServiceUser{}}
}

// FromRecords builds a snapshot from records, e.g. for tests or seeding.
func FromRecords(users ...model.ServiceUser) *Registry {
	reg := Empty()
	for _, u := range users {
		reg.users[u.Username] = u
	}
	return reg
}

func (r *Registry) Get(username string) (model.ServiceUser, bool) {
	u, ok := r.users[username]
	return u, ok
}

// List returns all records sorted by username.
func (r *Registry) List() []model.ServiceUser {
	out := make([]model.ServiceUser, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

func (r *Registry) Len() int {
	return len(r.users)
}

// Revision is the commit the snapshot was read from; ZeroID when the branch
// or file did not exist.
func (r *Registry) Revision() model.ObjectID {
	return r.revision
}

// Document is the mutable form of the registry handed to Store.Mutate
// callbacks. Sections other than the user records are preserved.
type Document struct {
	cfg     *config.Config
	users   map[string]model.ServiceUser
	changed bool
}

func parseDocument(data []byte) (*Document, error) {
	cfg, users, err := decode(data)
	if err != nil {
		return nil, err
	}
	return &Document{cfg: cfg, users: users}, nil
}

func emptyDocument() *Document {
	return &Document{cfg: config.New(), users: map[string]model.ServiceUser{}}
}

func (d *Document) Get(username string) (model.ServiceUser, bool) {
	u, ok := d.users[username]
	return u, ok
}

// Add registers u unless a record for u.Username already exists, in which
// case the existing record is returned untouched. The bool reports whether
// u was added.
func (d *Document) Add(u model.ServiceUser) (model.ServiceUser, bool) {
	if existing, ok := d.users[u.Username]; ok {
		return existing, false
	}
	toSubsection(d.cfg.Section(userSection).Subsection(u.Username), u)
	d.users[u.Username] = u
	d.changed = true
	return u, true
}

// SetOwner sets or, with an empty owner, clears the owner group.
func (d *Document) SetOwner(username, owner string) error {
	u, ok := d.users[username]
	if !ok {
		return apperror.NotFound("service user", username)
	}
	if u.Owner == owner {
		return nil
	}
	u.Owner = owner
	toSubsection(d.cfg.Section(userSection).Subsection(username), u)
	d.users[username] = u
	d.changed = true
	return nil
}

// Remove deletes the record for username, reporting whether it existed.
func (d *Document) Remove(username string) bool {
	if _, ok := d.users[username]; !ok {
		return false
	}
	d.cfg.Section(userSection).RemoveSubsection(username)
	delete(d.users, username)
	d.changed = true
	return true
}

// Changed reports whether any mutation modified the document.
func (d *Document) Changed() bool {
	return d.changed
}

func (d *Document) encode() ([]byte, error) {
	return encode(d.cfg)
}

func (d *Document) snapshot(revision model.ObjectID) *Registry {
	users := make(map[string]model.ServiceUser, len(d.users))
	for k, v := range d.users {
		users[k] = v
	}
	return &Registry{users: users, revision: revision}
}
