package model

import (
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
)

// ObjectID identifies a commit, tree or blob.
type ObjectID = plumbing.Hash

// ZeroID is the all-zero id: a ref update from ZeroID creates the ref, an
// update to ZeroID deletes it.
var ZeroID = plumbing.ZeroHash

// Identity is a git person identity (author or committer line).
type Identity struct {
	Name  string    `json:"name"`
	Email string    `json:"email"`
	When  time.Time `json:"when"`
}

// Commit is the subset of a commit object the audit and policy code needs.
type Commit struct {
	ID        ObjectID
	Parents   []ObjectID
	Author    Identity
	Committer Identity
	Message   string
}

// Summary returns the first line of the commit message.
func (c Commit) Summary() string {
	msg := strings.TrimLeft(c.Message, "\n")
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return strings.TrimSpace(msg)
}

// Ref is a named pointer to a commit.
type Ref struct {
	Name   string
	Target ObjectID
}
