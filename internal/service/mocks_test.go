package service

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"testing"

	"github.com/sakif/serviceuser/internal/apperror"
	"github.com/sakif/serviceuser/internal/model"
	"github.com/sakif/serviceuser/internal/registry"
	"github.com/sakif/serviceuser/internal/repository/gitrepo"
	"github.com/sakif/serviceuser/internal/repository/gitrepo/gitrepotest"
)

// =========================================================================
// MOCK DIRECTORY
// =========================================================================

type mockDirectory struct {
	accounts map[int64]model.Account
	groups   map[string][]int64

	resolveErr error
	activeErr  error
	groupErr   error

	lastIdentity string
}

func newMockDirectory() *mockDirectory {
	return &mockDirectory{
		accounts: make(map[int64]model.Account),
		groups:   make(map[string][]int64),
	}
}

func (m *mockDirectory) add(a model.Account) model.Account {
	m.accounts[a.ID] = a
	return a
}

func (m *mockDirectory) ResolveAccountByIdentity(_ context.Context, nameAndEmail string) (*model.Account, error) {
	m.lastIdentity = nameAndEmail
	if m.resolveErr != nil {
		return nil, m.resolveErr
	}
	for _, a := range m.accounts {
		if a.FullName+" <"+a.Email+"> " == nameAndEmail {
			found := a
			return &found, nil
		}
	}
	return nil, apperror.NotFound("account", nameAndEmail)
}

func (m *mockDirectory) AccountByID(_ context.Context, id int64) (*model.Account, error) {
	a, ok := m.accounts[id]
	if !ok {
		return nil, apperror.NotFound("account", "x")
	}
	return &a, nil
}

func (m *mockDirectory) IsAccountActive(_ context.Context, id int64) (bool, error) {
	if m.activeErr != nil {
		return false, m.activeErr
	}
	a, ok := m.accounts[id]
	if !ok {
		return false, apperror.NotFound("account", "x")
	}
	return a.Active, nil
}

func (m *mockDirectory) GroupByRef(_ context.Context, ref string) (*model.Group, error) {
	if _, ok := m.groups[ref]; !ok {
		return nil, apperror.NotFound("group", ref)
	}
	return &model.Group{UUID: ref, Name: "group " + ref}, nil
}

func (m *mockDirectory) GroupMembers(_ context.Context, ref string, _ bool) ([]model.Account, error) {
	if m.groupErr != nil {
		return nil, m.groupErr
	}
	ids, ok := m.groups[ref]
	if !ok {
		return nil, apperror.NotFound("group", ref)
	}
	var out []model.Account
	for _, id := range ids {
		out = append(out, m.accounts[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// staticRegistry serves a fixed snapshot.
type staticRegistry struct {
	reg *registry.Registry
}

func (s staticRegistry) Get(context.Context) *registry.Registry {
	return s.reg
}

// =========================================================================
// FIXTURE
// =========================================================================

var (
	creator = model.Account{ID: 1, Username: "jane", FullName: "Jane Doe", Email: "jane@example.com", Active: true}
	human   = model.Account{ID: 2, Username: "alice", FullName: "Alice", Email: "alice@example.com", Active: true}
	owner   = model.Account{ID: 3, Username: "owen", FullName: "Owner One", Email: "owner@example.com", Active: true}
	botAcct = model.Account{ID: 100, Username: "build-bot", FullName: "Build Bot", Email: "bot@example.com", Active: true}

	botIdent   = gitrepotest.Ident(botAcct.FullName, botAcct.Email)
	humanIdent = gitrepotest.Ident(human.FullName, human.Email)
)

const ownerGroup = "7d3c0e9a-5b1f-4c2e-9a47-2f6b8e1d4c10"

type fixture struct {
	dir    *mockDirectory
	git    *gitrepotest.Builder
	repos  *gitrepo.Manager
	owners *OwnerResolver
}

func newFixture(t *testing.T, users ...model.ServiceUser) *fixture {
	t.Helper()

	dir := newMockDirectory()
	dir.add(creator)
	dir.add(human)
	dir.add(owner)
	dir.add(botAcct)
	dir.groups[ownerGroup] = []int64{owner.ID}

	b := gitrepotest.New(t, "project", nil)
	repos := gitrepo.NewManager("", nil, discardLogger())
	repos.Add(b.Repo)

	return &fixture{
		dir:    dir,
		git:    b,
		repos:  repos,
		owners: NewOwnerResolver(dir, staticRegistry{registry.FromRecords(users...)}, discardLogger()),
	}
}

func botRecord(owner string) model.ServiceUser {
	return model.ServiceUser{
		Username:    botAcct.Username,
		CreatorID:   creator.ID,
		CreatorName: creator.FullName,
		CreatedAt:   "Mon, 04 Mar 2024 10:00:00 +0000",
		Owner:       owner,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func registryOf(users ...model.ServiceUser) *registry.Registry {
	return registry.FromRecords(users...)
}
