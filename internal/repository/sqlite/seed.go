package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BurntSushi/toml"

	"github.com/sakif/serviceuser/internal/apperror"
	"github.com/sakif/serviceuser/internal/model"
)

// Seed describes accounts and groups to create at startup, e.g.
//
//	[[account]]
//	username = "jane"
//	full_name = "Jane Doe"
//	email = "jane@example.com"
//
//	[[group]]
//	name = "release-team"
//	members = ["jane"]
//	includes = ["admins"]
type Seed struct {
	Accounts []SeedAccount `toml:"account"`
	Groups   []SeedGroup   `toml:"group"`
}

type SeedAccount struct {
	Username string `toml:"username"`
	FullName string `toml:"full_name"`
	Email    string `toml:"email"`
	Active   *bool  `toml:"active"` // defaults to true
}

type SeedGroup struct {
	Name     string   `toml:"name"`
	Members  []string `toml:"members"`  // usernames
	Includes []string `toml:"includes"` // group names
}

// LoadSeed reads a seed file.
func LoadSeed(path string) (*Seed, error) {
	var s Seed
	if _, err := toml.DecodeFile(path, &s); err != nil {
		return nil, fmt.Errorf("sqlite: reading seed %s: %w", path, err)
	}
	return &s, nil
}

// ApplySeed creates what s describes. Accounts and groups that already
// exist (by username / name) are reused, so applying a seed twice is safe.
// It returns the UUID of every seeded group by name.
func (db *DB) ApplySeed(ctx context.Context, s *Seed, logger *slog.Logger) (map[string]string, error) {
	accounts := make(map[string]int64)
	for _, sa := range s.Accounts {
		a, err := db.accountByUsername(ctx, sa.Username)
		if errors.Is(err, apperror.ErrNotFound) {
			a = &model.Account{Username: sa.Username, FullName: sa.FullName, Email: sa.Email, Active: true}
			if sa.Active != nil {
				a.Active = *sa.Active
			}
			err = db.CreateAccount(ctx, a)
			if err == nil {
				logger.Info("seeded account", slog.String("username", a.Username), slog.Int64("id", a.ID))
			}
		}
		if err != nil {
			return nil, err
		}
		accounts[a.Username] = a.ID
	}

	groups := make(map[string]string)
	for _, sg := range s.Groups {
		g, err := db.groupByName(ctx, sg.Name)
		if errors.Is(err, apperror.ErrNotFound) {
			g, err = db.CreateGroup(ctx, sg.Name)
			if err == nil {
				logger.Info("seeded group", slog.String("name", g.Name), slog.String("uuid", g.UUID))
			}
		}
		if err != nil {
			return nil, err
		}
		groups[g.Name] = g.UUID
	}

	for _, sg := range s.Groups {
		for _, username := range sg.Members {
			id, ok := accounts[username]
			if !ok {
				a, err := db.accountByUsername(ctx, username)
				if err != nil {
					return nil, fmt.Errorf("group %s member %s: %w", sg.Name, username, err)
				}
				id = a.ID
			}
			if err := db.AddMember(ctx, groups[sg.Name], id); err != nil {
				return nil, err
			}
		}
		for _, name := range sg.Includes {
			included, ok := groups[name]
			if !ok {
				return nil, apperror.ValidationFailed("includes",
					fmt.Sprintf("group %s includes unknown group %s", sg.Name, name))
			}
			if err := db.IncludeGroup(ctx, groups[sg.Name], included); err != nil {
				return nil, err
			}
		}
	}

	return groups, nil
}

func (db *DB) accountByUsername(ctx context.Context, username string) (*model.Account, error) {
	a, err := scanAccount(db.conn.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE username = ?`, username))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("account", username)
		}
		return nil, fmt.Errorf("sqlite: getting account %s: %w", username, err)
	}
	return a, nil
}

func (db *DB) groupByName(ctx context.Context, name string) (*model.Group, error) {
	var g model.Group
	err := db.conn.QueryRowContext(ctx,
		`SELECT uuid, name FROM account_groups WHERE name = ?`, name,
	).Scan(&g.UUID, &g.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("group", name)
		}
		return nil, fmt.Errorf("sqlite: getting group %s: %w", name, err)
	}
	return &g, nil
}
