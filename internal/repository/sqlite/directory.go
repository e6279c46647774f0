package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/sakif/serviceuser/internal/apperror"
	"github.com/sakif/serviceuser/internal/model"
	"github.com/sakif/serviceuser/internal/repository"
)

// compile-time check that *DB implements repository.Directory
var _ repository.Directory = (*DB)(nil)

const accountColumns = `id, username, full_name, email, active`

func scanAccount(row interface{ Scan(...any) error }) (*model.Account, error) {
	var a model.Account
	if err := row.Scan(&a.ID, &a.Username, &a.FullName, &a.Email, &a.Active); err != nil {
		return nil, err
	}
	return &a, nil
}

// ResolveAccountByIdentity finds the account behind a "Name <email> "
// identity.
//
// An identity carrying an email is matched on the email alone. Falling back
// to the name there would let anyone who sets their committer name to a
// bot's full name be treated as that bot, so a foreign email is NotFound.
// The full name is only consulted for identities without an email, and
// only when exactly one account has it.
func (db *DB) ResolveAccountByIdentity(ctx context.Context, nameAndEmail string) (*model.Account, error) {
	name, email := splitIdentity(nameAndEmail)

	var query, key string
	switch {
	case email != "":
		query, key = `SELECT `+accountColumns+` FROM accounts WHERE email = ? COLLATE NOCASE ORDER BY id`, email
	case name != "":
		query, key = `SELECT `+accountColumns+` FROM accounts WHERE full_name = ? ORDER BY id`, name
	default:
		return nil, apperror.NotFound("account", strings.TrimSpace(nameAndEmail))
	}

	accounts, err := db.queryAccounts(ctx, query, key)
	if err != nil {
		return nil, err
	}
	switch len(accounts) {
	case 0:
		return nil, apperror.NotFound("account", strings.TrimSpace(nameAndEmail))
	case 1:
		return &accounts[0], nil
	default:
		return nil, apperror.Conflict("account", key)
	}
}

// splitIdentity parses "Name <email> ".
func splitIdentity(s string) (name, email string) {
	s = strings.TrimSpace(s)
	open := strings.LastIndexByte(s, '<')
	closing := strings.LastIndexByte(s, '>')
	if open < 0 || closing < open {
		return s, ""
	}
	return strings.TrimSpace(s[:open]), strings.TrimSpace(s[open+1 : closing])
}

func (db *DB) AccountByID(ctx context.Context, id int64) (*model.Account, error) {
	a, err := scanAccount(db.conn.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("account", strconv.FormatInt(id, 10))
		}
		return nil, fmt.Errorf("sqlite: getting account %d: %w", id, err)
	}
	return a, nil
}

func (db *DB) IsAccountActive(ctx context.Context, id int64) (bool, error) {
	a, err := db.AccountByID(ctx, id)
	if err != nil {
		return false, err
	}
	return a.Active, nil
}

func (db *DB) GroupByRef(ctx context.Context, groupRef string) (*model.Group, error) {
	var g model.Group
	err := db.conn.QueryRowContext(ctx,
		`SELECT uuid, name FROM account_groups WHERE uuid = ?`, groupRef,
	).Scan(&g.UUID, &g.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("group", groupRef)
		}
		return nil, fmt.Errorf("sqlite: getting group %s: %w", groupRef, err)
	}
	return &g, nil
}

// GroupMembers returns the members of groupRef sorted by id. With recursive
// set, members of included groups are added; include cycles are tolerated.
func (db *DB) GroupMembers(ctx context.Context, groupRef string, recursive bool) ([]model.Account, error) {
	if _, err := db.GroupByRef(ctx, groupRef); err != nil {
		return nil, err
	}

	seenGroups := map[string]bool{groupRef: true}
	members := make(map[int64]model.Account)
	queue := []string{groupRef}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		accounts, err := db.queryAccounts(ctx,
			`SELECT a.id, a.username, a.full_name, a.email, a.active
			 FROM accounts a JOIN group_members m ON m.account_id = a.id
			 WHERE m.group_uuid = ?`, current)
		if err != nil {
			return nil, err
		}
		for _, a := range accounts {
			members[a.ID] = a
		}

		if !recursive {
			break
		}
		included, err := db.includedGroups(ctx, current)
		if err != nil {
			return nil, err
		}
		for _, g := range included {
			if !seenGroups[g] {
				seenGroups[g] = true
				queue = append(queue, g)
			}
		}
	}

	out := make([]model.Account, 0, len(members))
	for _, a := range members {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (db *DB) includedGroups(ctx context.Context, groupRef string) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT included_uuid FROM group_includes WHERE group_uuid = ?`, groupRef)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing groups included in %s: %w", groupRef, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, fmt.Errorf("sqlite: scanning included group: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (db *DB) queryAccounts(ctx context.Context, query string, args ...any) ([]model.Account, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: querying accounts: %w", err)
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning account: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating accounts: %w", err)
	}
	return out, nil
}

// =========================================================================
// SEEDING
// =========================================================================
//
// Account lifecycle is owned by the hosting platform. These methods exist so
// the directory can be populated by the seed file and by tests.

// CreateAccount inserts a and sets a.ID. A duplicate username is a conflict.
func (db *DB) CreateAccount(ctx context.Context, a *model.Account) error {
	if strings.TrimSpace(a.Username) == "" {
		return apperror.ValidationFailed("username", "username is required")
	}
	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO accounts (username, full_name, email, active) VALUES (?, ?, ?, ?)`,
		a.Username, a.FullName, a.Email, a.Active,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.Conflict("account", a.Username)
		}
		return fmt.Errorf("sqlite: inserting account %s: %w", a.Username, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("sqlite: reading account id: %w", err)
	}
	a.ID = id
	return nil
}

func (db *DB) SetAccountActive(ctx context.Context, id int64, active bool) error {
	res, err := db.conn.ExecContext(ctx, `UPDATE accounts SET active = ? WHERE id = ?`, active, id)
	if err != nil {
		return fmt.Errorf("sqlite: updating account %d: %w", id, err)
	}
	return expectOneRow(res, "account", strconv.FormatInt(id, 10))
}

// CreateGroup inserts a group with a fresh UUID.
func (db *DB) CreateGroup(ctx context.Context, name string) (*model.Group, error) {
	g := &model.Group{UUID: uuid.NewString(), Name: name}
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO account_groups (uuid, name) VALUES (?, ?)`, g.UUID, g.Name)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperror.Conflict("group", name)
		}
		return nil, fmt.Errorf("sqlite: inserting group %s: %w", name, err)
	}
	return g, nil
}

func (db *DB) AddMember(ctx context.Context, groupRef string, accountID int64) error {
	if _, err := db.GroupByRef(ctx, groupRef); err != nil {
		return err
	}
	if _, err := db.AccountByID(ctx, accountID); err != nil {
		return err
	}
	_, err := db.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO group_members (group_uuid, account_id) VALUES (?, ?)`, groupRef, accountID)
	if err != nil {
		return fmt.Errorf("sqlite: adding %d to %s: %w", accountID, groupRef, err)
	}
	return nil
}

// IncludeGroup makes the members of included members of groupRef.
func (db *DB) IncludeGroup(ctx context.Context, groupRef, included string) error {
	for _, ref := range []string{groupRef, included} {
		if _, err := db.GroupByRef(ctx, ref); err != nil {
			return err
		}
	}
	_, err := db.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO group_includes (group_uuid, included_uuid) VALUES (?, ?)`, groupRef, included)
	if err != nil {
		return fmt.Errorf("sqlite: including %s in %s: %w", included, groupRef, err)
	}
	return nil
}

func expectOneRow(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if n == 0 {
		return apperror.NotFound(resource, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
