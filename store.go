package relauth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Table names of the engine's own relations, created by Migrate.
const (
	tableGroups          = "user_groups"
	tableRoles           = "roles"
	tablePermissions     = "permissions"
	tableMemberships     = "memberships"
	tableRolePermissions = "role_permissions"
	tableRoleGrants      = "role_grants"
)

// Grantee is the subject of a grant: a group, or a user standing in for
// their personal group.
type Grantee interface {
	// resolveGroup returns the group id to grant against, materializing a
	// personal group when the grantee is a user.
	resolveGroup(ctx context.Context, a *Auth, q Execer) (int64, error)
}

// GroupID grants directly against an existing group.
type GroupID int64

func (g GroupID) resolveGroup(context.Context, *Auth, Execer) (int64, error) {
	return int64(g), nil
}

// UserID grants against the user's personal group - the singleton,
// user-owned group materialized on first use, so a grant expressed against
// a user still fits the (group, role, context) model.
type UserID int64

func (u UserID) resolveGroup(ctx context.Context, a *Auth, q Execer) (int64, error) {
	uid := int64(u)
	var gid int64
	err := q.QueryRowContext(ctx,
		"SELECT id FROM "+tableGroups+" WHERE owner_id = $1 AND is_personal LIMIT 1",
		uid,
	).Scan(&gid)
	if err == nil {
		return gid, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("personal group lookup: %w", err)
	}
	err = q.QueryRowContext(ctx,
		"INSERT INTO "+tableGroups+" (name, owner_id, is_personal) VALUES ($1, $2, TRUE) RETURNING id",
		"private:"+strconv.FormatInt(uid, 10), uid,
	).Scan(&gid)
	if err != nil {
		return 0, fmt.Errorf("personal group create: %w", err)
	}
	if _, err := q.ExecContext(ctx,
		"INSERT INTO "+tableMemberships+" (user_id, group_id) VALUES ($1, $2)",
		uid, gid,
	); err != nil {
		return 0, fmt.Errorf("personal group membership: %w", err)
	}
	return gid, nil
}

// placeholders renders "$start, $start+1, ..." for n arguments.
func placeholders(start, n int) string {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("$")
		sb.WriteString(strconv.Itoa(start + i))
	}
	return sb.String()
}

func int64Args(ids []int64) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

// withTx runs fn inside a transaction when the engine's handle can begin
// one; otherwise fn runs on the handle directly and the caller owns
// transaction boundaries. Callers invalidate caches only after withTx has
// returned without error, that is after a successful commit.
func (a *Auth) withTx(ctx context.Context, fn func(q Execer) error) error {
	if b, ok := a.db.(TxBeginner); ok {
		tx, err := b.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	}
	e, ok := a.db.(Execer)
	if !ok {
		return fmt.Errorf("relauth: database handle %T cannot execute statements", a.db)
	}
	return fn(e)
}

// pgUndefinedTable is the SQLSTATE for a missing relation, used to point
// callers at Migrate instead of surfacing a raw driver error.
const pgUndefinedTable = "42P01"

// mapError wraps a database error, detecting a missing engine table via
// the SQLSTATE so the failure names its fix. Works with both pgx and
// lib/pq through interface-based code extraction.
func mapError(op string, err error) error {
	if sqlState(err) == pgUndefinedTable {
		return fmt.Errorf("%w: %s: %v", ErrMissingSchema, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ctxRolesField is the cache field for a (group, context) role lookup.
func ctxRolesField(gid int64, table string, id int64) string {
	return strconv.FormatInt(gid, 10) + ":" + table + ":" + strconv.FormatInt(id, 10)
}

// userGroups returns the ids of every group the user belongs to.
func (a *Auth) userGroups(ctx context.Context, uid int64) (IDSet, error) {
	rows, err := a.db.QueryContext(ctx,
		"SELECT group_id FROM "+tableMemberships+" WHERE user_id = $1", uid)
	if err != nil {
		return nil, mapError("user groups", err)
	}
	defer func() { _ = rows.Close() }()
	groups := make(IDSet)
	for rows.Next() {
		var gid int64
		if err := rows.Scan(&gid); err != nil {
			return nil, err
		}
		groups[gid] = struct{}{}
	}
	return groups, rows.Err()
}

// contextualRoles returns the role ids granted to the group in the given
// context. Cached: this is the hottest read of every path evaluation.
func (a *Auth) contextualRoles(ctx context.Context, gid int64, c Context) (IDSet, error) {
	blob, err := a.cachedBlob(ctx, keyContextRoles, ctxRolesField(gid, c.Table(), c.ID), func() ([]byte, error) {
		rows, err := a.db.QueryContext(ctx,
			"SELECT role_id FROM "+tableRoleGrants+" WHERE group_id = $1 AND context_table = $2 AND context_id = $3",
			gid, c.Table(), c.ID)
		if err != nil {
			return nil, mapError("contextual roles", err)
		}
		defer func() { _ = rows.Close() }()
		var ids []int64
		for rows.Next() {
			var rid int64
			if err := rows.Scan(&rid); err != nil {
				return nil, err
			}
			ids = append(ids, rid)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return encodeIntSet(ids), nil
	})
	if err != nil {
		return nil, err
	}
	ids, err := decodeIntSet(blob)
	if err != nil {
		return nil, err
	}
	return NewIDSet(ids...), nil
}

// resolvePermission returns the ids of every role bearing the named
// permission. Cached per permission name.
func (a *Auth) resolvePermission(ctx context.Context, name string) (IDSet, error) {
	blob, err := a.cachedBlob(ctx, keyPermRoles, name, func() ([]byte, error) {
		rows, err := a.db.QueryContext(ctx,
			"SELECT rp.role_id FROM "+tableRolePermissions+" rp JOIN "+tablePermissions+
				" p ON p.id = rp.permission_id WHERE p.name = $1",
			name)
		if err != nil {
			return nil, mapError("permission roles", err)
		}
		defer func() { _ = rows.Close() }()
		var ids []int64
		for rows.Next() {
			var rid int64
			if err := rows.Scan(&rid); err != nil {
				return nil, err
			}
			ids = append(ids, rid)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return encodeIntSet(ids), nil
	})
	if err != nil {
		return nil, err
	}
	ids, err := decodeIntSet(blob)
	if err != nil {
		return nil, err
	}
	return NewIDSet(ids...), nil
}

// permissionID resolves a permission name to its id. Cached: the mapping
// is append-only - the engine never deletes or renames permissions - so a
// cached hit can never be stale.
func (a *Auth) permissionID(ctx context.Context, name string) (int64, bool, error) {
	blob, err := a.cachedBlob(ctx, keyPermIDs, name, func() ([]byte, error) {
		var id int64
		err := a.db.QueryRowContext(ctx,
			"SELECT id FROM "+tablePermissions+" WHERE name = $1", name).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return encodeNil(), nil
		}
		if err != nil {
			return nil, fmt.Errorf("permission id: %w", err)
		}
		return encodeInt(id), nil
	})
	if err != nil {
		return 0, false, err
	}
	if len(blob) > 0 && blob[0] == blobNil {
		return 0, false, nil
	}
	id, err := decodeInt(blob)
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// globalPermissions returns the names of all globally-flagged permissions.
func (a *Auth) globalPermissions(ctx context.Context) (map[string]bool, error) {
	blob, err := a.cachedBlob(ctx, keyGlobalPerms, "names", func() ([]byte, error) {
		rows, err := a.db.QueryContext(ctx,
			"SELECT name FROM "+tablePermissions+" WHERE is_global")
		if err != nil {
			return nil, mapError("global permissions", err)
		}
		defer func() { _ = rows.Close() }()
		var names []string
		for rows.Next() {
			var n string
			if err := rows.Scan(&n); err != nil {
				return nil, err
			}
			names = append(names, n)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
		sort.Strings(names)
		return encodeStrSet(names), nil
	})
	if err != nil {
		return nil, err
	}
	names, err := decodeStrSet(blob)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set, nil
}

// hasAnyRole reports whether any of the groups holds any of the roles,
// in any context.
func (a *Auth) hasAnyRole(ctx context.Context, groups, roles IDSet) (bool, error) {
	if len(groups) == 0 || len(roles) == 0 {
		return false, nil
	}
	gids, rids := groups.Sorted(), roles.Sorted()
	query := "SELECT 1 FROM " + tableRoleGrants +
		" WHERE group_id IN (" + placeholders(1, len(gids)) + ")" +
		" AND role_id IN (" + placeholders(1+len(gids), len(rids)) + ") LIMIT 1"
	args := append(int64Args(gids), int64Args(rids)...)
	var one int
	err := a.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapError("any role", err)
	}
	return true, nil
}

// ctxByPermPrefix keys the request-scoped memo of permitted contexts. The
// rewriter asks for the same answer from Joins and Where back to back, so
// the memo keeps that to one query. It never reaches the shared tier: grant,
// revoke, assign and unassign can change it, and each of them drops the
// whole prefix. SetPermissionGlobal leaves it alone, since the global flag
// does not enter the non-global contexts it holds.
const ctxByPermPrefix = "relauth:ctxbyperm\x00"

// contextsByPermissionGroups returns every non-global context where any of
// the groups holds a role bearing the permission, batched per model.
func (a *Auth) contextsByPermissionGroups(ctx context.Context, groups IDSet, permission string) ([]ContextSet, error) {
	rc := requestCacheFrom(ctx)
	memoKey := ctxByPermPrefix + permission + ":" + fmt.Sprint(groups.Sorted())
	if blob, ok := rc.get(memoKey); ok {
		return a.decodeContextSets(blob)
	}
	sets, err := a.queryContextsByPermission(ctx, groups, permission)
	if err != nil {
		return nil, err
	}
	rc.set(memoKey, encodeContextSets(sets))
	return sets, nil
}

func (a *Auth) queryContextsByPermission(ctx context.Context, groups IDSet, permission string) ([]ContextSet, error) {
	roles, err := a.resolvePermission(ctx, permission)
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 || len(roles) == 0 {
		return nil, nil
	}
	gids, rids := groups.Sorted(), roles.Sorted()
	query := "SELECT context_table, context_id FROM " + tableRoleGrants +
		" WHERE group_id IN (" + placeholders(1, len(gids)) + ")" +
		" AND role_id IN (" + placeholders(1+len(gids), len(rids)) + ")" +
		" AND context_table <> '" + GlobalTable + "' ORDER BY context_table, context_id"
	args := append(int64Args(gids), int64Args(rids)...)
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError("contexts by permission", err)
	}
	defer func() { _ = rows.Close() }()

	byTable := make(map[string][]int64)
	var tables []string
	for rows.Next() {
		var table string
		var id int64
		if err := rows.Scan(&table, &id); err != nil {
			return nil, err
		}
		if _, seen := byTable[table]; !seen {
			tables = append(tables, table)
		}
		byTable[table] = append(byTable[table], id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var sets []ContextSet
	for _, table := range tables {
		model, ok := a.schema.ModelByTable(table)
		if !ok {
			a.log.WithField("table", table).Debug("grant on unregistered table skipped")
			continue
		}
		sets = append(sets, NewContextSet(model, byTable[table]...))
	}
	return sets, nil
}

// encodeContextSets serializes permitted contexts for the request memo:
// per set, the table name followed by the id set.
func encodeContextSets(sets []ContextSet) []byte {
	names := make([]string, len(sets))
	for i, s := range sets {
		names[i] = s.Model.Table
	}
	blob := encodeStrSet(names)
	for _, s := range sets {
		blob = append(blob, encodeIntSet(s.IDs)...)
	}
	return blob
}

func (a *Auth) decodeContextSets(blob []byte) ([]ContextSet, error) {
	names, err := decodeStrSet(blob)
	if err != nil {
		return nil, err
	}
	// Skip past the name list to the id sets.
	rest := blob[len(encodeStrSet(names)):]
	var sets []ContextSet
	for _, name := range names {
		ids, err := decodeIntSet(rest)
		if err != nil {
			return nil, err
		}
		rest = rest[len(encodeIntSet(ids)):]
		model, ok := a.schema.ModelByTable(name)
		if !ok {
			continue
		}
		sets = append(sets, NewContextSet(model, ids...))
	}
	return sets, nil
}

// Grant grants a role to a group - or to a user's personal group - in the
// context of a specific record. It validates the role's table whitelist,
// is idempotent (returns false when the grant already exists), and runs in
// its own transaction when the handle allows it. The contextual-role cache
// entry it affects is invalidated after commit.
func (a *Auth) Grant(ctx context.Context, grantee Grantee, roleName string, c Context) (bool, error) {
	var (
		changed bool
		gid     int64
	)
	err := a.withTx(ctx, func(q Execer) error {
		var (
			roleID int64
			tables sql.NullString
		)
		err := q.QueryRowContext(ctx,
			"SELECT id, tables FROM "+tableRoles+" WHERE name = $1", roleName).Scan(&roleID, &tables)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: role %q does not exist", ErrGrantRejected, roleName)
		}
		if err != nil {
			return fmt.Errorf("role lookup: %w", err)
		}
		if !roleAllowsTable(tables, c.Table()) {
			return fmt.Errorf("%w: role %q cannot be granted on table %q", ErrGrantRejected, roleName, c.Table())
		}

		gid, err = grantee.resolveGroup(ctx, a, q)
		if err != nil {
			return err
		}

		var one int
		err = q.QueryRowContext(ctx,
			"SELECT 1 FROM "+tableRoleGrants+
				" WHERE group_id = $1 AND role_id = $2 AND context_table = $3 AND context_id = $4",
			gid, roleID, c.Table(), c.ID).Scan(&one)
		if err == nil {
			return nil // already granted
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("grant lookup: %w", err)
		}
		if _, err := q.ExecContext(ctx,
			"INSERT INTO "+tableRoleGrants+" (group_id, role_id, context_table, context_id) VALUES ($1, $2, $3, $4)",
			gid, roleID, c.Table(), c.ID); err != nil {
			return fmt.Errorf("grant insert: %w", err)
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if changed {
		a.invalidate(ctx, keyContextRoles, ctxRolesField(gid, c.Table(), c.ID))
		requestCacheFrom(ctx).dropPrefix(ctxByPermPrefix)
	}
	return changed, nil
}

// roleAllowsTable checks a role's comma-separated tables whitelist.
// An unset or empty whitelist means every table.
func roleAllowsTable(tables sql.NullString, table string) bool {
	if !tables.Valid || strings.TrimSpace(tables.String) == "" {
		return true
	}
	for _, t := range strings.Split(tables.String, ",") {
		if strings.TrimSpace(t) == table {
			return true
		}
	}
	return false
}

// Revoke removes a grant. Revoking a role that does not exist, or a grant
// that was never made, is a no-op.
func (a *Auth) Revoke(ctx context.Context, grantee Grantee, roleName string, c Context) error {
	var (
		revoked bool
		gid     int64
	)
	err := a.withTx(ctx, func(q Execer) error {
		var roleID int64
		err := q.QueryRowContext(ctx,
			"SELECT id FROM "+tableRoles+" WHERE name = $1", roleName).Scan(&roleID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("role lookup: %w", err)
		}
		gid, err = grantee.resolveGroup(ctx, a, q)
		if err != nil {
			return err
		}
		res, err := q.ExecContext(ctx,
			"DELETE FROM "+tableRoleGrants+
				" WHERE group_id = $1 AND role_id = $2 AND context_table = $3 AND context_id = $4",
			gid, roleID, c.Table(), c.ID)
		if err != nil {
			return fmt.Errorf("revoke: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			revoked = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	if revoked {
		a.invalidate(ctx, keyContextRoles, ctxRolesField(gid, c.Table(), c.ID))
		requestCacheFrom(ctx).dropPrefix(ctxByPermPrefix)
	}
	return nil
}

// Assign associates permissions with a role, creating the role and any
// missing permissions on the way. Idempotent: returns false when every
// association already existed.
func (a *Auth) Assign(ctx context.Context, roleName string, permissions ...string) (bool, error) {
	var changed bool
	err := a.withTx(ctx, func(q Execer) error {
		roleID, err := getOrCreateByName(ctx, q, tableRoles, roleName)
		if err != nil {
			return err
		}
		for _, perm := range permissions {
			permID, err := getOrCreateByName(ctx, q, tablePermissions, perm)
			if err != nil {
				return err
			}
			var one int
			err = q.QueryRowContext(ctx,
				"SELECT 1 FROM "+tableRolePermissions+" WHERE role_id = $1 AND permission_id = $2",
				roleID, permID).Scan(&one)
			if err == nil {
				continue
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("assignment lookup: %w", err)
			}
			if _, err := q.ExecContext(ctx,
				"INSERT INTO "+tableRolePermissions+" (role_id, permission_id) VALUES ($1, $2)",
				roleID, permID); err != nil {
				return fmt.Errorf("assignment insert: %w", err)
			}
			changed = true
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if changed {
		a.invalidateAll(ctx, keyPermRoles)
		a.invalidateAll(ctx, keyPermIDs)
		requestCacheFrom(ctx).dropPrefix(ctxByPermPrefix)
	}
	return changed, nil
}

// Unassign removes permissions from a role. Permission ids are collected
// first, then the associations are deleted by id list.
func (a *Auth) Unassign(ctx context.Context, roleName string, permissions []string) (bool, error) {
	var permIDs []int64
	for _, name := range permissions {
		id, ok, err := a.permissionID(ctx, name)
		if err != nil {
			return false, err
		}
		if ok {
			permIDs = append(permIDs, id)
		}
	}
	if len(permIDs) == 0 {
		return false, nil
	}
	var changed bool
	err := a.withTx(ctx, func(q Execer) error {
		var roleID int64
		err := q.QueryRowContext(ctx,
			"SELECT id FROM "+tableRoles+" WHERE name = $1", roleName).Scan(&roleID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("role lookup: %w", err)
		}
		res, err := q.ExecContext(ctx,
			"DELETE FROM "+tableRolePermissions+" WHERE role_id = $1 AND permission_id IN ("+
				placeholders(2, len(permIDs))+")",
			append([]any{roleID}, int64Args(permIDs)...)...)
		if err != nil {
			return fmt.Errorf("unassign: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			changed = true
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if changed {
		a.invalidateAll(ctx, keyPermRoles)
		requestCacheFrom(ctx).dropPrefix(ctxByPermPrefix)
	}
	return changed, nil
}

// SetPermissionGlobal flags permissions as global (or clears the flag),
// creating any that do not exist yet. Idempotent in effect: re-issuing the
// same flag is harmless.
func (a *Auth) SetPermissionGlobal(ctx context.Context, isGlobal bool, names ...string) error {
	if len(names) == 0 {
		return nil
	}
	err := a.withTx(ctx, func(q Execer) error {
		updated := make(map[string]bool, len(names))
		rows, err := q.QueryContext(ctx,
			"UPDATE "+tablePermissions+" SET is_global = $1 WHERE name IN ("+
				placeholders(2, len(names))+") RETURNING name",
			append([]any{isGlobal}, strArgs(names)...)...)
		if err != nil {
			return fmt.Errorf("set global: %w", err)
		}
		for rows.Next() {
			var n string
			if err := rows.Scan(&n); err != nil {
				_ = rows.Close()
				return err
			}
			updated[n] = true
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, name := range names {
			if updated[name] {
				continue
			}
			if _, err := q.ExecContext(ctx,
				"INSERT INTO "+tablePermissions+" (name, is_global) VALUES ($1, $2)",
				name, isGlobal); err != nil {
				return fmt.Errorf("permission insert: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	a.invalidateAll(ctx, keyGlobalPerms)
	a.invalidateAll(ctx, keyPermIDs)
	return nil
}

func strArgs(names []string) []any {
	out := make([]any, len(names))
	for i, n := range names {
		out[i] = n
	}
	return out
}

// getOrCreateByName resolves an (id, name) row, inserting it when absent.
func getOrCreateByName(ctx context.Context, q Execer, table, name string) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx,
		"SELECT id FROM "+table+" WHERE name = $1", name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%s lookup: %w", table, err)
	}
	if err := q.QueryRowContext(ctx,
		"INSERT INTO "+table+" (name) VALUES ($1) RETURNING id", name).Scan(&id); err != nil {
		return 0, fmt.Errorf("%s insert: %w", table, err)
	}
	return id, nil
}
