// Package acl implements per-database access control. Rules live in the
// reserved __acl table: one row per (grantee, permission) with grant and
// optional expiry timestamps. The owner holds implicit read, write, and
// admin. ACL mutations are expressed as plain SQL statements so the
// database instance journals them like any other write and replicas
// converge on the same rule set.
package acl

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/sqlit/sqlit/internal/dberr"
	"github.com/sqlit/sqlit/internal/storage"
	"github.com/sqlit/sqlit/internal/types"
)

// Permission is one grantable capability.
type Permission string

const (
	PermRead  Permission = "read"
	PermWrite Permission = "write"
	PermAdmin Permission = "admin"
)

// TableName is the reserved ACL table. Statements that touch it require
// admin permission.
const TableName = "__acl"

// Schema is the lazily created ACL table. Created on first grant rather
// than at database creation so empty databases carry no extra tables.
const Schema = `
CREATE TABLE IF NOT EXISTS __acl (
	grantee    TEXT NOT NULL,
	permission TEXT NOT NULL,
	grantedAt  INTEGER NOT NULL,
	expiresAt  INTEGER,
	PRIMARY KEY (grantee, permission)
)`

// Rule is one ACL entry as reported by List.
type Rule struct {
	Grantee     string       `json:"grantee"`
	Permissions []Permission `json:"permissions"`
	GrantedAt   int64        `json:"grantedAt"`
	ExpiresAt   int64        `json:"expiresAt,omitempty"`
}

// ParsePermission validates a permission string.
func ParsePermission(s string) (Permission, error) {
	switch Permission(strings.ToLower(s)) {
	case PermRead:
		return PermRead, nil
	case PermWrite:
		return PermWrite, nil
	case PermAdmin:
		return PermAdmin, nil
	default:
		return "", dberr.InvalidRequest("unknown permission %q", s)
	}
}

// ParsePermissions validates a permission list.
func ParsePermissions(in []string) ([]Permission, error) {
	out := make([]Permission, 0, len(in))
	for _, s := range in {
		p, err := ParsePermission(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Statement is one SQL mutation plus its parameters, ready to be run
// and journaled by the database instance.
type Statement struct {
	SQL    string
	Params []types.Param
}

// GrantStatements builds the upsert statements for one grant: the lazy
// table creation followed by one upsert per permission.
func GrantStatements(grantee string, perms []Permission, grantedAt time.Time, expiresAt int64) []Statement {
	stmts := []Statement{{SQL: Schema}}
	for _, p := range perms {
		params := []types.Param{
			types.TextParam(grantee),
			types.TextParam(string(p)),
			types.IntParam(grantedAt.UnixMilli()),
		}
		if expiresAt > 0 {
			params = append(params, types.IntParam(expiresAt))
		} else {
			params = append(params, types.NullParam())
		}
		stmts = append(stmts, Statement{
			SQL: `INSERT INTO __acl (grantee, permission, grantedAt, expiresAt) VALUES (?, ?, ?, ?)
				ON CONFLICT (grantee, permission) DO UPDATE SET grantedAt = excluded.grantedAt, expiresAt = excluded.expiresAt`,
			Params: params,
		})
	}
	return stmts
}

// RevokeStatements builds the delete statements for a revoke. An empty
// permission list removes every rule for the grantee.
func RevokeStatements(grantee string, perms []Permission) []Statement {
	if len(perms) == 0 {
		return []Statement{{
			SQL:    "DELETE FROM __acl WHERE grantee = ?",
			Params: []types.Param{types.TextParam(grantee)},
		}}
	}
	stmts := make([]Statement, 0, len(perms))
	for _, p := range perms {
		stmts = append(stmts, Statement{
			SQL:    "DELETE FROM __acl WHERE grantee = ? AND permission = ?",
			Params: []types.Param{types.TextParam(grantee), types.TextParam(string(p))},
		})
	}
	return stmts
}

// Check reports whether grantee holds permission on the database owned
// by owner. The owner implicitly holds everything. A missing __acl
// table means nothing was ever granted.
func Check(ctx context.Context, store *storage.Store, owner, grantee string, perm Permission) (bool, error) {
	if grantee != "" && strings.EqualFold(grantee, owner) {
		return true, nil
	}
	if grantee == "" {
		return false, nil
	}

	var expires sql.NullInt64
	err := store.DB().QueryRowContext(ctx,
		"SELECT expiresAt FROM __acl WHERE grantee = ? AND permission = ?",
		grantee, string(perm)).Scan(&expires)
	if err != nil {
		if isMissingTable(err) || errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, dberr.Storage(err, "checking acl")
	}
	if expires.Valid && expires.Int64 <= time.Now().UnixMilli() {
		return false, nil
	}
	return true, nil
}

// List returns all rules grouped by grantee. Expired rules are included;
// expiry is an evaluation-time concern, not a storage one.
func List(ctx context.Context, store *storage.Store) ([]Rule, error) {
	rows, err := store.DB().QueryContext(ctx,
		"SELECT grantee, permission, grantedAt, expiresAt FROM __acl ORDER BY grantee, permission")
	if err != nil {
		if isMissingTable(err) {
			return nil, nil
		}
		return nil, dberr.Storage(err, "listing acl")
	}
	defer rows.Close()

	var out []Rule
	index := map[string]int{}
	for rows.Next() {
		var grantee, perm string
		var grantedAt int64
		var expires sql.NullInt64
		if err := rows.Scan(&grantee, &perm, &grantedAt, &expires); err != nil {
			return nil, dberr.Storage(err, "scanning acl row")
		}
		i, ok := index[grantee]
		if !ok {
			i = len(out)
			index[grantee] = i
			rule := Rule{Grantee: grantee, GrantedAt: grantedAt}
			if expires.Valid {
				rule.ExpiresAt = expires.Int64
			}
			out = append(out, rule)
		}
		out[i].Permissions = append(out[i].Permissions, Permission(perm))
	}
	return out, rows.Err()
}

// TouchesACLTable reports whether a statement references the reserved
// ACL table. Such statements require admin permission.
func TouchesACLTable(sqlText string) bool {
	return strings.Contains(strings.ToLower(sqlText), TableName)
}

func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}
