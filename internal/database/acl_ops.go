package database

import (
	"context"
	"time"

	"github.com/sqlit/sqlit/internal/acl"
	"github.com/sqlit/sqlit/internal/dberr"
	"github.com/sqlit/sqlit/internal/types"
)

// Grant adds ACL rules. Only the owner or an admin may change rules.
// The underlying statements run through the normal mutation path, so
// grants journal and replicate deterministically.
func (in *Instance) Grant(ctx context.Context, req *types.GrantRequest) error {
	perms, err := acl.ParsePermissions(req.Permissions)
	if err != nil {
		return err
	}
	if len(perms) == 0 {
		return dberr.InvalidRequest("grant requires at least one permission")
	}
	if err := in.requireAdmin(ctx, req.Address); err != nil {
		return err
	}
	if !in.IsPrimary() {
		return dberr.WriteOnReplica("acl changes must go to the primary")
	}

	stmts := acl.GrantStatements(req.Grantee, perms, time.Now(), req.ExpiresAt)
	return in.runACLStatements(ctx, stmts)
}

// Revoke removes ACL rules; an empty permission list removes all of the
// grantee's rules.
func (in *Instance) Revoke(ctx context.Context, req *types.RevokeRequest) error {
	perms, err := acl.ParsePermissions(req.Permissions)
	if err != nil {
		return err
	}
	if err := in.requireAdmin(ctx, req.Address); err != nil {
		return err
	}
	if !in.IsPrimary() {
		return dberr.WriteOnReplica("acl changes must go to the primary")
	}

	stmts := acl.RevokeStatements(req.Grantee, perms)
	return in.runACLStatements(ctx, stmts)
}

// ListACL returns the database's rules grouped by grantee.
func (in *Instance) ListACL(ctx context.Context) ([]acl.Rule, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return acl.List(ctx, in.store)
}

// HasPermission evaluates one (grantee, permission) pair.
func (in *Instance) HasPermission(ctx context.Context, grantee string, perm acl.Permission) (bool, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return acl.Check(ctx, in.store, in.meta.Owner, grantee, perm)
}

func (in *Instance) requireAdmin(ctx context.Context, address string) error {
	owner := in.meta.Owner
	if owner == "" {
		return nil
	}
	ok, err := in.HasPermission(ctx, address, acl.PermAdmin)
	if err != nil {
		return err
	}
	if !ok {
		return dberr.Unauthorized("address %q lacks admin permission on database %s", address, in.meta.ID)
	}
	return nil
}

func (in *Instance) runACLStatements(ctx context.Context, stmts []acl.Statement) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, stmt := range stmts {
		resp := types.ExecuteResponse{}
		if err := in.mutateLocked(ctx, stmt.SQL, stmt.Params, &resp); err != nil {
			return err
		}
	}
	return nil
}
