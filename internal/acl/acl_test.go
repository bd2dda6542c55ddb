package acl

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlit/sqlit/internal/storage"
)

const testOwner = "0xowner"

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "acl.db"), true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func applyStatements(t *testing.T, store *storage.Store, stmts []Statement) {
	t.Helper()
	for _, stmt := range stmts {
		_, err := store.Run(context.Background(), stmt.SQL, stmt.Params)
		require.NoError(t, err)
	}
}

func TestOwnerAlwaysPasses(t *testing.T) {
	store := openTestStore(t)

	ok, err := Check(context.Background(), store, testOwner, testOwner, PermAdmin)
	require.NoError(t, err)
	assert.True(t, ok)

	// Case-insensitive address comparison.
	ok, err = Check(context.Background(), store, testOwner, "0xOWNER", PermWrite)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckWithoutTable(t *testing.T) {
	store := openTestStore(t)
	ok, err := Check(context.Background(), store, testOwner, "0xstranger", PermRead)
	require.NoError(t, err)
	assert.False(t, ok, "no __acl table means nothing granted")
}

func TestGrantAndCheck(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	applyStatements(t, store, GrantStatements("0xreader", []Permission{PermRead}, time.Now(), 0))

	ok, err := Check(ctx, store, testOwner, "0xreader", PermRead)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Check(ctx, store, testOwner, "0xreader", PermWrite)
	require.NoError(t, err)
	assert.False(t, ok, "read grant does not imply write")
}

func TestExpiredGrantDenied(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	expired := time.Now().Add(-time.Hour).UnixMilli()
	applyStatements(t, store, GrantStatements("0xtemp", []Permission{PermWrite}, time.Now().Add(-2*time.Hour), expired))

	ok, err := Check(ctx, store, testOwner, "0xtemp", PermWrite)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegrantUpdatesExpiry(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	expired := time.Now().Add(-time.Hour).UnixMilli()
	applyStatements(t, store, GrantStatements("0xuser", []Permission{PermRead}, time.Now(), expired))
	applyStatements(t, store, GrantStatements("0xuser", []Permission{PermRead}, time.Now(), 0))

	ok, err := Check(ctx, store, testOwner, "0xuser", PermRead)
	require.NoError(t, err)
	assert.True(t, ok, "upsert replaces the expired rule")
}

func TestRevokeSpecificAndAll(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	applyStatements(t, store, GrantStatements("0xuser", []Permission{PermRead, PermWrite}, time.Now(), 0))

	applyStatements(t, store, RevokeStatements("0xuser", []Permission{PermWrite}))
	ok, _ := Check(ctx, store, testOwner, "0xuser", PermWrite)
	assert.False(t, ok)
	ok, _ = Check(ctx, store, testOwner, "0xuser", PermRead)
	assert.True(t, ok)

	applyStatements(t, store, RevokeStatements("0xuser", nil))
	ok, _ = Check(ctx, store, testOwner, "0xuser", PermRead)
	assert.False(t, ok)
}

func TestListGroupsByGrantee(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	applyStatements(t, store, GrantStatements("0xa", []Permission{PermRead, PermWrite}, time.Now(), 0))
	applyStatements(t, store, GrantStatements("0xb", []Permission{PermAdmin}, time.Now(), 0))

	rules, err := List(ctx, store)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "0xa", rules[0].Grantee)
	assert.ElementsMatch(t, []Permission{PermRead, PermWrite}, rules[0].Permissions)
	assert.Equal(t, "0xb", rules[1].Grantee)
}

func TestListWithoutTable(t *testing.T) {
	store := openTestStore(t)
	rules, err := List(context.Background(), store)
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestParsePermissions(t *testing.T) {
	perms, err := ParsePermissions([]string{"read", "WRITE", "Admin"})
	require.NoError(t, err)
	assert.Equal(t, []Permission{PermRead, PermWrite, PermAdmin}, perms)

	_, err = ParsePermission("superuser")
	assert.Error(t, err)
}

func TestTouchesACLTable(t *testing.T) {
	assert.True(t, TouchesACLTable("DELETE FROM __acl WHERE grantee = 'x'"))
	assert.True(t, TouchesACLTable("select * from __ACL"))
	assert.False(t, TouchesACLTable("SELECT * FROM users"))
}
