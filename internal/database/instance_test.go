package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlit/sqlit/internal/dberr"
	"github.com/sqlit/sqlit/internal/eventbus"
	"github.com/sqlit/sqlit/internal/tee"
	"github.com/sqlit/sqlit/internal/types"
)

const testNodeID = "node-primary"

func newTestManager(t *testing.T, mutate ...func(*Options)) *Manager {
	t.Helper()
	opts := Options{
		DataDir: t.TempDir(),
		NodeID:  testNodeID,
		Bus:     eventbus.New(),
	}
	for _, f := range mutate {
		f(&opts)
	}
	m := NewManager(opts)
	t.Cleanup(m.CloseAll)
	return m
}

func createTestDB(t *testing.T, m *Manager, owner string) *Instance {
	t.Helper()
	db, err := m.Create(context.Background(), &types.CreateDatabaseRequest{
		Name:  "testdb",
		Owner: owner,
	})
	require.NoError(t, err)
	in, err := m.Get(context.Background(), db.ID)
	require.NoError(t, err)
	return in
}

func exec(t *testing.T, in *Instance, req *types.ExecuteRequest) *types.ExecuteResponse {
	t.Helper()
	resp, err := in.Execute(context.Background(), req)
	require.NoError(t, err)
	return resp
}

func TestWriteAdvancesWALPosition(t *testing.T) {
	m := newTestManager(t)
	in := createTestDB(t, m, "")

	resp := exec(t, in, &types.ExecuteRequest{SQL: "CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)"})
	assert.Equal(t, uint64(1), resp.WALPosition)
	assert.False(t, resp.ReadOnly)
	assert.Equal(t, testNodeID, resp.ProcessedByNode)

	resp = exec(t, in, &types.ExecuteRequest{
		SQL:    "INSERT INTO users (name) VALUES (?)",
		Params: []types.Param{types.TextParam("alice")},
	})
	assert.Equal(t, uint64(2), resp.WALPosition)
	assert.Equal(t, int64(1), resp.RowsAffected)
	assert.Equal(t, int64(1), resp.LastInsertID)

	read := exec(t, in, &types.ExecuteRequest{SQL: "SELECT name FROM users"})
	assert.True(t, read.ReadOnly)
	assert.Equal(t, uint64(2), read.WALPosition, "reads report the position, not advance it")
	require.Len(t, read.Rows, 1)
	assert.Equal(t, "alice", read.Rows[0]["name"])
}

func TestDDLRefreshesSchemaHash(t *testing.T) {
	m := newTestManager(t)
	in := createTestDB(t, m, "")

	before := in.Meta().SchemaHash
	exec(t, in, &types.ExecuteRequest{SQL: "CREATE TABLE t (x INTEGER)"})
	after := in.Meta().SchemaHash
	assert.NotEqual(t, before, after)
	assert.Equal(t, 1, in.Meta().SchemaVersion)

	exec(t, in, &types.ExecuteRequest{SQL: "INSERT INTO t VALUES (1)"})
	assert.Equal(t, after, in.Meta().SchemaHash, "DML leaves the schema hash alone")
}

func TestReplicaRejectsWrites(t *testing.T) {
	m := newTestManager(t)
	in := createTestDB(t, m, "")
	exec(t, in, &types.ExecuteRequest{SQL: "CREATE TABLE t (x INTEGER)"})

	require.NoError(t, m.SetRole(in.ID(), "node-other", nil))

	_, err := in.Execute(context.Background(), &types.ExecuteRequest{SQL: "INSERT INTO t VALUES (1)"})
	require.Error(t, err)
	assert.Equal(t, dberr.CodeWriteOnReplica, dberr.CodeOf(err))

	// Reads still serve locally.
	read := exec(t, in, &types.ExecuteRequest{SQL: "SELECT * FROM t"})
	assert.True(t, read.ReadOnly)
}

func TestRequiredWALPositionGate(t *testing.T) {
	m := newTestManager(t)
	in := createTestDB(t, m, "")
	exec(t, in, &types.ExecuteRequest{SQL: "CREATE TABLE t (x INTEGER)"})

	_, err := in.Execute(context.Background(), &types.ExecuteRequest{
		SQL:                 "SELECT * FROM t",
		RequiredWALPosition: 5,
	})
	require.Error(t, err)
	assert.Equal(t, dberr.CodeReplicationLag, dberr.CodeOf(err))

	derr := dberr.AsError(err)
	assert.Equal(t, uint64(1), derr.Details["current"])
	assert.Equal(t, uint64(5), derr.Details["required"])

	// Satisfied requirement passes.
	resp := exec(t, in, &types.ExecuteRequest{SQL: "SELECT * FROM t", RequiredWALPosition: 1})
	assert.True(t, resp.ReadOnly)
}

func TestACLEnforcement(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	in := createTestDB(t, m, "0xowner")
	exec(t, in, &types.ExecuteRequest{SQL: "CREATE TABLE t (x INTEGER)", Address: "0xowner"})

	// Stranger denied.
	_, err := in.Execute(ctx, &types.ExecuteRequest{SQL: "SELECT * FROM t", Address: "0xstranger"})
	require.Error(t, err)
	assert.Equal(t, dberr.CodeUnauthorized, dberr.CodeOf(err))

	// Grant read.
	posBefore := in.WALPosition()
	require.NoError(t, in.Grant(ctx, &types.GrantRequest{
		Grantee:     "0xreader",
		Permissions: []string{"read"},
		Address:     "0xowner",
	}))
	assert.Greater(t, in.WALPosition(), posBefore, "grants journal like any write")

	resp := exec(t, in, &types.ExecuteRequest{SQL: "SELECT * FROM t", Address: "0xreader"})
	assert.True(t, resp.ReadOnly)

	_, err = in.Execute(ctx, &types.ExecuteRequest{SQL: "INSERT INTO t VALUES (1)", Address: "0xreader"})
	require.Error(t, err)
	assert.Equal(t, dberr.CodeUnauthorized, dberr.CodeOf(err))

	// Direct statements against __acl require admin.
	_, err = in.Execute(ctx, &types.ExecuteRequest{SQL: "SELECT * FROM __acl", Address: "0xreader"})
	require.Error(t, err)
	assert.Equal(t, dberr.CodeUnauthorized, dberr.CodeOf(err))

	// Revoke closes the door again.
	require.NoError(t, in.Revoke(ctx, &types.RevokeRequest{Grantee: "0xreader", Address: "0xowner"}))
	_, err = in.Execute(ctx, &types.ExecuteRequest{SQL: "SELECT * FROM t", Address: "0xreader"})
	require.Error(t, err)
	assert.Equal(t, dberr.CodeUnauthorized, dberr.CodeOf(err))
}

func TestGrantRequiresAdmin(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	in := createTestDB(t, m, "0xowner")

	err := in.Grant(ctx, &types.GrantRequest{
		Grantee:     "0xfriend",
		Permissions: []string{"read"},
		Address:     "0xstranger",
	})
	require.Error(t, err)
	assert.Equal(t, dberr.CodeUnauthorized, dberr.CodeOf(err))

	err = in.Grant(ctx, &types.GrantRequest{Grantee: "0xfriend", Permissions: []string{"launch"}, Address: "0xowner"})
	require.Error(t, err)
	assert.Equal(t, dberr.CodeInvalidRequest, dberr.CodeOf(err))
}

func TestReplayWindow(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	in := createTestDB(t, m, "0xowner")

	stale := time.Now().Add(-ReplayWindow - time.Minute).UnixMilli()
	_, err := in.Execute(ctx, &types.ExecuteRequest{
		SQL:       "CREATE TABLE t (x INTEGER)",
		Address:   "0xowner",
		Signature: "sig",
		Timestamp: stale,
	})
	require.Error(t, err)
	assert.Equal(t, dberr.CodeUnauthorized, dberr.CodeOf(err))

	fresh := time.Now().UnixMilli()
	resp, err := in.Execute(ctx, &types.ExecuteRequest{
		SQL:       "CREATE TABLE t (x INTEGER)",
		Address:   "0xowner",
		Signature: "sig",
		Timestamp: fresh,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), resp.WALPosition)
}

func TestVerifierRejectsBadSignature(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, func(o *Options) {
		o.Verifier = func(address, payload, signature string) bool { return signature == "good" }
	})
	in := createTestDB(t, m, "0xowner")

	_, err := in.Execute(ctx, &types.ExecuteRequest{
		SQL:       "CREATE TABLE t (x INTEGER)",
		Address:   "0xowner",
		Signature: "bad",
		Timestamp: time.Now().UnixMilli(),
	})
	require.Error(t, err)
	assert.Equal(t, dberr.CodeUnauthorized, dberr.CodeOf(err))
}

func TestBatchTransactionalRollback(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	in := createTestDB(t, m, "")
	exec(t, in, &types.ExecuteRequest{SQL: "CREATE TABLE t (x INTEGER NOT NULL)"})
	startPos := in.WALPosition()

	_, err := in.BatchExecute(ctx, &types.BatchExecuteRequest{
		Transactional: true,
		Statements: []types.BatchStatement{
			{SQL: "INSERT INTO t VALUES (1)"},
			{SQL: "INSERT INTO t VALUES (NULL)"}, // violates NOT NULL
		},
	})
	require.Error(t, err)

	assert.Equal(t, startPos, in.WALPosition(), "rolled back batch rewinds the position")
	read := exec(t, in, &types.ExecuteRequest{SQL: "SELECT COUNT(*) AS n FROM t"})
	assert.Equal(t, int64(0), read.Rows[0]["n"])

	// The journal agrees with the metadata.
	pos, _, err := in.Journal().Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, startPos, pos)
}

func TestBatchCommitsContiguousRun(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	in := createTestDB(t, m, "")

	resp, err := in.BatchExecute(ctx, &types.BatchExecuteRequest{
		Transactional: true,
		Statements: []types.BatchStatement{
			{SQL: "CREATE TABLE t (x INTEGER)"},
			{SQL: "INSERT INTO t VALUES (?)", Params: []types.Param{types.IntParam(1)}},
			{SQL: "SELECT * FROM t"},
			{SQL: "INSERT INTO t VALUES (?)", Params: []types.Param{types.IntParam(2)}},
		},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 4)
	assert.Equal(t, uint64(3), resp.WALPosition)
	assert.True(t, resp.Results[2].ReadOnly)
	require.Len(t, resp.Results[2].Rows, 1)
}

func TestBatchEmptyRejected(t *testing.T) {
	m := newTestManager(t)
	in := createTestDB(t, m, "")
	_, err := in.BatchExecute(context.Background(), &types.BatchExecuteRequest{})
	require.Error(t, err)
	assert.Equal(t, dberr.CodeInvalidRequest, dberr.CodeOf(err))
}

func TestReplicaCatchUp(t *testing.T) {
	ctx := context.Background()

	primaryMgr := newTestManager(t)
	primary := createTestDB(t, primaryMgr, "")
	exec(t, primary, &types.ExecuteRequest{SQL: "CREATE TABLE t (x INTEGER)"})
	exec(t, primary, &types.ExecuteRequest{SQL: "INSERT INTO t VALUES (?)", Params: []types.Param{types.IntParam(10)}})
	exec(t, primary, &types.ExecuteRequest{SQL: "INSERT INTO t VALUES (?)", Params: []types.Param{types.IntParam(20)}})

	replicaMgr := newTestManager(t, func(o *Options) { o.NodeID = "node-replica" })
	_, err := replicaMgr.Create(ctx, &types.CreateDatabaseRequest{DatabaseID: primary.ID(), Name: "testdb"})
	require.NoError(t, err)
	require.NoError(t, replicaMgr.SetRole(primary.ID(), testNodeID, []string{"node-replica"}))
	replica, err := replicaMgr.Get(ctx, primary.ID())
	require.NoError(t, err)

	// Pull and apply, as the replication engine does.
	batch, err := primary.FetchWALRange(ctx, &types.WALSyncRequest{
		DatabaseID:   primary.ID(),
		FromPosition: replica.WALPosition(),
		NodeID:       "node-replica",
	})
	require.NoError(t, err)
	require.Len(t, batch.Entries, 3)
	require.NoError(t, replica.ApplyWALBatch(ctx, batch.Entries))

	assert.Equal(t, primary.WALPosition(), replica.WALPosition())

	read := exec(t, replica, &types.ExecuteRequest{SQL: "SELECT x FROM t ORDER BY x"})
	require.Len(t, read.Rows, 2)
	assert.Equal(t, int64(10), read.Rows[0]["x"])

	// Convergence is observable through identical schema digests.
	pd, err := primary.SchemaDigest(ctx)
	require.NoError(t, err)
	rd, err := replica.SchemaDigest(ctx)
	require.NoError(t, err)
	assert.Equal(t, pd, rd)

	// The primary now reports the replica as caught up.
	status := primary.ReplicationStatus()
	require.Contains(t, status, "node-replica")
	assert.Equal(t, uint64(3), status["node-replica"].WALPosition)
	assert.Equal(t, uint64(0), status["node-replica"].Lag)
}

func TestTEEDatabaseNeedsAttestor(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Create(context.Background(), &types.CreateDatabaseRequest{
		Name:       "secret",
		Encryption: types.EncryptionTEE,
	})
	require.Error(t, err)
	assert.Equal(t, dberr.CodeTEERequired, dberr.CodeOf(err))
}

func TestTEEDatabaseExecutesUnderAttestation(t *testing.T) {
	m := newTestManager(t, func(o *Options) {
		o.Attestor = &tee.LocalAttestor{Enabled: true, Measurement: testNodeID}
	})
	db, err := m.Create(context.Background(), &types.CreateDatabaseRequest{
		Name:       "secret",
		Encryption: types.EncryptionTEE,
	})
	require.NoError(t, err)

	in, err := m.Get(context.Background(), db.ID)
	require.NoError(t, err)
	resp := exec(t, in, &types.ExecuteRequest{SQL: "CREATE TABLE t (x INTEGER)"})
	assert.Equal(t, uint64(1), resp.WALPosition)

	// The enclave evidence rides along with the result.
	require.NotNil(t, resp.Attestation)
	assert.Len(t, resp.Attestation.Quote, 64)
	assert.Equal(t, "standard", resp.Attestation.Level)

	// Pass-through databases carry none.
	open := createTestDB(t, m, "")
	plain := exec(t, open, &types.ExecuteRequest{SQL: "CREATE TABLE t (x INTEGER)"})
	assert.Nil(t, plain.Attestation)
}

func TestDescribeCountsRows(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	in := createTestDB(t, m, "")

	meta, err := in.Describe(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), meta.RowCount, "bookkeeping tables are not user rows")

	exec(t, in, &types.ExecuteRequest{SQL: "CREATE TABLE t (x INTEGER)"})
	exec(t, in, &types.ExecuteRequest{SQL: "INSERT INTO t VALUES (1), (2), (3)"})
	meta, err = in.Describe(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), meta.RowCount)

	exec(t, in, &types.ExecuteRequest{SQL: "DELETE FROM t WHERE x = 2"})
	meta, err = in.Describe(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), meta.RowCount)
}
