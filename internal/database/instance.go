// Package database implements the per-database runtime: one instance
// owns one storage adapter and one WAL journal, enforces ACL and
// routing rules, executes statements, and journals every mutation.
// A manager owns the set of instances hosted by a node.
package database

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/sqlit/sqlit/internal/acl"
	"github.com/sqlit/sqlit/internal/dberr"
	"github.com/sqlit/sqlit/internal/storage"
	"github.com/sqlit/sqlit/internal/tee"
	"github.com/sqlit/sqlit/internal/types"
	"github.com/sqlit/sqlit/internal/wal"
)

// ReplayWindow bounds how far a signed request timestamp may drift from
// node time before the request is rejected as a replay.
const ReplayWindow = 5 * time.Minute

// Verifier checks a request signature for an address. A nil verifier
// disables signature checks (development mode).
type Verifier func(address, payload, signature string) bool

// Instance is the end-to-end handler for one database. All mutating
// statements on the instance are serialized by mu; the WAL append runs
// under the same lock as the statement it records, so positions are
// gapless and strictly monotonic.
type Instance struct {
	meta    *types.Database
	store   *storage.Store
	journal *wal.Journal
	gate    *tee.Gate

	nodeID   string
	verifier Verifier

	mu sync.Mutex // serializes mutations and metadata updates

	// replicaState tracks, on the primary, the last position each
	// replica has pulled. Guarded by stateMu.
	stateMu      sync.Mutex
	replicaState map[string]*types.ReplicaStatus
}

// Meta returns a copy of the metadata record.
func (in *Instance) Meta() types.Database {
	in.mu.Lock()
	defer in.mu.Unlock()
	meta := *in.meta
	meta.SizeBytes = in.store.SizeBytes()
	return meta
}

// Describe returns the metadata record with live storage statistics.
func (in *Instance) Describe(ctx context.Context) (types.Database, error) {
	meta := in.Meta()
	count, err := in.store.RowCount(ctx)
	if err != nil {
		return meta, err
	}
	meta.RowCount = count
	return meta, nil
}

// ID returns the database identifier.
func (in *Instance) ID() string { return in.meta.ID }

// IsPrimary reports whether this node is the primary for the database.
func (in *Instance) IsPrimary() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.meta.PrimaryNodeID == in.nodeID
}

// WALPosition returns the current local head position.
func (in *Instance) WALPosition() uint64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.meta.WALPosition
}

// Store exposes the storage adapter for read paths that bypass the
// execute pipeline (audit page reads, snapshots).
func (in *Instance) Store() *storage.Store { return in.store }

// Journal exposes the WAL journal (replication pulls).
func (in *Instance) Journal() *wal.Journal { return in.journal }

// Execute runs one statement through the full pipeline: classify,
// authorize, route, gate, execute, journal.
func (in *Instance) Execute(ctx context.Context, req *types.ExecuteRequest) (*types.ExecuteResponse, error) {
	class := storage.Classify(req.SQL)

	if err := in.authorize(ctx, req.Address, req.Signature, req.Timestamp, req.SQL, class); err != nil {
		return nil, err
	}
	if class == storage.Mutating && !in.IsPrimary() {
		return nil, dberr.WriteOnReplica("node %s is a replica for database %s", in.nodeID, in.meta.ID)
	}
	if req.RequiredWALPosition > 0 {
		if current := in.WALPosition(); current < req.RequiredWALPosition {
			return nil, dberr.ReplicationLag(current, req.RequiredWALPosition)
		}
	}

	start := time.Now()
	resp := &types.ExecuteResponse{
		ProcessedByNode: in.nodeID,
		ReadOnly:        class == storage.ReadOnly,
	}

	session := tee.Session{ID: uuid.NewString(), Level: "standard"}
	att, err := in.gate.Execute(ctx, session, func(ctx context.Context) error {
		in.mu.Lock()
		defer in.mu.Unlock()
		if class == storage.ReadOnly {
			cols, rows, err := in.store.Query(ctx, req.SQL, req.Params)
			if err != nil {
				return err
			}
			resp.Columns = cols
			resp.Rows = rows
			resp.WALPosition = in.meta.WALPosition
			return nil
		}
		return in.mutateLocked(ctx, req.SQL, req.Params, resp)
	})
	if err != nil {
		return nil, err
	}

	resp.Attestation = att
	resp.ExecutionMs = float64(time.Since(start).Microseconds()) / 1000.0
	return resp, nil
}

// mutateLocked executes a mutating statement and journals it. Callers
// hold the per-database lock. The journal never runs ahead of applied
// data: any failure aborts before the append.
func (in *Instance) mutateLocked(ctx context.Context, sqlText string, params []types.Param, resp *types.ExecuteResponse) error {
	res, err := in.store.Run(ctx, sqlText, params)
	if err != nil {
		return err
	}

	entry, err := in.journal.Append(ctx, sqlText, params)
	if err != nil {
		return err
	}

	in.meta.WALPosition = entry.Position
	in.meta.UpdatedAt = time.Now()
	if isDDL(sqlText) {
		if digest, err := in.store.SchemaDigest(ctx); err == nil {
			in.meta.SchemaHash = digest
			in.meta.SchemaVersion++
		}
	}

	resp.RowsAffected = res.Changes
	resp.LastInsertID = res.LastInsertID
	resp.WALPosition = entry.Position
	return nil
}

// BatchExecute runs statements sequentially. Transactional batches wrap
// the run in BEGIN/COMMIT with ROLLBACK on first failure; the batch's
// WAL entries form one contiguous run because the lock is held across
// the whole batch.
func (in *Instance) BatchExecute(ctx context.Context, req *types.BatchExecuteRequest) (*types.BatchExecuteResponse, error) {
	if len(req.Statements) == 0 {
		return nil, dberr.InvalidRequest("batch contains no statements")
	}

	hasMutation := false
	for _, stmt := range req.Statements {
		class := storage.Classify(stmt.SQL)
		if class == storage.Mutating {
			hasMutation = true
		}
		if err := in.authorize(ctx, req.Address, req.Signature, req.Timestamp, stmt.SQL, class); err != nil {
			return nil, err
		}
	}
	if hasMutation && !in.IsPrimary() {
		return nil, dberr.WriteOnReplica("node %s is a replica for database %s", in.nodeID, in.meta.ID)
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	startPos := in.meta.WALPosition
	if req.Transactional {
		if err := in.store.Exec(ctx, "BEGIN IMMEDIATE"); err != nil {
			return nil, err
		}
	}

	out := &types.BatchExecuteResponse{}
	for _, stmt := range req.Statements {
		resp := types.ExecuteResponse{ProcessedByNode: in.nodeID}
		start := time.Now()

		var err error
		if storage.Classify(stmt.SQL) == storage.ReadOnly {
			resp.ReadOnly = true
			resp.Columns, resp.Rows, err = in.store.Query(ctx, stmt.SQL, stmt.Params)
			resp.WALPosition = in.meta.WALPosition
		} else {
			err = in.mutateLocked(ctx, stmt.SQL, stmt.Params, &resp)
		}
		if err != nil {
			if req.Transactional {
				// The rollback also discards the batch's journal
				// entries, so the recorded position rewinds with it.
				if rbErr := in.store.Exec(ctx, "ROLLBACK"); rbErr != nil {
					log.WithFields(log.Fields{"database": in.meta.ID, "err": rbErr}).Error("batch rollback failed")
				}
				in.meta.WALPosition = startPos
			}
			return nil, err
		}

		resp.ExecutionMs = float64(time.Since(start).Microseconds()) / 1000.0
		out.Results = append(out.Results, resp)
	}

	if req.Transactional {
		if err := in.store.Exec(ctx, "COMMIT"); err != nil {
			return nil, err
		}
	}

	out.WALPosition = in.meta.WALPosition
	return out, nil
}

// authorize enforces the ACL and replay rules for one statement. The
// owner passes everything; databases without an owner (dev
// auto-provisioned) are open.
func (in *Instance) authorize(ctx context.Context, address, signature string, timestamp int64, sqlText string, class storage.Classification) (err error) {
	if signature != "" || timestamp != 0 {
		if err := in.checkReplay(address, signature, timestamp, sqlText); err != nil {
			return err
		}
	}

	owner := in.meta.Owner
	if owner == "" {
		return nil
	}
	if strings.EqualFold(address, owner) {
		return nil
	}

	required := acl.PermRead
	if class == storage.Mutating {
		required = acl.PermWrite
	}
	if acl.TouchesACLTable(sqlText) {
		required = acl.PermAdmin
	}

	ok, err := acl.Check(ctx, in.store, owner, address, required)
	if err != nil {
		return err
	}
	if !ok {
		return dberr.Unauthorized("address %q lacks %s permission on database %s", address, required, in.meta.ID)
	}
	return nil
}

func (in *Instance) checkReplay(address, signature string, timestamp int64, sqlText string) error {
	if timestamp == 0 {
		return dberr.Unauthorized("signed request missing timestamp")
	}
	drift := time.Since(time.UnixMilli(timestamp))
	if drift < -ReplayWindow || drift > ReplayWindow {
		return dberr.Unauthorized("request timestamp outside replay window")
	}
	if in.verifier != nil && !in.verifier(address, sqlText, signature) {
		return dberr.Unauthorized("invalid signature for address %q", address)
	}
	return nil
}

// ApplyWALBatch applies pulled entries on a replica, updating the local
// position on success.
func (in *Instance) ApplyWALBatch(ctx context.Context, entries []types.WALEntry) error {
	if len(entries) == 0 {
		return nil
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	if err := in.journal.ApplyBatch(ctx, entries); err != nil {
		return err
	}

	in.meta.WALPosition = entries[len(entries)-1].Position
	in.meta.UpdatedAt = time.Now()
	if digest, err := in.store.SchemaDigest(ctx); err == nil {
		in.meta.SchemaHash = digest
	}
	return nil
}

// FetchWALRange serves a replica pull and records the replica's
// progress for replication status reporting.
func (in *Instance) FetchWALRange(ctx context.Context, req *types.WALSyncRequest) (*types.WALSyncResponse, error) {
	in.mu.Lock()
	resp, err := in.journal.FetchRange(ctx, req.FromPosition, req.Limit)
	in.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if req.NodeID != "" {
		pos := req.FromPosition
		if n := len(resp.Entries); n > 0 {
			pos = resp.Entries[n-1].Position
		}
		in.stateMu.Lock()
		in.replicaState[req.NodeID] = &types.ReplicaStatus{
			WALPosition: pos,
			Lag:         resp.CurrentPos - pos,
			LastSync:    time.Now(),
			Syncing:     resp.HasMore,
		}
		in.stateMu.Unlock()
	}
	return resp, nil
}

// ReplicationStatus returns the primary's view of each replica.
func (in *Instance) ReplicationStatus() map[string]types.ReplicaStatus {
	in.stateMu.Lock()
	defer in.stateMu.Unlock()
	out := make(map[string]types.ReplicaStatus, len(in.replicaState))
	for id, st := range in.replicaState {
		out[id] = *st
	}
	return out
}

// SchemaDigest recomputes the live schema digest.
func (in *Instance) SchemaDigest(ctx context.Context) (string, error) {
	return in.store.SchemaDigest(ctx)
}

// Close releases the underlying handle.
func (in *Instance) Close() error {
	return in.store.Close()
}

// isDDL reports whether the statement changes schema, which requires
// refreshing the schema digest.
func isDDL(sqlText string) bool {
	upper := strings.ToUpper(strings.TrimSpace(sqlText))
	return strings.HasPrefix(upper, "CREATE") ||
		strings.HasPrefix(upper, "DROP") ||
		strings.HasPrefix(upper, "ALTER")
}
