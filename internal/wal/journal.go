// Package wal implements the hash-chained write-ahead journal. Every
// mutating statement on a primary is recorded as an entry in the
// reserved __wal table inside the same SQLite file; replicas pull
// ranges, verify the chain, and re-execute the entries in order.
//
// The chain is tamper evident: each entry's hash covers the previous
// entry's hash, so altering any entry invalidates everything after it.
package wal

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sqlit/sqlit/internal/dberr"
	"github.com/sqlit/sqlit/internal/storage"
	"github.com/sqlit/sqlit/internal/types"
)

// ZeroHash is the prevHash of the first entry in every chain.
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

// DefaultFetchLimit caps entries per fetch when the caller asks for more
// or does not say.
const DefaultFetchLimit = 1000

const schema = `
CREATE TABLE IF NOT EXISTS __wal (
	position      INTEGER PRIMARY KEY AUTOINCREMENT,
	transactionId TEXT NOT NULL,
	timestamp     INTEGER NOT NULL,
	sql           TEXT NOT NULL,
	params        TEXT,
	hash          TEXT NOT NULL,
	prevHash      TEXT NOT NULL
)`

// Journal manages the __wal table of one database. Callers serialize
// access: Append runs under the same per-database lock as the statement
// it records, so positions are gapless and strictly monotonic.
type Journal struct {
	store *storage.Store
}

// New attaches a journal to an open store and ensures the __wal table
// exists.
func New(ctx context.Context, store *storage.Store) (*Journal, error) {
	if err := store.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("creating wal table: %w", err)
	}
	return &Journal{store: store}, nil
}

// Head returns the highest position and its hash. An empty journal is
// position 0 with the zero hash.
func (j *Journal) Head(ctx context.Context) (uint64, string, error) {
	var pos uint64
	var hash string
	err := j.store.DB().QueryRowContext(ctx,
		"SELECT position, hash FROM __wal ORDER BY position DESC LIMIT 1").Scan(&pos, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ZeroHash, nil
	}
	if err != nil {
		return 0, "", dberr.Storage(err, "reading wal head")
	}
	return pos, hash, nil
}

// Append records one mutating statement. It must be called under the
// per-database lock, after the statement has executed successfully.
func (j *Journal) Append(ctx context.Context, sqlText string, params []types.Param) (*types.WALEntry, error) {
	headPos, headHash, err := j.Head(ctx)
	if err != nil {
		return nil, err
	}

	entry := &types.WALEntry{
		Position:      headPos + 1,
		TransactionID: uuid.NewString(),
		Timestamp:     time.Now().UnixMilli(),
		SQL:           sqlText,
		Params:        params,
		PrevHash:      headHash,
	}
	entry.Hash = EntryDigest(entry)

	if err := j.insert(ctx, j.store.DB(), entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// FetchRange returns entries with position strictly greater than fromPos,
// ascending, up to limit. HasMore reports whether the journal extends
// past the returned batch.
func (j *Journal) FetchRange(ctx context.Context, fromPos uint64, limit int) (*types.WALSyncResponse, error) {
	if limit <= 0 || limit > DefaultFetchLimit {
		limit = DefaultFetchLimit
	}

	headPos, _, err := j.Head(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := j.store.DB().QueryContext(ctx, `
		SELECT position, transactionId, timestamp, sql, params, hash, prevHash
		FROM __wal WHERE position > ? ORDER BY position ASC LIMIT ?`, fromPos, limit)
	if err != nil {
		return nil, dberr.Storage(err, "fetching wal range")
	}
	defer rows.Close()

	var entries []types.WALEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, dberr.Storage(err, "iterating wal range")
	}

	hasMore := false
	if len(entries) == limit && entries[len(entries)-1].Position < headPos {
		hasMore = true
	}
	return &types.WALSyncResponse{Entries: entries, HasMore: hasMore, CurrentPos: headPos}, nil
}

// ApplyBatch verifies and applies entries on a replica. The first
// entry's prevHash must match the replica's current head hash and every
// entry must recompute to its claimed hash. The whole batch applies in
// one transaction: on any mismatch or execution failure nothing is
// kept, so a replica is never left between positions.
func (j *Journal) ApplyBatch(ctx context.Context, entries []types.WALEntry) error {
	if len(entries) == 0 {
		return nil
	}

	headPos, headHash, err := j.Head(ctx)
	if err != nil {
		return err
	}
	if err := VerifyChain(entries, headPos, headHash); err != nil {
		return err
	}

	tx, err := j.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return dberr.Storage(err, "beginning apply transaction")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	for i := range entries {
		entry := &entries[i]
		if !isTransactionControl(entry.SQL) {
			if _, err := tx.ExecContext(ctx, entry.SQL, types.BindValues(entry.Params)...); err != nil {
				return dberr.Storage(err, "applying entry %d", entry.Position)
			}
		}
		if err := j.insert(ctx, tx, entry); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return dberr.Storage(err, "committing apply transaction")
	}
	committed = true
	return nil
}

// VerifyChain checks a batch against the local head without applying it.
func VerifyChain(entries []types.WALEntry, headPos uint64, headHash string) error {
	prevHash := headHash
	prevPos := headPos
	for i := range entries {
		entry := &entries[i]
		if entry.Position != prevPos+1 {
			return dberr.WALChain("entry position %d does not follow %d", entry.Position, prevPos)
		}
		if entry.PrevHash != prevHash {
			return dberr.WALChain("entry %d prevHash mismatch", entry.Position)
		}
		if EntryDigest(entry) != entry.Hash {
			return dberr.WALChain("entry %d hash mismatch", entry.Position)
		}
		prevHash = entry.Hash
		prevPos = entry.Position
	}
	return nil
}

// EntryDigest computes the canonical SHA-256 over
// position|txId|timestamp|sql|params|prevHash. Params encode as the
// JSON array of tagged values, or the literal null when absent.
func EntryDigest(entry *types.WALEntry) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%s:%d:%s:%s:%s",
		entry.Position, entry.TransactionID, entry.Timestamp,
		entry.SQL, paramsJSON(entry.Params), entry.PrevHash)))
	return hex.EncodeToString(sum[:])
}

func paramsJSON(params []types.Param) string {
	if len(params) == 0 {
		return "null"
	}
	raw, err := json.Marshal(params)
	if err != nil {
		// Params were already marshaled once on the way in; this cannot
		// fail for values that passed decoding.
		return "null"
	}
	return string(raw)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (j *Journal) insert(ctx context.Context, exec execer, entry *types.WALEntry) error {
	var paramsCol any
	if len(entry.Params) > 0 {
		paramsCol = paramsJSON(entry.Params)
	}
	_, err := exec.ExecContext(ctx, `
		INSERT INTO __wal (position, transactionId, timestamp, sql, params, hash, prevHash)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.Position, entry.TransactionID, entry.Timestamp,
		entry.SQL, paramsCol, entry.Hash, entry.PrevHash)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "PRIMARY KEY") {
			return dberr.WALChain("duplicate position %d", entry.Position)
		}
		return dberr.Storage(err, "inserting wal entry %d", entry.Position)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*types.WALEntry, error) {
	var entry types.WALEntry
	var paramsCol sql.NullString
	if err := row.Scan(&entry.Position, &entry.TransactionID, &entry.Timestamp,
		&entry.SQL, &paramsCol, &entry.Hash, &entry.PrevHash); err != nil {
		return nil, dberr.Storage(err, "scanning wal entry")
	}
	if paramsCol.Valid && paramsCol.String != "" && paramsCol.String != "null" {
		if err := json.Unmarshal([]byte(paramsCol.String), &entry.Params); err != nil {
			return nil, dberr.Storage(err, "decoding params for entry %d", entry.Position)
		}
	}
	return &entry, nil
}

// isTransactionControl reports whether the statement is a BEGIN, COMMIT,
// or ROLLBACK marker. Replicas apply batches inside their own
// transaction, so the primary's transaction boundaries are not replayed.
func isTransactionControl(sqlText string) bool {
	upper := strings.ToUpper(strings.TrimSpace(sqlText))
	return strings.HasPrefix(upper, "BEGIN") ||
		strings.HasPrefix(upper, "COMMIT") ||
		strings.HasPrefix(upper, "ROLLBACK")
}
