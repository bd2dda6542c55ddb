// Package storage is the adapter between the engine and a local SQLite
// file. It opens databases in WAL journal mode, runs parameterized
// statements, inspects schema, and classifies statements as read-only
// or mutating. It never retries internally; statements are atomic at
// the SQLite layer and serialization is the caller's job.
package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	// The sqlite-vec bindings embed a SQLite WASM build that bundles the
	// vec0 virtual-table extension; it replaces the stock embed.
	_ "github.com/asg017/sqlite-vec-go-bindings/ncruces"
	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	"github.com/tetratelabs/wazero"

	"github.com/sqlit/sqlit/internal/dberr"
	"github.com/sqlit/sqlit/internal/types"
)

// setupWASMCache configures WASM compilation caching so the embedded
// SQLite build is compiled once per machine, not once per process.
// Falls back to an in-memory cache when the cache dir is unavailable.
func setupWASMCache() {
	var cache wazero.CompilationCache
	if userCache, err := os.UserCacheDir(); err == nil {
		dir := filepath.Join(userCache, "sqlit", "wasm")
		if c, err := wazero.NewCompilationCacheWithDir(dir); err == nil {
			cache = c
		}
	}
	if cache == nil {
		cache = wazero.NewCompilationCache()
	}
	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
}

func init() {
	setupWASMCache()
}

// Store wraps one SQLite file handle.
type Store struct {
	db     *sql.DB
	path   string
	closed atomic.Bool
}

// Result reports the effect of a mutating statement.
type Result struct {
	Changes      int64
	LastInsertID int64
}

// Open opens (or creates) the SQLite file at path with the engine's
// required pragmas: journal_mode=WAL, synchronous=NORMAL,
// foreign_keys=ON, and a 5 second busy timeout.
func Open(ctx context.Context, path string, createIfMissing bool) (*Store, error) {
	if !createIfMissing {
		if _, err := os.Stat(path); err != nil {
			return nil, dberr.NotFound("database file %s does not exist", filepath.Base(path))
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, dberr.Storage(err, "creating data directory")
	}

	connStr := "file:" + path + "?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, dberr.Storage(err, "opening %s", filepath.Base(path))
	}

	// One connection per handle. Every statement on a database is
	// serialized by the instance lock, and transactional batches rely
	// on consecutive statements landing on the same connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, dberr.Storage(err, "enabling WAL mode on %s", filepath.Base(path))
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, dberr.Storage(err, "opening %s: not a valid database", filepath.Base(path))
	}

	return &Store{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// DB exposes the underlying pool for packages that manage their own
// statements (the WAL journal and the ACL table live in the same file).
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the handle. Safe to call twice.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// Exec runs a DDL or arbitrary script with no parameters.
func (s *Store) Exec(ctx context.Context, sqlText string) error {
	if _, err := s.db.ExecContext(ctx, sqlText); err != nil {
		return dberr.Storage(err, "exec failed")
	}
	return nil
}

// Run executes one mutating statement with positional parameters.
func (s *Store) Run(ctx context.Context, sqlText string, params []types.Param) (Result, error) {
	res, err := s.db.ExecContext(ctx, sqlText, types.BindValues(params)...)
	if err != nil {
		return Result{}, dberr.Storage(err, "statement failed")
	}
	changes, _ := res.RowsAffected()
	lastID, _ := res.LastInsertId()
	return Result{Changes: changes, LastInsertID: lastID}, nil
}

// Query executes a read-only statement and returns the column list plus
// rows as column-name-to-value maps.
func (s *Store) Query(ctx context.Context, sqlText string, params []types.Param) ([]string, []map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, sqlText, types.BindValues(params)...)
	if err != nil {
		return nil, nil, dberr.Storage(err, "query failed")
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, dberr.Storage(err, "reading columns")
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, dberr.Storage(err, "scanning row")
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = normalizeValue(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, dberr.Storage(err, "iterating rows")
	}
	return cols, out, nil
}

// normalizeValue makes scanned values JSON-friendly. Byte slices are
// copied because the driver may reuse the buffer.
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		out := make([]byte, len(b))
		copy(out, b)
		return out
	}
	return v
}

// SchemaDigest computes the SHA-256 of the newline-joined, name-ordered
// CREATE statements from the master catalog. Internal tables (names
// starting with __ or sqlite_) are excluded so the digest matches
// across primary and replicas regardless of journal bookkeeping.
func (s *Store) SchemaDigest(ctx context.Context) (string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sql FROM sqlite_master
		WHERE sql IS NOT NULL
		  AND name NOT LIKE 'sqlite\_%' ESCAPE '\'
		  AND name NOT LIKE '\_\_%' ESCAPE '\'
		ORDER BY name`)
	if err != nil {
		return "", dberr.Storage(err, "reading schema")
	}
	defer rows.Close()

	var stmts []string
	for rows.Next() {
		var stmt string
		if err := rows.Scan(&stmt); err != nil {
			return "", dberr.Storage(err, "scanning schema row")
		}
		stmts = append(stmts, stmt)
	}
	if err := rows.Err(); err != nil {
		return "", dberr.Storage(err, "iterating schema rows")
	}

	sum := sha256.Sum256([]byte(strings.Join(stmts, "\n")))
	return hex.EncodeToString(sum[:]), nil
}

// RowCount sums the rows of every user table. Reserved tables, views,
// and virtual-table shadows are excluded.
func (s *Store) RowCount(ctx context.Context) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name FROM pragma_table_list
		WHERE schema = 'main'
		  AND type IN ('table', 'virtual')
		  AND name NOT LIKE 'sqlite\_%' ESCAPE '\'
		  AND name NOT LIKE '\_\_%' ESCAPE '\'`)
	if err != nil {
		return 0, dberr.Storage(err, "listing tables")
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return 0, dberr.Storage(err, "scanning table name")
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return 0, dberr.Storage(err, "iterating tables")
	}

	var total int64
	for _, name := range names {
		quoted := strings.ReplaceAll(name, `"`, `""`)
		var n int64
		if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM "%s"`, quoted)).Scan(&n); err != nil {
			return 0, dberr.Storage(err, "counting rows in %s", name)
		}
		total += n
	}
	return total, nil
}

// PageSize returns the database page size in bytes.
func (s *Store) PageSize(ctx context.Context) (int, error) {
	var size int
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&size); err != nil {
		return 0, dberr.Storage(err, "reading page size")
	}
	return size, nil
}

// PageCount returns the number of pages in the main database file.
func (s *Store) PageCount(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&count); err != nil {
		return 0, dberr.Storage(err, "reading page count")
	}
	return count, nil
}

// Checkpoint forces a WAL checkpoint so the main file reflects all
// committed writes. Used before snapshots and page audits.
func (s *Store) Checkpoint(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return dberr.Storage(err, "checkpoint failed")
	}
	return nil
}

// SizeBytes reports the on-disk size of the main database file.
func (s *Store) SizeBytes() int64 {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// RemoveFiles deletes the database file and its -wal and -shm sidecars.
func RemoveFiles(path string) error {
	var firstErr error
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = fmt.Errorf("removing %s: %w", filepath.Base(p), err)
		}
	}
	return firstErr
}
