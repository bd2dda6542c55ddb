package database

import (
	"context"
	"os"

	"github.com/sqlit/sqlit/internal/dberr"
	"github.com/sqlit/sqlit/internal/storage"
	"github.com/sqlit/sqlit/internal/tee"
)

// ExportSnapshot checkpoints the WAL and returns the database file. The
// snapshot contains the __wal table, so an import carries the chain
// with it. At-rest databases are sealed in the key envelope before the
// bytes leave the node.
func (in *Instance) ExportSnapshot(ctx context.Context) ([]byte, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if err := in.store.Checkpoint(ctx); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(in.store.Path())
	if err != nil {
		return nil, dberr.Storage(err, "reading database file")
	}
	sealed, err := in.gate.SealSnapshot(data)
	if err != nil {
		return nil, dberr.Storage(err, "sealing snapshot")
	}
	return sealed, nil
}

// ReadPage checkpoints and returns one raw page of the main database
// file, for the audit protocol. Page indexes are zero-based.
func (in *Instance) ReadPage(ctx context.Context, pageIndex uint32) ([]byte, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if err := in.store.Checkpoint(ctx); err != nil {
		return nil, err
	}
	pageSize, err := in.store.PageSize(ctx)
	if err != nil {
		return nil, err
	}
	pageCount, err := in.store.PageCount(ctx)
	if err != nil {
		return nil, err
	}
	if int(pageIndex) >= pageCount {
		return nil, dberr.InvalidRequest("page index %d out of range (%d pages)", pageIndex, pageCount)
	}

	f, err := os.Open(in.store.Path())
	if err != nil {
		return nil, dberr.Storage(err, "opening database file")
	}
	defer f.Close()

	page := make([]byte, pageSize)
	if _, err := f.ReadAt(page, int64(pageIndex)*int64(pageSize)); err != nil {
		return nil, dberr.Storage(err, "reading page %d", pageIndex)
	}
	return page, nil
}

// PageCount returns the number of pages after a checkpoint, for audit
// challenge selection.
func (in *Instance) PageCount(ctx context.Context) (int, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if err := in.store.Checkpoint(ctx); err != nil {
		return 0, err
	}
	return in.store.PageCount(ctx)
}

// ImportSnapshot replaces a database with the given file contents. This
// is the one sanctioned way a WAL position resets: the imported file's
// journal becomes the new chain.
func (m *Manager) ImportSnapshot(ctx context.Context, id string, data []byte) (*Instance, error) {
	if !databaseIDRe.MatchString(id) {
		return nil, dberr.InvalidRequest("database id must be 32 hex characters")
	}

	if tee.IsSealed(data) {
		if m.opts.KMS == nil {
			return nil, dberr.InvalidRequest("snapshot is sealed but no key manager is configured")
		}
		key, err := m.opts.KMS.DataKey(ctx, id)
		if err != nil {
			return nil, dberr.Storage(err, "resolving data key")
		}
		opened, err := tee.Open(key, data)
		if err != nil {
			return nil, dberr.InvalidRequest("unsealing snapshot: %v", err)
		}
		data = opened
	}

	m.mu.Lock()
	if in, ok := m.instances[id]; ok {
		delete(m.instances, id)
		m.mu.Unlock()
		if err := in.Close(); err != nil {
			return nil, dberr.Storage(err, "closing database before import")
		}
	} else {
		m.mu.Unlock()
	}

	path := m.path(id)
	if err := storage.RemoveFiles(path); err != nil {
		return nil, dberr.Storage(err, "clearing old database files")
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return nil, dberr.Storage(err, "writing snapshot")
	}

	return m.Load(ctx, id)
}
