package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sqlit/sqlit/internal/dberr"
	"github.com/sqlit/sqlit/internal/eventbus"
	"github.com/sqlit/sqlit/internal/storage"
	"github.com/sqlit/sqlit/internal/tee"
	"github.com/sqlit/sqlit/internal/types"
	"github.com/sqlit/sqlit/internal/wal"
)

// metaSchema is the reserved per-file metadata table. The database
// record lives inside its own file, so a data directory is
// self-describing on reload.
const metaSchema = `
CREATE TABLE IF NOT EXISTS __meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`

const metaKeyDatabase = "database"

var databaseIDRe = regexp.MustCompile(`^[0-9a-f]{32}$`)

// Options configures a manager.
type Options struct {
	DataDir  string
	NodeID   string
	DevMode  bool
	Bus      *eventbus.Bus
	Attestor tee.Attestor
	KMS      tee.KeyManager
	Verifier Verifier

	// HTTPEndpoint is advertised in database metadata.
	HTTPEndpoint string
}

// Manager owns every database instance hosted by a node.
type Manager struct {
	opts Options

	mu        sync.Mutex
	instances map[string]*Instance
}

// NewManager creates an empty manager.
func NewManager(opts Options) *Manager {
	if opts.Bus == nil {
		opts.Bus = eventbus.New()
	}
	return &Manager{opts: opts, instances: make(map[string]*Instance)}
}

// LoadAll opens every <id>.db file in the data directory. Reserved
// file names (__*) and sidecars are skipped. Corrupt files are logged
// and skipped rather than failing the whole boot.
func (m *Manager) LoadAll(ctx context.Context) error {
	if err := os.MkdirAll(m.opts.DataDir, 0o750); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	entries, err := os.ReadDir(m.opts.DataDir)
	if err != nil {
		return fmt.Errorf("reading data directory: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, "__") || !strings.HasSuffix(name, ".db") {
			continue
		}
		id := strings.TrimSuffix(name, ".db")
		if !databaseIDRe.MatchString(id) {
			continue
		}
		if _, err := m.Load(ctx, id); err != nil {
			log.WithFields(log.Fields{"database": id, "err": err}).Warn("skipping unloadable database file")
		}
	}
	return nil
}

// Load opens one existing database file and registers the instance.
func (m *Manager) Load(ctx context.Context, id string) (*Instance, error) {
	m.mu.Lock()
	if in, ok := m.instances[id]; ok {
		m.mu.Unlock()
		return in, nil
	}
	m.mu.Unlock()

	store, err := storage.Open(ctx, m.path(id), false)
	if err != nil {
		return nil, err
	}

	meta, err := readMeta(ctx, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if meta == nil {
		// A bare SQLite file dropped into the data directory. Adopt it
		// with defaults; the registry is consulted later for the true
		// role.
		meta = &types.Database{
			ID:          id,
			Name:        id,
			Encryption:  types.EncryptionNone,
			Replication: types.DefaultReplicationConfig(),
			CreatedAt:   time.Now(),
		}
	}
	if meta.PrimaryNodeID == "" {
		meta.PrimaryNodeID = m.opts.NodeID
	}

	in, err := m.assemble(ctx, store, meta)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return in, nil
}

// Create provisions a new database. The physical file must not already
// exist. Initial DDL runs and is journaled so replicas replay it.
func (m *Manager) Create(ctx context.Context, req *types.CreateDatabaseRequest) (*types.Database, error) {
	if !req.Encryption.Valid() {
		return nil, dberr.InvalidRequest("unknown encryption mode %d", req.Encryption)
	}
	if req.Replication.SyncMode == "" {
		req.Replication = types.DefaultReplicationConfig()
	}
	if err := req.Replication.Validate(); err != nil {
		return nil, dberr.InvalidRequest("%v", err)
	}

	now := time.Now()
	id := req.DatabaseID
	if id == "" {
		id = types.DatabaseID(req.Name, req.Owner, now)
	} else if !databaseIDRe.MatchString(id) {
		return nil, dberr.InvalidRequest("database id must be 32 hex characters")
	}

	path := m.path(id)
	if _, err := os.Stat(path); err == nil {
		return nil, dberr.AlreadyExists("database %s already exists", id)
	}

	store, err := storage.Open(ctx, path, true)
	if err != nil {
		return nil, err
	}

	meta := &types.Database{
		ID:            id,
		Name:          req.Name,
		Owner:         req.Owner,
		Encryption:    req.Encryption,
		Replication:   req.Replication,
		PrimaryNodeID: m.opts.NodeID,
		CreatedAt:     now,
		UpdatedAt:     now,
		HTTPEndpoint:  m.opts.HTTPEndpoint,
		ConnString:    fmt.Sprintf("sqlit://%s/%s", strings.TrimPrefix(m.opts.HTTPEndpoint, "http://"), id),
	}

	in, err := m.assemble(ctx, store, meta)
	if err != nil {
		_ = store.Close()
		_ = storage.RemoveFiles(path)
		return nil, err
	}

	if req.InitialDDL != "" {
		resp := types.ExecuteResponse{}
		in.mu.Lock()
		err := in.mutateLocked(ctx, req.InitialDDL, nil, &resp)
		in.mu.Unlock()
		if err != nil {
			m.evict(id)
			_ = in.Close()
			_ = storage.RemoveFiles(path)
			return nil, err
		}
	}

	m.opts.Bus.Publish(eventbus.Event{
		Type:       eventbus.EventDatabaseCreated,
		NodeID:     m.opts.NodeID,
		DatabaseID: id,
		Data:       map[string]any{"name": req.Name, "owner": req.Owner},
	})

	out := in.Meta()
	return &out, nil
}

// Delete closes the instance and removes its files and sidecars.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	in, ok := m.instances[id]
	delete(m.instances, id)
	m.mu.Unlock()

	if !ok {
		return dberr.NotFound("database %s not found", id)
	}
	if err := in.Close(); err != nil {
		log.WithFields(log.Fields{"database": id, "err": err}).Warn("closing database before delete")
	}
	if err := storage.RemoveFiles(m.path(id)); err != nil {
		return dberr.Storage(err, "removing database files")
	}

	m.opts.Bus.Publish(eventbus.Event{
		Type:       eventbus.EventDatabaseDeleted,
		NodeID:     m.opts.NodeID,
		DatabaseID: id,
	})
	return nil
}

// Get resolves an instance, auto-provisioning in development mode. In
// production an unknown id is not found.
func (m *Manager) Get(ctx context.Context, id string) (*Instance, error) {
	m.mu.Lock()
	in, ok := m.instances[id]
	m.mu.Unlock()
	if ok {
		return in, nil
	}

	if !m.opts.DevMode {
		return nil, dberr.NotFound("database %s not found", id)
	}
	if !databaseIDRe.MatchString(id) {
		return nil, dberr.InvalidRequest("database id must be 32 hex characters")
	}

	// Development convenience: first touch creates the database with
	// defaults.
	if _, err := m.Create(ctx, &types.CreateDatabaseRequest{DatabaseID: id, Name: id}); err != nil {
		return nil, err
	}
	m.mu.Lock()
	in = m.instances[id]
	m.mu.Unlock()
	return in, nil
}

// List returns all hosted instances.
func (m *Manager) List() []*Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Instance, 0, len(m.instances))
	for _, in := range m.instances {
		out = append(out, in)
	}
	return out
}

// Count returns the number of hosted databases.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.instances)
}

// SetRole updates the primary assignment for a database, typically
// after consulting the registry or on an externally signaled failover.
func (m *Manager) SetRole(id, primaryNodeID string, replicaIDs []string) error {
	m.mu.Lock()
	in, ok := m.instances[id]
	m.mu.Unlock()
	if !ok {
		return dberr.NotFound("database %s not found", id)
	}

	in.mu.Lock()
	wasPrimary := in.meta.PrimaryNodeID == in.nodeID
	in.meta.PrimaryNodeID = primaryNodeID
	in.meta.ReplicaNodeIDs = replicaIDs
	isPrimary := primaryNodeID == in.nodeID
	in.mu.Unlock()

	if wasPrimary != isPrimary {
		m.opts.Bus.Publish(eventbus.Event{
			Type:       eventbus.EventDatabaseFailover,
			NodeID:     m.opts.NodeID,
			DatabaseID: id,
			Data:       map[string]any{"primaryNodeId": primaryNodeID},
		})
	}
	return nil
}

// CloseAll flushes and closes every instance.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	instances := make([]*Instance, 0, len(m.instances))
	for _, in := range m.instances {
		instances = append(instances, in)
	}
	m.instances = make(map[string]*Instance)
	m.mu.Unlock()

	for _, in := range instances {
		if err := in.Close(); err != nil {
			log.WithFields(log.Fields{"database": in.ID(), "err": err}).Warn("closing database")
		}
	}
}

func (m *Manager) path(id string) string {
	return filepath.Join(m.opts.DataDir, id+".db")
}

func (m *Manager) evict(id string) {
	m.mu.Lock()
	delete(m.instances, id)
	m.mu.Unlock()
}

// assemble wires a store and metadata into a registered instance.
func (m *Manager) assemble(ctx context.Context, store *storage.Store, meta *types.Database) (*Instance, error) {
	journal, err := wal.New(ctx, store)
	if err != nil {
		return nil, err
	}

	// The journal is authoritative for position; persisted metadata may
	// trail it after a crash.
	headPos, _, err := journal.Head(ctx)
	if err != nil {
		return nil, err
	}
	meta.WALPosition = headPos

	if digest, err := store.SchemaDigest(ctx); err == nil {
		meta.SchemaHash = digest
	}

	gate, err := tee.New(ctx, meta.ID, meta.Encryption, m.opts.Attestor, m.opts.KMS)
	if err != nil {
		return nil, err
	}

	if err := writeMeta(ctx, store, meta); err != nil {
		return nil, err
	}

	in := &Instance{
		meta:         meta,
		store:        store,
		journal:      journal,
		gate:         gate,
		nodeID:       m.opts.NodeID,
		verifier:     m.opts.Verifier,
		replicaState: make(map[string]*types.ReplicaStatus),
	}

	m.mu.Lock()
	if existing, ok := m.instances[meta.ID]; ok {
		m.mu.Unlock()
		_ = store.Close()
		return existing, nil
	}
	m.instances[meta.ID] = in
	m.mu.Unlock()
	return in, nil
}

func readMeta(ctx context.Context, store *storage.Store) (*types.Database, error) {
	if err := store.Exec(ctx, metaSchema); err != nil {
		return nil, err
	}
	var raw string
	err := store.DB().QueryRowContext(ctx,
		"SELECT value FROM __meta WHERE key = ?", metaKeyDatabase).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dberr.Storage(err, "reading database metadata")
	}
	var meta types.Database
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, dberr.Storage(err, "decoding database metadata")
	}
	return &meta, nil
}

func writeMeta(ctx context.Context, store *storage.Store, meta *types.Database) error {
	if err := store.Exec(ctx, metaSchema); err != nil {
		return err
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding database metadata: %w", err)
	}
	_, err = store.DB().ExecContext(ctx,
		"INSERT INTO __meta (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value",
		metaKeyDatabase, string(raw))
	if err != nil {
		return dberr.Storage(err, "writing database metadata")
	}
	return nil
}
