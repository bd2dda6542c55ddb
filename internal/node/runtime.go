// Package node implements the process-level runtime: registration with
// the external registry, heartbeats, peer discovery, replication loop
// ownership, and request dispatch to database instances. All background
// loops are owned by the Runtime; they are created in Start and
// cancelled in Stop, with no process-wide singletons.
package node

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sqlit/sqlit/internal/audit"
	"github.com/sqlit/sqlit/internal/config"
	"github.com/sqlit/sqlit/internal/database"
	"github.com/sqlit/sqlit/internal/eventbus"
	"github.com/sqlit/sqlit/internal/registry"
	"github.com/sqlit/sqlit/internal/replication"
	"github.com/sqlit/sqlit/internal/tee"
	"github.com/sqlit/sqlit/internal/types"
)

// Version is stamped at build time.
var Version = "dev"

// shutdownGrace bounds how long Stop waits on background work.
const shutdownGrace = 10 * time.Second

// Runtime is the top-level node object.
type Runtime struct {
	cfg      *config.Config
	bus      *eventbus.Bus
	manager  *database.Manager
	registry registry.Client

	mu         sync.Mutex
	node       types.Node
	registered bool
	peers      map[string]*types.PeerConnection
	engines    map[string]*replication.Engine

	auditor *audit.Auditor
	watcher *dirWatcher

	// replTick is the replication pull interval handed to new engines.
	replTick time.Duration

	cancel context.CancelFunc
	bg     sync.WaitGroup
}

// New assembles a runtime from configuration. Nothing starts until
// Start is called.
func New(cfg *config.Config, reg registry.Client) *Runtime {
	bus := eventbus.New()
	now := time.Now()
	nodeID := types.NodeID(cfg.OperatorAddress, cfg.AdvertiseEndpoint, now)

	rt := &Runtime{
		cfg:      cfg,
		bus:      bus,
		registry: reg,
		peers:    make(map[string]*types.PeerConnection),
		engines:  make(map[string]*replication.Engine),
		replTick: replication.DefaultTick,
		node: types.Node{
			ID:            nodeID,
			Operator:      cfg.OperatorAddress,
			Endpoint:      cfg.AdvertiseEndpoint,
			WSEndpoint:    "ws" + trimScheme(cfg.AdvertiseEndpoint),
			Region:        types.ParseRegion(cfg.Region),
			Role:          types.RolePrimary,
			Status:        types.NodePending,
			Staked:        cfg.Stake,
			TEEEnabled:    cfg.TEEEnabled,
			Version:       Version,
			LastHeartbeat: now,
			Score:         500,
		},
	}

	var kms tee.KeyManager
	if cfg.MasterKeyID != "" {
		kms = &tee.StaticKeyManager{MasterKeyID: cfg.MasterKeyID}
	}
	rt.manager = database.NewManager(database.Options{
		DataDir:      cfg.DataDir,
		NodeID:       nodeID,
		DevMode:      cfg.DevMode,
		Bus:          bus,
		Attestor:     &tee.LocalAttestor{Enabled: cfg.TEEEnabled, Measurement: nodeID},
		KMS:          kms,
		HTTPEndpoint: cfg.AdvertiseEndpoint,
	})
	rt.auditor = audit.NewAuditor(rt.manager, rt, bus, nodeID)
	return rt
}

// Manager returns the database manager for request dispatch.
func (rt *Runtime) Manager() *database.Manager { return rt.manager }

// Bus returns the event bus.
func (rt *Runtime) Bus() *eventbus.Bus { return rt.bus }

// Node returns a copy of the node record. An active node with a
// replication engine that is behind or failing reports itself as
// syncing.
func (rt *Runtime) Node() types.Node {
	rt.mu.Lock()
	node := rt.node
	engines := make([]*replication.Engine, 0, len(rt.engines))
	for _, engine := range rt.engines {
		engines = append(engines, engine)
	}
	rt.mu.Unlock()

	node.DatabaseCount = rt.manager.Count()
	if node.Status == types.NodeActive {
		for _, engine := range engines {
			if engine.Syncing() {
				node.Status = types.NodeSyncing
				break
			}
		}
	}
	return node
}

// NodeID returns this node's identifier.
func (rt *Runtime) NodeID() string { return rt.node.ID }

// CountQuery bumps the served-query counter.
func (rt *Runtime) CountQuery() {
	rt.mu.Lock()
	rt.node.TotalQueries++
	rt.mu.Unlock()
}

// Start runs the boot sequence: load databases, register, start the
// heartbeat, replication, audit, and discovery loops.
func (rt *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	rt.cancel = cancel

	if err := rt.manager.LoadAll(ctx); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"node":      rt.node.ID,
		"databases": rt.manager.Count(),
		"dataDir":   rt.cfg.DataDir,
	}).Info("node: loaded databases")

	// Registration is allowed to fail; the node serves locally in
	// offline mode while a background loop keeps retrying.
	if err := rt.register(ctx); err != nil {
		log.WithFields(log.Fields{"err": err}).Warn("node: registry unreachable, running offline")
		rt.bg.Add(1)
		go func() {
			defer rt.bg.Done()
			rt.registerWithBackoff(ctx)
		}()
	}

	rt.mu.Lock()
	rt.node.Status = types.NodeActive
	rt.mu.Unlock()

	rt.bg.Add(1)
	go func() {
		defer rt.bg.Done()
		rt.heartbeatLoop(ctx)
	}()

	rt.reconcileEngines(ctx)
	rt.auditor.Start(ctx)
	rt.discoverPeers(ctx)

	if rt.cfg.DevMode {
		watcher, err := newDirWatcher(rt.cfg.DataDir, rt.manager)
		if err != nil {
			log.WithFields(log.Fields{"err": err}).Warn("node: data dir watcher unavailable")
		} else {
			rt.watcher = watcher
			rt.watcher.start(ctx)
		}
	}
	return nil
}

// Stop runs the shutdown sequence: mark exiting, stop every loop, close
// every database handle, drop peers. Never waits on network I/O past
// the grace period.
func (rt *Runtime) Stop() {
	rt.mu.Lock()
	rt.node.Status = types.NodeExiting
	engines := rt.engines
	rt.engines = make(map[string]*replication.Engine)
	rt.mu.Unlock()

	if rt.cancel != nil {
		rt.cancel()
	}

	var g errgroup.Group
	for _, engine := range engines {
		g.Go(func() error {
			engine.Stop()
			return nil
		})
	}
	g.Go(func() error {
		rt.auditor.Stop()
		return nil
	})

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		rt.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		log.Warn("node: shutdown grace elapsed, abandoning background work")
	}

	if rt.watcher != nil {
		rt.watcher.stop()
	}
	rt.manager.CloseAll()

	rt.mu.Lock()
	rt.peers = make(map[string]*types.PeerConnection)
	rt.mu.Unlock()
	log.Info("node: stopped")
}

// register checks for an existing registry record and submits a
// registration when there is none.
func (rt *Runtime) register(ctx context.Context) error {
	record, err := rt.registry.GetNode(ctx, rt.node.ID)
	if err == nil && record != nil {
		rt.mu.Lock()
		rt.registered = true
		rt.node.Staked = record.Staked
		rt.mu.Unlock()
		rt.bus.Publish(eventbus.Event{Type: eventbus.EventNodeRegistered, NodeID: rt.node.ID})
		return nil
	}
	if err != nil && !errors.Is(err, registry.ErrNodeUnknown) {
		return err
	}

	_, err = rt.registry.RegisterNode(ctx,
		rt.cfg.AdvertiseEndpoint,
		types.RegionIndex(types.ParseRegion(rt.cfg.Region)),
		rt.cfg.TEEEnabled,
		rt.cfg.Stake,
	)
	if err != nil {
		return err
	}

	rt.mu.Lock()
	rt.registered = true
	rt.mu.Unlock()
	rt.bus.Publish(eventbus.Event{Type: eventbus.EventNodeRegistered, NodeID: rt.node.ID})
	return nil
}

// registerWithBackoff retries registration until it lands or the
// runtime shuts down.
func (rt *Runtime) registerWithBackoff(ctx context.Context) {
	_, err := registry.RegisterWithRetry(ctx, rt.registry,
		rt.cfg.AdvertiseEndpoint,
		types.RegionIndex(types.ParseRegion(rt.cfg.Region)),
		rt.cfg.TEEEnabled,
		rt.cfg.Stake,
	)
	if err != nil {
		return
	}
	rt.mu.Lock()
	rt.registered = true
	rt.mu.Unlock()
	rt.bus.Publish(eventbus.Event{Type: eventbus.EventNodeRegistered, NodeID: rt.node.ID})
	log.Info("node: registered with registry")
}

// reconcileEngines starts a replication engine for every database whose
// primary is another node, and stops engines for databases this node
// now leads.
func (rt *Runtime) reconcileEngines(ctx context.Context) {
	for _, instance := range rt.manager.List() {
		meta := instance.Meta()
		rt.mu.Lock()
		engine, running := rt.engines[meta.ID]
		rt.mu.Unlock()

		if meta.PrimaryNodeID == rt.node.ID {
			if running {
				engine.Stop()
				rt.mu.Lock()
				delete(rt.engines, meta.ID)
				rt.mu.Unlock()
			}
			continue
		}
		if running {
			continue
		}

		endpoint, ok := rt.PeerEndpoint(meta.PrimaryNodeID)
		if !ok {
			log.WithFields(log.Fields{
				"database": meta.ID,
				"primary":  meta.PrimaryNodeID,
			}).Warn("node: primary endpoint unknown, replication deferred")
			continue
		}

		engine = replication.NewEngine(instance, replication.NewHTTPClient(endpoint), rt.bus, rt.node.ID)
		engine.SetTick(rt.replTick)
		rt.mu.Lock()
		rt.engines[meta.ID] = engine
		rt.mu.Unlock()
		engine.Start(ctx)
	}
}

func trimScheme(endpoint string) string {
	for _, prefix := range []string{"https", "http"} {
		if len(endpoint) > len(prefix) && endpoint[:len(prefix)] == prefix {
			return endpoint[len(prefix):]
		}
	}
	return "://" + endpoint
}
