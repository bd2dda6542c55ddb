package node

import (
	"context"
	"errors"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sqlit/sqlit/internal/registry"
	"github.com/sqlit/sqlit/internal/types"
)

// probeTimeout bounds peer liveness probes.
const probeTimeout = 3 * time.Second

// PeerEndpoint resolves a node id to its HTTP endpoint. Implements
// audit.PeerResolver.
func (rt *Runtime) PeerEndpoint(nodeID string) (string, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	peer, ok := rt.peers[nodeID]
	if !ok || peer.Endpoint == "" {
		return "", false
	}
	return peer.Endpoint, true
}

// Peers returns a snapshot of the peer table.
func (rt *Runtime) Peers() []types.PeerConnection {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]types.PeerConnection, 0, len(rt.peers))
	for _, peer := range rt.peers {
		out = append(out, *peer)
	}
	return out
}

// AddPeer inserts or updates a peer record directly. Used by the
// admin surface and by tests; registry discovery uses the same path.
func (rt *Runtime) AddPeer(nodeID, endpoint string, role types.NodeRole) {
	rt.mu.Lock()
	rt.peers[nodeID] = &types.PeerConnection{
		NodeID:   nodeID,
		Endpoint: endpoint,
		Role:     role,
	}
	rt.mu.Unlock()
}

// discoverPeers resolves every node id referenced by hosted databases
// (primaries and replicas) through the registry, then probes each for
// liveness. Peer state is soft; a missing registry just leaves the
// table empty.
func (rt *Runtime) discoverPeers(ctx context.Context) {
	wanted := make(map[string]bool)
	for _, instance := range rt.manager.List() {
		meta := instance.Meta()
		if meta.PrimaryNodeID != "" && meta.PrimaryNodeID != rt.node.ID {
			wanted[meta.PrimaryNodeID] = true
		}
		for _, id := range meta.ReplicaNodeIDs {
			if id != rt.node.ID {
				wanted[id] = true
			}
		}
	}

	for nodeID := range wanted {
		if _, ok := rt.PeerEndpoint(nodeID); ok {
			continue
		}
		record, err := rt.registry.GetNode(ctx, nodeID)
		if err != nil {
			if !errors.Is(err, registry.ErrUnavailable) {
				log.WithFields(log.Fields{"peer": nodeID, "err": err}).Debug("node: peer lookup failed")
			}
			continue
		}
		rt.AddPeer(record.NodeID, record.Endpoint, record.Role)
	}

	rt.probePeers(ctx)
	rt.reconcileEngines(ctx)
}

// probePeers pings each peer's status endpoint and records latency.
func (rt *Runtime) probePeers(ctx context.Context) {
	rt.mu.Lock()
	peers := make([]*types.PeerConnection, 0, len(rt.peers))
	for _, peer := range rt.peers {
		peers = append(peers, peer)
	}
	rt.mu.Unlock()

	client := &http.Client{Timeout: probeTimeout}
	for _, peer := range peers {
		start := time.Now()
		ok := probe(ctx, client, peer.Endpoint)
		latency := time.Since(start)

		rt.mu.Lock()
		peer.LastPing = time.Now()
		peer.Latency = latency
		peer.Connected = ok
		rt.mu.Unlock()

		if !ok {
			log.WithFields(log.Fields{"peer": peer.NodeID, "endpoint": peer.Endpoint}).Debug("node: peer probe failed")
		}
	}
}

func probe(ctx context.Context, client *http.Client, endpoint string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/v1/status", nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
