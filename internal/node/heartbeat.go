package node

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sqlit/sqlit/internal/eventbus"
	"github.com/sqlit/sqlit/internal/types"
)

// HeartbeatInterval between registry check-ins.
const HeartbeatInterval = 10 * time.Second

// offlineAfterMisses marks the node offline once this many consecutive
// heartbeats fail to land.
const offlineAfterMisses = 3

// heartbeatLoop checks in with the registry every interval. Missed
// beats accumulate; after three the node demotes itself to offline and
// a single success brings it back to active. Beats are skipped until
// registration lands.
func (rt *Runtime) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		rt.mu.Lock()
		rt.node.LastHeartbeat = time.Now()
		registered := rt.registered
		rt.mu.Unlock()

		if !registered {
			continue
		}

		hbCtx, cancel := context.WithTimeout(ctx, HeartbeatInterval)
		err := rt.registry.Heartbeat(hbCtx, rt.node.ID)
		cancel()

		if err != nil {
			misses++
			log.WithFields(log.Fields{"err": err, "misses": misses}).Warn("node: heartbeat missed")
			if misses >= offlineAfterMisses {
				rt.setStatus(types.NodeOffline)
			}
			continue
		}

		misses = 0
		rt.setStatus(types.NodeActive)
		rt.bus.Publish(eventbus.Event{
			Type:   eventbus.EventNodeHeartbeat,
			NodeID: rt.node.ID,
			Data:   map[string]any{"databases": rt.manager.Count()},
		})
	}
}

// setStatus transitions the node status, publishing node:offline when
// the node drops out of active.
func (rt *Runtime) setStatus(status types.NodeStatus) {
	rt.mu.Lock()
	prev := rt.node.Status
	if prev == types.NodeExiting || prev == status {
		rt.mu.Unlock()
		return
	}
	rt.node.Status = status
	rt.mu.Unlock()

	log.WithFields(log.Fields{"from": prev, "to": status}).Info("node: status change")
	if status == types.NodeOffline {
		rt.bus.Publish(eventbus.Event{Type: eventbus.EventNodeOffline, NodeID: rt.node.ID})
	}
}
