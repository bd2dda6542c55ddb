// Package replication runs the replica side of WAL sync: a periodic
// tick per database that pulls entry ranges from the primary, verifies
// the hash chain, and applies them in order. One tick is in flight per
// database at a time; a full batch triggers an immediate follow-up
// tick until the replica catches up.
package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sqlit/sqlit/internal/database"
	"github.com/sqlit/sqlit/internal/dberr"
	"github.com/sqlit/sqlit/internal/eventbus"
	"github.com/sqlit/sqlit/internal/types"
)

// DefaultTick is the pull interval when the replica is caught up.
const DefaultTick = time.Second

// rpcTimeout bounds one sync round-trip.
const rpcTimeout = 10 * time.Second

// errorThreshold consecutive failures flip the engine into syncing
// status for observability.
const errorThreshold = 3

// Client pulls WAL ranges from a primary. The HTTP implementation posts
// to the primary's /v2/wal/sync endpoint.
type Client interface {
	FetchWAL(ctx context.Context, req *types.WALSyncRequest) (*types.WALSyncResponse, error)
}

// HTTPClient is the production Client.
type HTTPClient struct {
	// Endpoint is the primary's base URL.
	Endpoint string
	HTTP     *http.Client
}

// NewHTTPClient creates a client for one primary endpoint.
func NewHTTPClient(endpoint string) *HTTPClient {
	return &HTTPClient{
		Endpoint: endpoint,
		HTTP:     &http.Client{Timeout: rpcTimeout},
	}
}

// FetchWAL implements Client.
func (c *HTTPClient) FetchWAL(ctx context.Context, req *types.WALSyncRequest) (*types.WALSyncResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding sync request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint+"/v2/wal/sync", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("wal sync request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("wal sync returned %d: %s", resp.StatusCode, data)
	}

	var out types.WALSyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding sync response: %w", err)
	}
	return &out, nil
}

// Engine follows one primary database from one replica instance.
type Engine struct {
	instance *database.Instance
	client   Client
	bus      *eventbus.Bus
	nodeID   string
	tick     time.Duration

	mu       sync.Mutex
	running  bool
	errCount int
	syncing  bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine creates a replication engine for one database.
func NewEngine(instance *database.Instance, client Client, bus *eventbus.Bus, nodeID string) *Engine {
	return &Engine{
		instance: instance,
		client:   client,
		bus:      bus,
		nodeID:   nodeID,
		tick:     DefaultTick,
	}
}

// SetTick overrides the pull interval (tests).
func (e *Engine) SetTick(d time.Duration) { e.tick = d }

// Syncing reports whether the engine is behind or failing.
func (e *Engine) Syncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncing
}

// Start launches the pull loop. Stop cancels it.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	e.mu.Unlock()

	go e.loop(ctx)
}

// Stop cancels the loop and waits for the in-flight tick to finish. A
// mid-batch apply is never interrupted: the apply transaction commits
// or rolls back whole.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	cancel()
	<-done
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)

	timer := time.NewTimer(e.tick)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		hasMore := e.syncOnce(ctx)
		if hasMore {
			// More entries are waiting; pull again immediately.
			timer.Reset(0)
		} else {
			timer.Reset(e.tick)
		}
	}
}

// syncOnce runs one pull-verify-apply round. Returns true when the
// primary reported more entries past this batch.
func (e *Engine) syncOnce(ctx context.Context) bool {
	dbID := e.instance.ID()
	fromPos := e.instance.WALPosition()

	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	resp, err := e.client.FetchWAL(ctx, &types.WALSyncRequest{
		DatabaseID:   dbID,
		FromPosition: fromPos,
		Limit:        1000,
		NodeID:       e.nodeID,
	})
	if err != nil {
		e.fail(dbID, fromPos, err)
		return false
	}

	if len(resp.Entries) == 0 {
		e.recover()
		return false
	}

	// Apply is all-or-nothing; a chain mismatch leaves the position
	// unchanged and surfaces as a lagging event.
	if err := e.instance.ApplyWALBatch(ctx, resp.Entries); err != nil {
		e.fail(dbID, fromPos, err)
		return false
	}

	newPos := resp.Entries[len(resp.Entries)-1].Position
	e.recover()
	e.bus.Publish(eventbus.Event{
		Type:       eventbus.EventReplicationSynced,
		NodeID:     e.nodeID,
		DatabaseID: dbID,
		Data: map[string]any{
			"count":    len(resp.Entries),
			"position": newPos,
		},
	})
	return resp.HasMore
}

func (e *Engine) fail(dbID string, fromPos uint64, err error) {
	e.mu.Lock()
	e.errCount++
	if e.errCount >= errorThreshold {
		e.syncing = true
	}
	e.mu.Unlock()

	log.WithFields(log.Fields{
		"database": dbID,
		"position": fromPos,
		"err":      err,
	}).Warn("replication: sync tick failed")

	e.bus.Publish(eventbus.Event{
		Type:       eventbus.EventReplicationLagging,
		NodeID:     e.nodeID,
		DatabaseID: dbID,
		Data: map[string]any{
			"position": fromPos,
			"code":     string(dberr.CodeOf(err)),
			"error":    err.Error(),
		},
	})
}

func (e *Engine) recover() {
	e.mu.Lock()
	e.errCount = 0
	e.syncing = false
	e.mu.Unlock()
}
