package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlit/sqlit/internal/database"
	"github.com/sqlit/sqlit/internal/eventbus"
	"github.com/sqlit/sqlit/internal/types"
)

type staticPeers map[string]string

func (p staticPeers) PeerEndpoint(nodeID string) (string, bool) {
	ep, ok := p[nodeID]
	return ep, ok
}

func newAuditedPair(t *testing.T) (*database.Manager, *database.Instance, *database.Instance) {
	t.Helper()
	ctx := context.Background()

	primaryMgr := database.NewManager(database.Options{
		DataDir: t.TempDir(),
		NodeID:  "node-primary",
		Bus:     eventbus.New(),
	})
	t.Cleanup(primaryMgr.CloseAll)
	db, err := primaryMgr.Create(ctx, &types.CreateDatabaseRequest{Name: "audited"})
	require.NoError(t, err)
	primary, err := primaryMgr.Get(ctx, db.ID)
	require.NoError(t, err)
	_, err = primary.Execute(ctx, &types.ExecuteRequest{SQL: "CREATE TABLE t (x INTEGER)"})
	require.NoError(t, err)

	replicaMgr := database.NewManager(database.Options{
		DataDir: t.TempDir(),
		NodeID:  "node-replica",
		Bus:     eventbus.New(),
	})
	t.Cleanup(replicaMgr.CloseAll)
	_, err = replicaMgr.Create(ctx, &types.CreateDatabaseRequest{DatabaseID: db.ID, Name: "audited"})
	require.NoError(t, err)
	require.NoError(t, replicaMgr.SetRole(db.ID, "node-primary", []string{"node-replica"}))
	replica, err := replicaMgr.Get(ctx, db.ID)
	require.NoError(t, err)

	// Bring the replica in sync and register it in the primary's
	// replica table, as the sync endpoint would.
	batch, err := primary.FetchWALRange(ctx, &types.WALSyncRequest{FromPosition: 0, NodeID: "node-replica"})
	require.NoError(t, err)
	require.NoError(t, replica.ApplyWALBatch(ctx, batch.Entries))

	return primaryMgr, primary, replica
}

// replicaServer answers audit challenges the way the HTTP surface does.
func replicaServer(t *testing.T, replica *database.Instance) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/audit", r.URL.Path)
		var challenge types.AuditChallenge
		require.NoError(t, json.NewDecoder(r.Body).Decode(&challenge))

		resp, err := Respond(r.Context(), replica, "node-replica", &challenge)
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func collect(bus *eventbus.Bus, eventType eventbus.EventType) <-chan eventbus.Event {
	events := make(chan eventbus.Event, 16)
	bus.Subscribe(func(ev eventbus.Event) { events <- ev }, eventType)
	return events
}

func wait(t *testing.T, events <-chan eventbus.Event) eventbus.Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return eventbus.Event{}
	}
}

func TestPageHashDeterministic(t *testing.T) {
	page := []byte("page contents")
	assert.Equal(t, PageHash(page), PageHash(page))
	assert.NotEqual(t, PageHash(page), PageHash([]byte("other")))
	assert.Len(t, PageHash(page), 64)
}

func TestRespond(t *testing.T) {
	_, _, replica := newAuditedPair(t)

	resp, err := Respond(context.Background(), replica, "node-replica", &types.AuditChallenge{
		ChallengeID: "c1",
		DatabaseID:  replica.ID(),
		PageIndex:   0,
	})
	require.NoError(t, err)
	assert.Equal(t, "c1", resp.ChallengeID)
	assert.Equal(t, "node-replica", resp.NodeID)
	assert.Equal(t, PageHash(resp.PageData), resp.PageHash)
	assert.Equal(t, replica.WALPosition(), resp.WALPosition)
	assert.Equal(t, "SQLite format 3\x00", string(resp.PageData[:16]))
}

func TestRespondRejectsOutOfRangePage(t *testing.T) {
	_, _, replica := newAuditedPair(t)
	_, err := Respond(context.Background(), replica, "node-replica", &types.AuditChallenge{
		ChallengeID: "c1",
		PageIndex:   1 << 20,
	})
	assert.Error(t, err)
}

func TestAuditRoundPasses(t *testing.T) {
	mgr, _, replica := newAuditedPair(t)
	srv := replicaServer(t, replica)

	bus := eventbus.New()
	challenges := collect(bus, eventbus.EventAuditChallenge)
	responses := collect(bus, eventbus.EventAuditResponse)
	failures := collect(bus, eventbus.EventAuditFailed)

	auditor := NewAuditor(mgr, staticPeers{"node-replica": srv.URL}, bus, "node-primary")
	auditor.SetInterval(10 * time.Millisecond)
	auditor.Start(context.Background())
	defer auditor.Stop()

	ev := wait(t, challenges)
	assert.Equal(t, "node-replica", ev.Data["replica"])
	wait(t, responses)

	select {
	case ev := <-failures:
		t.Fatalf("unexpected audit failure: %+v", ev.Data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAuditFlagsDivergentReplica(t *testing.T) {
	mgr, _, replica := newAuditedPair(t)

	// The replica answers with pages from a different database file.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var challenge types.AuditChallenge
		require.NoError(t, json.NewDecoder(r.Body).Decode(&challenge))
		resp, err := Respond(r.Context(), replica, "node-replica", &challenge)
		require.NoError(t, err)
		resp.PageData[32] ^= 0xff
		resp.PageHash = PageHash(resp.PageData)
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	bus := eventbus.New()
	failures := collect(bus, eventbus.EventAuditFailed)

	auditor := NewAuditor(mgr, staticPeers{"node-replica": srv.URL}, bus, "node-primary")
	auditor.SetInterval(10 * time.Millisecond)
	auditor.Start(context.Background())
	defer auditor.Stop()

	ev := wait(t, failures)
	assert.Equal(t, "node-replica", ev.NodeID)
	assert.Equal(t, "page hash mismatch", ev.Data["reason"])
}

func TestAuditFlagsUnreachableReplica(t *testing.T) {
	mgr, _, _ := newAuditedPair(t)

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // connection refused from here on

	bus := eventbus.New()
	failures := collect(bus, eventbus.EventAuditFailed)

	auditor := NewAuditor(mgr, staticPeers{"node-replica": srv.URL}, bus, "node-primary")
	auditor.SetInterval(10 * time.Millisecond)
	auditor.Start(context.Background())
	defer auditor.Stop()

	ev := wait(t, failures)
	assert.Contains(t, ev.Data["reason"], "no response")
}

func TestAuditSkipsWithoutReplicas(t *testing.T) {
	ctx := context.Background()
	mgr := database.NewManager(database.Options{
		DataDir: t.TempDir(),
		NodeID:  "node-primary",
		Bus:     eventbus.New(),
	})
	t.Cleanup(mgr.CloseAll)
	_, err := mgr.Create(ctx, &types.CreateDatabaseRequest{Name: "lonely"})
	require.NoError(t, err)

	bus := eventbus.New()
	challenges := collect(bus, eventbus.EventAuditChallenge)

	auditor := NewAuditor(mgr, staticPeers{}, bus, "node-primary")
	auditor.SetInterval(10 * time.Millisecond)
	auditor.Start(context.Background())
	defer auditor.Stop()

	select {
	case ev := <-challenges:
		t.Fatalf("unexpected challenge: %+v", ev.Data)
	case <-time.After(100 * time.Millisecond):
	}
}
