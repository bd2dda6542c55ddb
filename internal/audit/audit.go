// Package audit implements the page-hash challenge protocol. The
// primary periodically picks a random replica and a pseudo-random page,
// computes the expected hash locally, and challenges the replica to
// produce the same page. Mismatches, timeouts, and absent responses
// surface as audit:failed events; enforcement (slashing) is external.
package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/sqlit/sqlit/internal/database"
	"github.com/sqlit/sqlit/internal/eventbus"
	"github.com/sqlit/sqlit/internal/types"
)

// challengeTimeout bounds the replica's answer; a late response counts
// as a failure.
const challengeTimeout = 10 * time.Second

// DefaultInterval between opportunistic audit rounds.
const DefaultInterval = 30 * time.Second

// PageHash is the digest used on both sides of a challenge.
func PageHash(page []byte) string {
	sum := sha256.Sum256(page)
	return hex.EncodeToString(sum[:])
}

// PeerResolver maps a node id to its HTTP endpoint. The node runtime
// backs this with its peer table, so the auditor holds node ids only.
type PeerResolver interface {
	PeerEndpoint(nodeID string) (string, bool)
}

// Auditor runs the primary side of the protocol.
type Auditor struct {
	manager  *database.Manager
	peers    PeerResolver
	bus      *eventbus.Bus
	nodeID   string
	interval time.Duration
	http     *http.Client
	rng      *rand.Rand

	cancel context.CancelFunc
	done   chan struct{}
}

// NewAuditor creates an auditor for this node's primary databases.
func NewAuditor(manager *database.Manager, peers PeerResolver, bus *eventbus.Bus, nodeID string) *Auditor {
	return &Auditor{
		manager:  manager,
		peers:    peers,
		bus:      bus,
		nodeID:   nodeID,
		interval: DefaultInterval,
		http:     &http.Client{Timeout: challengeTimeout},
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetInterval overrides the audit cadence (tests).
func (a *Auditor) SetInterval(d time.Duration) { a.interval = d }

// Start launches the opportunistic audit loop.
func (a *Auditor) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})
	go func() {
		defer close(a.done)
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.runOnce(ctx)
			}
		}
	}()
}

// Stop cancels the loop.
func (a *Auditor) Stop() {
	if a.cancel != nil {
		a.cancel()
		<-a.done
	}
}

// runOnce audits one randomly selected (database, replica, page).
func (a *Auditor) runOnce(ctx context.Context) {
	instance, replicaID, ok := a.pick()
	if !ok {
		return
	}

	endpoint, ok := a.peers.PeerEndpoint(replicaID)
	if !ok {
		return
	}

	pageCount, err := instance.PageCount(ctx)
	if err != nil || pageCount == 0 {
		return
	}
	pageIndex := uint32(a.rng.Intn(pageCount))

	expected, err := instance.ReadPage(ctx, pageIndex)
	if err != nil {
		log.WithFields(log.Fields{"database": instance.ID(), "err": err}).Warn("audit: reading local page")
		return
	}

	challenge := &types.AuditChallenge{
		ChallengeID:  uuid.NewString(),
		DatabaseID:   instance.ID(),
		PageIndex:    pageIndex,
		ExpectedHash: PageHash(expected),
		ExpiresAt:    time.Now().Add(challengeTimeout).UnixMilli(),
	}

	a.bus.Publish(eventbus.Event{
		Type:       eventbus.EventAuditChallenge,
		NodeID:     a.nodeID,
		DatabaseID: instance.ID(),
		Data:       map[string]any{"challengeId": challenge.ChallengeID, "replica": replicaID, "page": pageIndex},
	})

	resp, err := a.send(ctx, endpoint, challenge)
	if err != nil {
		a.failed(instance.ID(), replicaID, challenge.ChallengeID, fmt.Sprintf("no response: %v", err))
		return
	}

	a.bus.Publish(eventbus.Event{
		Type:       eventbus.EventAuditResponse,
		NodeID:     replicaID,
		DatabaseID: instance.ID(),
		Data:       map[string]any{"challengeId": challenge.ChallengeID, "position": resp.WALPosition},
	})

	if resp.PageHash != challenge.ExpectedHash || !bytes.Equal(resp.PageData, expected) {
		a.failed(instance.ID(), replicaID, challenge.ChallengeID, "page hash mismatch")
	}
}

// pick selects a random primary database with known replicas, and a
// random replica of it.
func (a *Auditor) pick() (*database.Instance, string, bool) {
	var candidates []*database.Instance
	for _, in := range a.manager.List() {
		if in.IsPrimary() && len(in.ReplicationStatus()) > 0 {
			candidates = append(candidates, in)
		}
	}
	if len(candidates) == 0 {
		return nil, "", false
	}
	instance := candidates[a.rng.Intn(len(candidates))]

	var replicas []string
	for id := range instance.ReplicationStatus() {
		replicas = append(replicas, id)
	}
	return instance, replicas[a.rng.Intn(len(replicas))], true
}

func (a *Auditor) send(ctx context.Context, endpoint string, challenge *types.AuditChallenge) (*types.AuditResponse, error) {
	body, err := json.Marshal(challenge)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/v2/audit", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := a.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, fmt.Errorf("audit returned %d: %s", httpResp.StatusCode, data)
	}

	var resp types.AuditResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (a *Auditor) failed(dbID, replicaID, challengeID, reason string) {
	a.bus.Publish(eventbus.Event{
		Type:       eventbus.EventAuditFailed,
		NodeID:     replicaID,
		DatabaseID: dbID,
		Data:       map[string]any{"challengeId": challengeID, "reason": reason},
	})
}

// Respond answers a challenge on the replica side: the raw page, its
// hash, and the replica's current WAL position.
func Respond(ctx context.Context, instance *database.Instance, nodeID string, challenge *types.AuditChallenge) (*types.AuditResponse, error) {
	page, err := instance.ReadPage(ctx, challenge.PageIndex)
	if err != nil {
		return nil, err
	}
	return &types.AuditResponse{
		ChallengeID: challenge.ChallengeID,
		NodeID:      nodeID,
		PageData:    page,
		PageHash:    PageHash(page),
		WALPosition: instance.WALPosition(),
	}, nil
}
