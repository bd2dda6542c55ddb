package eventbus

import "time"

// EventType identifies an event flowing through the bus. The set is
// fixed: node lifecycle, database lifecycle, replication progress, and
// audit outcomes.
type EventType string

const (
	// Node lifecycle.
	EventNodeRegistered EventType = "node:registered"
	EventNodeHeartbeat  EventType = "node:heartbeat"
	EventNodeOffline    EventType = "node:offline"
	EventNodeSlashed    EventType = "node:slashed"

	// Database lifecycle.
	EventDatabaseCreated  EventType = "database:created"
	EventDatabaseDeleted  EventType = "database:deleted"
	EventDatabaseFailover EventType = "database:failover"

	// Replication progress.
	EventReplicationSynced  EventType = "replication:synced"
	EventReplicationLagging EventType = "replication:lagging"

	// Audit protocol.
	EventAuditChallenge EventType = "audit:challenge"
	EventAuditResponse  EventType = "audit:response"
	EventAuditFailed    EventType = "audit:failed"
)

// Event is a single notification. NodeID and DatabaseID are set when
// the event concerns one; Data carries type-specific fields.
type Event struct {
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	NodeID     string         `json:"nodeId,omitempty"`
	DatabaseID string         `json:"databaseId,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}
